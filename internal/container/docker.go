// Package container runs one task command inside an isolated sandbox with
// fixed CPU/memory limits instead of directly on the worker host. A fuzzing
// session routes its blackbox fuzzer runs (including the two-stage path's
// stage-1 generator) through it when configured; stage-2 replay and engine
// Reproduce calls run as local subprocesses.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Image is the sandbox image every Docker-backed run launches.
const Image = "pingubot-runner:latest"

// Spec describes one sandboxed command invocation.
type Spec struct {
	Argv        []string
	WorkDir     string
	HostBuildDir  string
	HostCorpusDir string
	Env           []string
	MemoryBytes   int64
	NanoCPUs      int64
}

// DefaultMemoryBytes and DefaultNanoCPUs bound a sandboxed run when Spec
// leaves them unset.
const (
	DefaultMemoryBytes = 2 * 1024 * 1024 * 1024
	DefaultNanoCPUs    = 1_000_000_000
)

// Runner launches Specs as Docker containers.
type Runner struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewRunner constructs a Runner from an existing Docker client.
func NewRunner(cli *client.Client, logger *slog.Logger) *Runner {
	return &Runner{cli: cli, logger: logger}
}

// Start creates and starts a container for spec, returning its ID and a
// reader over its combined stdout/stderr.
func (r *Runner) Start(ctx context.Context, spec Spec) (string, io.ReadCloser, error) {
	mem := spec.MemoryBytes
	if mem == 0 {
		mem = DefaultMemoryBytes
	}
	cpus := spec.NanoCPUs
	if cpus == 0 {
		cpus = DefaultNanoCPUs
	}

	cfg := &container.Config{
		Image:        Image,
		Cmd:          spec.Argv,
		WorkingDir:   spec.WorkDir,
		User:         fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          spec.Env,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
		Binds: []string{
			spec.HostBuildDir + ":/build",
			spec.HostCorpusDir + ":/corpus",
		},
		Resources: container.Resources{
			Memory:   mem,
			NanoCPUs: cpus,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", nil, fmt.Errorf("create sandbox container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", nil, fmt.Errorf("start sandbox container: %w", err)
	}

	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return resp.ID, nil, fmt.Errorf("attach sandbox container logs: %w", err)
	}

	return resp.ID, logs, nil
}

// Wait blocks until the container exits, returning an error for a non-zero
// exit status.
func (r *Runner) Wait(ctx context.Context, id string) error {
	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("wait for sandbox container: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("sandbox container exited with status %d", status.StatusCode)
		}
	}
	return nil
}

// Stop gracefully stops id, logging (rather than failing) stop errors since
// Stop is always called as best-effort cleanup.
func (r *Runner) Stop(id string) {
	if err := r.cli.ContainerStop(context.Background(), id, container.StopOptions{}); err != nil {
		r.logger.Error("failed to stop sandbox container", "error", err, "container_id", id)
	}
}
