package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"k8s.io/client-go/kubernetes"

	"github.com/pingubot/pingubot/internal/process"
)

// DockerSandbox adapts Runner to process.SandboxRunner, for the blackbox
// fuzzing session's generator run (spec.md §4.8 steps 6-7) when the bot is
// not configured to run as a Kubernetes pod.
type DockerSandbox struct {
	Runner        *Runner
	HostBuildDir  string
	HostCorpusDir string
}

// Run starts opts.Argv in a fresh sandbox container and blocks until it
// exits, translating the container's exit status into a Result. Unlike
// Run's local subprocess, any non-zero container exit is reported as
// ReturnCode 1 rather than the actual exit code.
func (d *DockerSandbox) Run(ctx context.Context, opts process.Options) (process.Result, error) {
	var envStrs []string
	if opts.Env != nil {
		envStrs = opts.Env.Snapshot()
	}

	start := time.Now()
	id, logs, err := d.Runner.Start(ctx, Spec{
		Argv:          opts.Argv,
		WorkDir:       opts.Dir,
		HostBuildDir:  d.HostBuildDir,
		HostCorpusDir: d.HostCorpusDir,
		Env:           envStrs,
	})
	if err != nil {
		return process.Result{ReturnCode: process.ExecutionFailedExitCode}, fmt.Errorf("start sandbox: %w", err)
	}
	defer d.Runner.Stop(id)

	output, _ := io.ReadAll(logs)
	waitErr := d.Runner.Wait(ctx, id)
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return process.Result{ReturnCode: process.TimeoutExitCode, Duration: duration, Output: output, TimedOut: true}, nil
	}
	if waitErr != nil {
		return process.Result{ReturnCode: 1, Duration: duration, Output: output}, nil
	}
	return process.Result{ReturnCode: 0, Duration: duration, Output: output}, nil
}

// K8sSandbox adapts K8sJob to process.SandboxRunner, for bots running as
// Kubernetes pods (cfg.Bot.InCluster).
type K8sSandbox struct {
	Clientset     *kubernetes.Clientset
	Logger        *slog.Logger
	Namespace     string
	PVCClaim      string
	HostBuildDir  string
	HostCorpusDir string
}

// Run launches opts.Argv as a Kubernetes Job and blocks until it completes.
// Each call gets its own job name since a K8sJob is single-use.
func (k *K8sSandbox) Run(ctx context.Context, opts process.Options) (process.Result, error) {
	jobName := fmt.Sprintf("pingubot-run-%d", rand.Int63())

	job := NewK8sJob(ctx, k.Logger, k.Clientset, k.Namespace, jobName, k.PVCClaim, Spec{
		Argv:    opts.Argv,
		WorkDir: opts.Dir,
	})

	start := time.Now()
	if _, err := job.Start(); err != nil {
		return process.Result{ReturnCode: process.ExecutionFailedExitCode}, fmt.Errorf("start sandbox job: %w", err)
	}
	defer job.Stop()

	waitErr := job.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		return process.Result{ReturnCode: 1, Duration: duration}, nil
	}
	return process.Result{ReturnCode: 0, Duration: duration}, nil
}
