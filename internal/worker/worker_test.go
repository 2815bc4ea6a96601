package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/config"
	"github.com/pingubot/pingubot/internal/dispatcher"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/stretchr/testify/require"

	"log/slog"
	"io"
)

func newTestLoop(t *testing.T, client *api.FakeClient, d *dispatcher.Dispatcher) *Loop {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{WorkDir: t.TempDir()}
	cfg.Bot.CPUArch = "x86_64"
	return New(client, d, env.New(), logger, cfg, nil)
}

func TestIterateDispatchesTask(t *testing.T) {
	client := api.NewFakeClient()
	client.Jobs["j1"] = &api.Job{ID: "j1", ProjectID: "p1", CPUArch: "x86_64"}
	client.Projects["p1"] = &api.Project{ID: "p1", Name: "proj"}
	client.Tasks = []*api.Task{{ID: "t1", Command: "analyze", JobID: "j1"}}

	d := dispatcher.New(client)
	var ran bool
	d.Register("analyze", func(ctx context.Context, task *api.Task, job *api.Job) error {
		ran = true
		return nil
	})

	l := newTestLoop(t, client, d)
	require.NoError(t, l.iterate(context.Background()))
	require.True(t, ran)
}

func TestIterateNoTaskReturnsImmediately(t *testing.T) {
	client := api.NewFakeClient()
	d := dispatcher.New(client)
	l := newTestLoop(t, client, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, l.iterate(ctx))
}

func TestIterateCPUArchMismatchSkips(t *testing.T) {
	client := api.NewFakeClient()
	client.Jobs["j1"] = &api.Job{ID: "j1", ProjectID: "p1", CPUArch: "arm64"}
	client.Projects["p1"] = &api.Project{ID: "p1", Name: "proj"}
	client.Tasks = []*api.Task{{ID: "t1", Command: "analyze", JobID: "j1"}}

	d := dispatcher.New(client)
	var ran bool
	d.Register("analyze", func(ctx context.Context, task *api.Task, job *api.Job) error {
		ran = true
		return nil
	})

	l := newTestLoop(t, client, d)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.iterate(ctx))
	require.False(t, ran)
}
