package dispatcher

import (
	"context"
	"testing"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsHandler(t *testing.T) {
	client := api.NewFakeClient()
	d := New(client)

	var ran bool
	d.Register("analyze", func(ctx context.Context, task *api.Task, job *api.Job) error {
		ran = true
		return nil
	})

	task := &api.Task{ID: "t1", Command: "analyze", JobID: "j1"}
	err := d.Dispatch(context.Background(), task, &api.Job{ID: "j1"})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := New(api.NewFakeClient())
	task := &api.Task{ID: "t1", Command: "nope"}
	err := d.Dispatch(context.Background(), task, &api.Job{})
	require.Error(t, err)
}

func TestDispatchAlreadyRunning(t *testing.T) {
	client := api.NewFakeClient()
	client.DenyTaskStatus = map[string]bool{"t1": true}
	d := New(client)

	var ran bool
	d.Register("analyze", func(ctx context.Context, task *api.Task, job *api.Job) error {
		ran = true
		return nil
	})

	task := &api.Task{ID: "t1", Command: "analyze"}
	err := d.Dispatch(context.Background(), task, &api.Job{})
	require.Error(t, err)
	var already *boterrors.AlreadyRunning
	require.ErrorAs(t, err, &already)
	require.False(t, ran)
}

func TestDispatchMultiInstanceSkipsLock(t *testing.T) {
	client := api.NewFakeClient()
	client.DenyTaskStatus = map[string]bool{"t1": true}
	d := New(client)

	var ran bool
	d.Register("fuzz", func(ctx context.Context, task *api.Task, job *api.Job) error {
		ran = true
		return nil
	})

	task := &api.Task{ID: "t1", Command: "fuzz"}
	err := d.Dispatch(context.Background(), task, &api.Job{})
	require.NoError(t, err)
	require.True(t, ran)
}
