package unpack

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/pingubot/pingubot/internal/testcase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunUnpacksTestcaseToDisk(t *testing.T) {
	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(context.Background(), []byte("needle"), "blobs", "fuzzed/seed1"))

	client := api.NewFakeClient()
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{JobID: "job1", AbsolutePath: "seed1", FuzzedKeys: "fuzzed/seed1"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	h := &Handler{
		Client:       client,
		Env:          env.New(),
		Materializer: testcase.New(store, t.TempDir()),
		Logger:       testLogger(),
	}

	require.NoError(t, h.Run(context.Background(), job, id))
}

func TestRunUnknownTestcaseFails(t *testing.T) {
	client := api.NewFakeClient()
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job

	h := &Handler{
		Client: client,
		Env:    env.New(),
		Logger: testLogger(),
	}

	err := h.Run(context.Background(), job, "missing")
	require.Error(t, err)
}
