package uploadreports

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/stats"
	"github.com/pingubot/pingubot/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunUploadsValidReportsAndRemovesThem(t *testing.T) {
	dir := t.TempDir()
	valid := `{"job_id":"job1","fuzzer_name":"my_fuzzer","command":"fuzz","return_code":0}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stats-1.stats"), []byte(valid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644))

	store := storage.NewFakeStore(nil)
	h := &Handler{
		Stats:      stats.NewSink(store, "stats-bucket"),
		ReportsDir: dir,
		Logger:     testLogger(),
	}

	job := &api.Job{ID: "job1"}
	require.NoError(t, h.Run(context.Background(), job))

	_, err := os.Stat(filepath.Join(dir, "stats-1.stats"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(dir, "ignored.txt"))
	require.NoError(t, err)
}

func TestRunAggregatesFailuresAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	malformed := `{"job_id":"job1"}`
	valid := `{"job_id":"job1","fuzzer_name":"my_fuzzer","command":"fuzz","return_code":1}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stats-bad.stats"), []byte(malformed), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stats-good.stats"), []byte(valid), 0o644))

	store := storage.NewFakeStore(nil)
	h := &Handler{
		Stats:      stats.NewSink(store, "stats-bucket"),
		ReportsDir: dir,
		Logger:     testLogger(),
	}

	job := &api.Job{ID: "job1"}
	err := h.Run(context.Background(), job)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "stats-bad.stats"))
	require.NoError(t, statErr, "malformed file should be left in place")

	_, statErr = os.Stat(filepath.Join(dir, "stats-good.stats"))
	require.True(t, os.IsNotExist(statErr), "well-formed file should have been consumed")
}

func TestRunMissingReportsDirIsNotAnError(t *testing.T) {
	store := storage.NewFakeStore(nil)
	h := &Handler{
		Stats:      stats.NewSink(store, "stats-bucket"),
		ReportsDir: filepath.Join(t.TempDir(), "does-not-exist"),
		Logger:     testLogger(),
	}

	require.NoError(t, h.Run(context.Background(), &api.Job{ID: "job1"}))
}
