package heartbeat

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, client *api.FakeClient) (*Monitor, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logPath := filepath.Join(t.TempDir(), "worker.log")
	require.NoError(t, os.WriteFile(logPath, []byte("start\n"), 0o644))
	workDir := t.TempDir()
	return New(client, logger, "bot-1", logPath, workDir), logPath
}

func TestCheckOnceLivenessUpdate(t *testing.T) {
	client := api.NewFakeClient()
	m, logPath := newTestMonitor(t, client)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(logPath, []byte("start\nmore\n"), 0o644))

	m.checkOnce(context.Background())
}

func TestCheckOnceNoTaskDeadline(t *testing.T) {
	client := api.NewFakeClient()
	m, _ := newTestMonitor(t, client)
	m.checkOnce(context.Background())
}

func TestCheckOnceStaleTaskEndsTask(t *testing.T) {
	client := api.NewFakeClient()
	m, _ := newTestMonitor(t, client)
	m.TaskEndTime = func() (time.Time, bool) { return time.Now().Add(-time.Hour), true }
	m.CurrentTaskID = func() string { return "t1" }

	m.checkOnce(context.Background())
}
