package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Argv: []string{"/bin/echo", "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ReturnCode)
	require.Contains(t, string(res.Output), "hello")
	require.False(t, res.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Argv: []string{"/bin/sh", "-c", "exit 7"},
	})
	require.NoError(t, err)
	require.Equal(t, 7, res.ReturnCode)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Argv:    []string{"/bin/sh", "-c", "sleep 5"},
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.Equal(t, TimeoutExitCode, res.ReturnCode)
}

func TestRunLaunchFailure(t *testing.T) {
	res, err := Run(context.Background(), Options{
		Argv: []string{"/no/such/binary-pingubot"},
	})
	require.NoError(t, err)
	require.Equal(t, ExecutionFailedExitCode, res.ReturnCode)
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	require.Error(t, err)
}

func TestPoolRunAll(t *testing.T) {
	pool := NewPool(3)
	tasks := []Task{
		{ID: "a", Opts: Options{Argv: []string{"/bin/echo", "a"}}},
		{ID: "b", Opts: Options{Argv: []string{"/bin/echo", "b"}}},
		{ID: "c", Opts: Options{Argv: []string{"/bin/sh", "-c", "sleep 5"}}},
	}

	outcomes := pool.RunAll(context.Background(), tasks, 50*time.Millisecond)
	require.Len(t, outcomes, 3)

	byID := make(map[string]Outcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.ID] = o
	}
	require.Equal(t, 0, byID["a"].Result.ReturnCode)
	require.Equal(t, 0, byID["b"].Result.ReturnCode)
	require.True(t, byID["c"].Result.TimedOut)
}

func TestLimitedWriterTruncates(t *testing.T) {
	w := &limitedWriter{limit: 4}
	_, _ = w.Write([]byte("hello world"))
	require.Equal(t, "hell", w.buf.String())
}
