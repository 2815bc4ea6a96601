package env

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverlayAndReset(t *testing.T) {
	e := New()
	e.Set("JOB_ID", "base-job")

	e.Overlay("APP_ARGS = --flag\nTIMEOUT=30\n# comment\n\nBAD_LINE")

	v, ok := e.Get("APP_ARGS")
	require.True(t, ok)
	require.Equal(t, "--flag", v)
	require.Equal(t, 30, e.GetInt("TIMEOUT", 0))

	e.Set("JOB_ID", "overlaid-job")
	v, _ = e.Get("JOB_ID")
	require.Equal(t, "overlaid-job", v)

	e.Reset()

	_, ok = e.Get("APP_ARGS")
	require.False(t, ok)
	v, ok = e.Get("JOB_ID")
	require.True(t, ok)
	require.Equal(t, "base-job", v)
}

func TestGetOrDefault(t *testing.T) {
	e := New()
	require.Equal(t, "fallback", e.GetOrDefault("DOES_NOT_EXIST", "fallback"))
}

func TestSnapshotIsSorted(t *testing.T) {
	e := &Environment{values: map[string]string{}, base: map[string]string{}}
	e.Set("B", "2")
	e.Set("A", "1")

	snap := e.Snapshot()
	require.Equal(t, []string{"A=1", "B=2"}, snap)
}
