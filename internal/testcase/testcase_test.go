package testcase

import (
	"context"
	"os"
	"testing"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestSetupPlainFile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(ctx, []byte("crashinput"), "blobs", "blobkey1"))

	root := t.TempDir()
	m := New(store, root)
	e := env.New()
	e.Set("TEST_TIMEOUT", "60")

	tc := &api.Testcase{
		ID: "tc1", FuzzedKeys: "blobkey1", TimeoutMultiplier: 2.0,
		MinimizedArguments: "--flag",
	}

	result, err := m.Setup(ctx, e, tc, false)
	require.NoError(t, err)

	data, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	require.Equal(t, "crashinput", string(data))

	require.Equal(t, 120, e.GetInt("TEST_TIMEOUT", 0))
	v, _ := e.Get("APP_ARGS")
	require.Equal(t, "--flag", v)
}

func TestSetupVariantAppendsArgs(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(ctx, []byte("x"), "blobs", "k"))

	m := New(store, t.TempDir())
	e := env.New()
	e.Set("APP_ARGS", "--job-level-flag")

	tc := &api.Testcase{ID: "tc2", FuzzedKeys: "k", MinimizedArguments: "--variant-flag"}

	_, err := m.Setup(ctx, e, tc, true)
	require.NoError(t, err)

	v, _ := e.Get("APP_ARGS")
	require.Equal(t, "--job-level-flag --variant-flag", v)
}

func TestSetupMissingKey(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	m := New(store, t.TempDir())
	e := env.New()

	_, err := m.Setup(ctx, e, &api.Testcase{ID: "tc3"}, false)
	require.Error(t, err)
}
