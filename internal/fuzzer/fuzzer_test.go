package fuzzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/corpus"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestEnsureFuzzerDownloadsAndSetsEnv(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)

	zipData, err := zipSingleFile("runner", []byte("#!/bin/sh\n"))
	require.NoError(t, err)
	require.NoError(t, store.WriteData(ctx, zipData, "fuzzers", "myfuzzer.zip"))

	root := t.TempDir()
	setup := NewSetup(store, filepath.Join(root, "fuzzers"), filepath.Join(root, "data"))

	f := &api.Fuzzer{
		Name:           "myfuzzer",
		BlobstorePath:  "myfuzzer.zip",
		ExecutablePath: "runner",
		Timeout:        30 * time.Second,
		MaxTestcases:   100,
		Revision:       1,
	}
	e := env.New()

	require.NoError(t, setup.EnsureFuzzer(ctx, e, f))

	v, ok := e.Get("FUZZER_NAME")
	require.True(t, ok)
	require.Equal(t, "myfuzzer", v)

	execPath := filepath.Join(root, "fuzzers", "myfuzzer", "runner")
	info, err := os.Stat(execPath)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o111)
}

func TestEnsureFuzzerSkipsWhenUpToDate(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	root := t.TempDir()
	setup := NewSetup(store, filepath.Join(root, "fuzzers"), filepath.Join(root, "data"))

	f := &api.Fuzzer{
		Name: "myfuzzer", BlobstorePath: "myfuzzer.zip",
		ExecutablePath: "runner", Revision: 1,
	}

	dir := filepath.Join(root, "fuzzers", "myfuzzer")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runner"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(setup.versionFile(f), []byte("1"), 0o644))

	e := env.New()
	require.NoError(t, setup.EnsureFuzzer(ctx, e, f))
}

func zipSingleFile(name string, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "fuzzerzip")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return nil, err
	}
	return corpus.ZipDir(dir)
}
