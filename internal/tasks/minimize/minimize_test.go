package minimize

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/build"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/revisions"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/pingubot/pingubot/internal/testcase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// needleScript crashes only when the input file contains the byte 'Z',
// letting the reduction algorithm be exercised against a known-minimal
// answer: a file containing just that one byte.
const needleScript = `#!/bin/sh
if grep -q Z "$1"; then
  echo 'panic: boom'
  echo 'main.crash('
  exit 2
fi
exit 0
`

func initRepoWithApp(t *testing.T, script string) (repoDir, revision string) {
	t.Helper()
	repoDir = t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "app"), []byte(script), 0o755))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app")
	require.NoError(t, err)
	hash, err := wt.Commit("rev", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)
	return repoDir, hash.String()
}

func TestMinimizeShrinksToSmallestCrashingInput(t *testing.T) {
	repoDir, rev := initRepoWithApp(t, needleScript)
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)
	store := storage.NewFakeStore(nil)
	inputsDir := t.TempDir()

	h := &Handler{
		Client:       api.NewFakeClient(),
		Env:          env.New(),
		Materializer: testcase.New(store, inputsDir),
		Builds:       f,
		Revisions:    revisions.NewList([]revisions.Revision{{Number: 5, Label: rev}}),
		Logger:       testLogger(),
	}
	client := h.Client.(*api.FakeClient)
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job

	original := []byte("abcZdef")
	require.NoError(t, store.WriteData(context.Background(), original, "blobs", "blob-key"))

	tc := &api.Testcase{FuzzedKeys: "blob-key", AbsolutePath: "testcase", ArchiveState: api.ArchiveStateMinimized, CrashRevision: 5}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Zero(t, saved.ArchiveState&api.ArchiveStateMinimized)

	reduced, err := os.ReadFile(filepath.Join(inputsDir, id, "testcase"))
	require.NoError(t, err)
	require.LessOrEqual(t, len(reduced), len(original))
	require.Contains(t, string(reduced), "Z")
}
