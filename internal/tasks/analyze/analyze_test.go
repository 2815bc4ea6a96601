package analyze

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

const crashingScript = "#!/bin/sh\necho 'panic: boom'\necho 'main.crash('\nexit 2\n"

// initRepoWithApp creates a throwaway git repo whose "app" file is a shell
// script, returning the repo dir and its single commit's revision hash.
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
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)
	return repoDir, hash.String()
}

func newHandler(t *testing.T, repoDir string, store storage.Store) *Handler {
	t.Helper()
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)
	return &Handler{
		Client:       api.NewFakeClient(),
		Env:          env.New(),
		Materializer: testcase.New(store, t.TempDir()),
		Builds:       f,
		Revisions:    revisions.NewList([]revisions.Revision{{Number: 0, Label: ""}}),
		Logger:       testLogger(),
	}
}

func TestAnalyzeClassifiesCrashAndSchedulesFollowUp(t *testing.T) {
	repoDir, _ := initRepoWithApp(t, crashingScript)
	store := storage.NewFakeStore(nil)
	h := newHandler(t, repoDir, store)
	client := h.Client.(*api.FakeClient)

	require.NoError(t, store.WriteData(context.Background(), []byte("input"), "blobs", "blob-key"))

	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{FuzzedKeys: "blob-key", AbsolutePath: "testcase"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)
	tc.ID = id

	err = h.Run(context.Background(), job, id)
	require.NoError(t, err)

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, api.TestcaseStatusProcessed, saved.Status)
	require.Equal(t, "panic", saved.CrashType)
	require.NotEmpty(t, saved.CrashState)

	var sawImpact bool
	for _, task := range client.Tasks {
		if task.Command == "impact" {
			sawImpact = true
		}
	}
	require.True(t, sawImpact)
}

func TestAnalyzeMarksUnreproducible(t *testing.T) {
	repoDir, _ := initRepoWithApp(t, "#!/bin/sh\nexit 0\n")
	store := storage.NewFakeStore(nil)
	h := newHandler(t, repoDir, store)
	client := h.Client.(*api.FakeClient)

	require.NoError(t, store.WriteData(context.Background(), []byte("input"), "blobs", "blob-key"))

	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{FuzzedKeys: "blob-key", AbsolutePath: "testcase"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, api.TestcaseStatusUnreproducible, saved.Status)
}
