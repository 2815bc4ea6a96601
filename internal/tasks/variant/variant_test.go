package variant

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

func commitApp(t *testing.T, repoDir string, wt *git.Worktree, script string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "app"), []byte(script), 0o755))
	_, err := wt.Add("app")
	require.NoError(t, err)
	hash, err := wt.Commit("rev", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	require.NoError(t, err)
	return hash.String()
}

const crashScript = "#!/bin/sh\necho 'panic: boom'\necho 'main.crash('\nexit 2\n"
const noCrashScript = "#!/bin/sh\nexit 0\n"

func TestRunMarksSimilarVariant(t *testing.T) {
	repoDir := t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	hash := commitApp(t, repoDir, wt, crashScript)

	fetcher, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	revs := revisions.NewList([]revisions.Revision{{Number: 0, Label: hash}})

	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(context.Background(), []byte("AAAA"), "blobs", "fuzzed/seed1"))

	client := api.NewFakeClient()
	job := &api.Job{ID: "variant-job"}
	client.Jobs["variant-job"] = job
	tc := &api.Testcase{JobID: "other-job", AbsolutePath: "seed1", FuzzedKeys: "fuzzed/seed1", CrashState: "main.crash"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	h := &Handler{
		Client:       client,
		Env:          env.New(),
		Materializer: testcase.New(store, t.TempDir()),
		Builds:       fetcher,
		Revisions:    revs,
		Logger:       testLogger(),
	}

	require.NoError(t, h.Run(context.Background(), job, id))

	require.Len(t, client.Variants, 1)
	v := client.Variants[0]
	require.Equal(t, id, v.TestcaseID)
	require.Equal(t, "variant-job", v.JobID)
	require.Equal(t, api.TestcaseStatusProcessed, v.Status)
	require.True(t, v.IsSimilar)
}

func TestRunMarksUnreproducibleVariant(t *testing.T) {
	repoDir := t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	hash := commitApp(t, repoDir, wt, noCrashScript)

	fetcher, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	revs := revisions.NewList([]revisions.Revision{{Number: 0, Label: hash}})

	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(context.Background(), []byte("AAAA"), "blobs", "fuzzed/seed1"))

	client := api.NewFakeClient()
	job := &api.Job{ID: "variant-job"}
	client.Jobs["variant-job"] = job
	tc := &api.Testcase{JobID: "other-job", AbsolutePath: "seed1", FuzzedKeys: "fuzzed/seed1"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	h := &Handler{
		Client:       client,
		Env:          env.New(),
		Materializer: testcase.New(store, t.TempDir()),
		Builds:       fetcher,
		Revisions:    revs,
		Logger:       testLogger(),
	}

	require.NoError(t, h.Run(context.Background(), job, id))

	require.Len(t, client.Variants, 1)
	require.Equal(t, api.TestcaseStatusUnreproducible, client.Variants[0].Status)
}
