package bisect

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
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// initRepoWithRevisions commits one app script per entry in scripts, in
// order, returning the repo dir and the commit hash for each.
func initRepoWithRevisions(t *testing.T, scripts []string) (repoDir string, hashes []string) {
	t.Helper()
	repoDir = t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	for i, script := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(repoDir, "app"), []byte(script), 0o755))
		_, err = wt.Add("app")
		require.NoError(t, err)
		hash, err := wt.Commit("rev", &git.CommitOptions{
			Author: &object.Signature{Name: "test", Email: "test@example.com"},
		})
		require.NoError(t, err)
		hashes = append(hashes, hash.String())
		_ = i
	}
	return repoDir, hashes
}

const noCrashScript = "#!/bin/sh\nexit 0\n"
const crashScript = "#!/bin/sh\necho 'panic: boom'\necho 'main.crash('\nexit 2\n"

func TestBisectRegressionFindsRange(t *testing.T) {
	repoDir, hashes := initRepoWithRevisions(t, []string{noCrashScript, noCrashScript, crashScript})
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	revs := revisions.NewList([]revisions.Revision{
		{Number: 0, Label: hashes[0]},
		{Number: 1, Label: hashes[1]},
		{Number: 2, Label: hashes[2]},
	})

	h := &Handler{
		Client:    api.NewFakeClient(),
		Env:       env.New(),
		Builds:    f,
		Revisions: revs,
		Logger:    testLogger(),
		Kind:      Regression,
	}
	client := h.Client.(*api.FakeClient)
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{AbsolutePath: "testcase"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "1:2", saved.Regression)

	var sawImpact bool
	for _, task := range client.Tasks {
		if task.Command == "impact" {
			sawImpact = true
		}
	}
	require.True(t, sawImpact)
}

func TestBisectRegressionFlakyAtBounds(t *testing.T) {
	repoDir, hashes := initRepoWithRevisions(t, []string{noCrashScript, noCrashScript})
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	revs := revisions.NewList([]revisions.Revision{
		{Number: 0, Label: hashes[0]},
		{Number: 1, Label: hashes[1]},
	})

	h := &Handler{
		Client:    api.NewFakeClient(),
		Env:       env.New(),
		Builds:    f,
		Revisions: revs,
		Logger:    testLogger(),
		Kind:      Regression,
	}
	client := h.Client.(*api.FakeClient)
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{AbsolutePath: "testcase"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	// The first failed bounds check only records the retry and requeues;
	// the second one marks the testcase NA and flaky.
	require.NoError(t, h.Run(context.Background(), job, id))
	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "NA", saved.Regression)
	require.Equal(t, true, saved.AdditionalMetadata["bisect_flaky"])
}

func TestBisectProgressionMarksFixed(t *testing.T) {
	repoDir, hashes := initRepoWithRevisions(t, []string{crashScript, crashScript, noCrashScript})
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	revs := revisions.NewList([]revisions.Revision{
		{Number: 0, Label: hashes[0]},
		{Number: 1, Label: hashes[1]},
		{Number: 2, Label: hashes[2]},
	})

	h := &Handler{
		Client:    api.NewFakeClient(),
		Env:       env.New(),
		Builds:    f,
		Revisions: revs,
		Logger:    testLogger(),
		Kind:      Progression,
	}
	client := h.Client.(*api.FakeClient)
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job
	tc := &api.Testcase{AbsolutePath: "testcase"}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "1:2", saved.Fixed)
}
