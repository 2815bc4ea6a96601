package symbolize

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

// stableStateScript always reports the same crash_state regardless of
// REDZONE, so escalation should stop at the second size tried.
const stableStateScript = "#!/bin/sh\necho 'panic: boom'\necho 'main.crash('\nexit 2\n"

func TestSymbolizeEscalatesUntilStable(t *testing.T) {
	repoDir, rev := initRepoWithApp(t, stableStateScript)
	f, err := build.NewFetcher(t.TempDir(), repoDir, "app", 10)
	require.NoError(t, err)

	h := &Handler{
		Client:    api.NewFakeClient(),
		Env:       env.New(),
		Builds:    f,
		Revisions: revisions.NewList([]revisions.Revision{{Number: 5, Label: rev}}),
		Logger:    testLogger(),
	}
	client := h.Client.(*api.FakeClient)
	job := &api.Job{ID: "job1"}
	client.Jobs["job1"] = job

	tc := &api.Testcase{AbsolutePath: "testcase", CrashRevision: 5}
	id, err := client.CreateTestcase(context.Background(), tc)
	require.NoError(t, err)

	require.NoError(t, h.Run(context.Background(), job, id))

	saved, err := client.GetTestcase(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "panic", saved.CrashType)
	require.NotEmpty(t, saved.CrashState)
	require.GreaterOrEqual(t, saved.Redzone, MinRedzone)
	require.LessOrEqual(t, saved.Redzone, MaxRedzone)
}
