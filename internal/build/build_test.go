package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// initLocalRepo creates a throwaway git repository on disk with a single
// commit containing an "app" file, returning its path suitable for use as a
// file:// clone source.
func initLocalRepo(t *testing.T) (repoDir string, revision string) {
	t.Helper()
	repoDir = t.TempDir()

	repo, err := git.PlainInit(repoDir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "app"), []byte("binary"), 0o755))

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

func TestFetcherFetchesAndCaches(t *testing.T) {
	repoDir, revision := initLocalRepo(t)
	root := t.TempDir()

	f, err := NewFetcher(root, repoDir, "app", 10)
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), "job1", revision)
	require.NoError(t, err)
	require.FileExists(t, b.AppPath)

	// Second fetch should hit the cache and return the same directory
	// without re-cloning.
	b2, err := f.Fetch(context.Background(), "job1", revision)
	require.NoError(t, err)
	require.Equal(t, b.Dir, b2.Dir)
}

func TestFetcherBuildNotFoundOnBadURL(t *testing.T) {
	root := t.TempDir()
	f, err := NewFetcher(root, filepath.Join(root, "does-not-exist"), "app", 10)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "job1", "")
	require.Error(t, err)
}
