// Package build fetches and caches the build artifacts a job runs against:
// a revision-checked clone of the project source (via go-git), checked out
// at the requested revision and LRU-cached on disk to avoid re-cloning for
// every fuzzing cycle. Nothing is compiled here.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pingubot/pingubot/internal/boterrors"
)

// Build is a fetched, unpacked build ready to run: AppPath must exist for
// the build to be usable (spec.md §4.13's "bracketed by a build setup whose
// output APP_PATH must exist; otherwise the revision is unusable").
type Build struct {
	JobID    string
	Revision string
	Dir      string
	AppPath  string
}

// Fetcher clones a project repository at a given revision into a
// per-(job,revision) directory under root, caching clones across calls with
// an LRU eviction policy so disk usage stays bounded.
type Fetcher struct {
	root       string
	repoURL    string
	appRelPath string
	cache      *lru.Cache[string, string]
}

// NewFetcher constructs a Fetcher rooted at root, cloning repoURL on
// demand and expecting the compiled binary at appRelPath within each
// checkout. maxCached bounds how many (job, revision) checkouts are kept on
// disk at once; the least-recently-used one is deleted when the bound is
// exceeded.
func NewFetcher(root, repoURL, appRelPath string, maxCached int) (*Fetcher, error) {
	if maxCached <= 0 {
		maxCached = 10
	}
	f := &Fetcher{root: root, repoURL: repoURL, appRelPath: appRelPath}

	cache, err := lru.NewWithEvict(maxCached, func(key, dir string) {
		os.RemoveAll(dir)
	})
	if err != nil {
		return nil, fmt.Errorf("create build LRU cache: %w", err)
	}
	f.cache = cache
	return f, nil
}

func (f *Fetcher) dirFor(jobID, revision string) string {
	return filepath.Join(f.root, jobID, revision)
}

// Fetch returns a Build for (jobID, revision), cloning it if not already
// cached. It returns *boterrors.BuildNotFound if the clone fails entirely,
// or *boterrors.BuildSetup if the clone succeeds but AppPath is missing
// afterward.
func (f *Fetcher) Fetch(ctx context.Context, jobID, revision string) (*Build, error) {
	dir := f.dirFor(jobID, revision)

	if cached, ok := f.cache.Get(cacheKey(jobID, revision)); ok {
		appPath := filepath.Join(cached, f.appRelPath)
		if _, err := os.Stat(appPath); err == nil {
			return &Build{JobID: jobID, Revision: revision, Dir: cached, AppPath: appPath}, nil
		}
		// Cached dir was cleared externally; fall through and re-clone.
		f.cache.Remove(cacheKey(jobID, revision))
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear stale build dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("create build parent dir: %w", err)
	}

	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: f.repoURL})
	if err != nil {
		return nil, &boterrors.BuildNotFound{JobID: jobID, Revision: revision}
	}

	if revision != "" {
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return nil, &boterrors.BuildSetup{JobID: jobID, Revision: revision, Reason: err.Error()}
		}
		wt, err := repo.Worktree()
		if err != nil {
			return nil, &boterrors.BuildSetup{JobID: jobID, Revision: revision, Reason: err.Error()}
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(revision)}); err != nil {
			return nil, &boterrors.BuildSetup{JobID: jobID, Revision: revision, Reason: err.Error()}
		}
	}

	appPath := filepath.Join(dir, f.appRelPath)
	if _, err := os.Stat(appPath); err != nil {
		return nil, &boterrors.BuildSetup{
			JobID: jobID, Revision: revision,
			Reason: fmt.Sprintf("APP_PATH %q missing after checkout", appPath),
		}
	}

	f.cache.Add(cacheKey(jobID, revision), dir)
	return &Build{JobID: jobID, Revision: revision, Dir: dir, AppPath: appPath}, nil
}

func cacheKey(jobID, revision string) string {
	return jobID + "@" + revision
}
