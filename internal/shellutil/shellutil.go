// Package shellutil collects filesystem and disk-pressure helpers shared by
// every task handler: directory cleanup before a task runs, path
// normalization, and the disk-pressure cache-eviction trigger from spec.md
// §4.4/§5.
package shellutil

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// EnsureDir creates dir and all necessary parents if they do not exist.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// RemoveContents deletes every entry inside dir without removing dir
// itself, tolerating a missing directory.
func RemoveContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read directory %q: %w", dir, err)
	}
	for _, entry := range entries {
		p := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(p); err != nil {
			return fmt.Errorf("remove %q: %w", p, err)
		}
	}
	return nil
}

// CleanAndExpandPath expands a leading "~" and environment variables in
// path, then cleans the result.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		if u, err := user.Current(); err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// PreTaskCleanupDirs lists the directories spec.md §4.4 requires wiped
// before every task: build-urls, crash-stacktraces, testcase, temp, and
// device-temp directories, rooted under workDir.
func PreTaskCleanupDirs(workDir string) []string {
	return []string{
		filepath.Join(workDir, "build-urls"),
		filepath.Join(workDir, "crash-stacktraces"),
		filepath.Join(workDir, "inputs", "fuzzer-testcases"),
		filepath.Join(workDir, "temp"),
		filepath.Join(workDir, "device-temp"),
	}
}

// CleanBeforeTask wipes every PreTaskCleanupDirs entry, logging but not
// failing on individual errors — a single stuck directory must not block
// the next task from starting.
func CleanBeforeTask(logger *slog.Logger, workDir string) {
	for _, dir := range PreTaskCleanupDirs(workDir) {
		if err := RemoveContents(dir); err != nil {
			logger.Error("pre-task cleanup failed", "dir", dir,
				"error", err)
		}
	}
}

// DiskUsage reports free bytes available under path.
func DiskUsage(path string) (free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CacheDir names one of the LRU-style caches eviction can target, in the
// priority order spec.md §5 mandates: fuzzer before build before corpus
// before temp.
type CacheDir struct {
	Name string
	Path string
}

// EvictCachesUnderPressure checks free disk space under root against
// minFreeBytes and, if below it, wipes each cache directory in priority
// order until either free space recovers or all caches are empty. It
// returns the names of the caches it actually cleared.
func EvictCachesUnderPressure(logger *slog.Logger, root string,
	minFreeBytes uint64, caches []CacheDir) ([]string, error) {

	free, err := DiskUsage(root)
	if err != nil {
		return nil, err
	}
	if free >= minFreeBytes {
		return nil, nil
	}

	logger.Warn("disk pressure detected; evicting caches", "freeBytes",
		free, "thresholdBytes", minFreeBytes)

	var cleared []string
	for _, c := range caches {
		if err := RemoveContents(c.Path); err != nil {
			logger.Error("cache eviction failed", "cache", c.Name,
				"error", err)
			continue
		}
		cleared = append(cleared, c.Name)

		free, err = DiskUsage(root)
		if err != nil {
			return cleared, err
		}
		if free >= minFreeBytes {
			break
		}
	}
	return cleared, nil
}

// OldestFirst sorts dir entries (directories only) by modification time,
// oldest first, for LRU-style eviction passes.
func OldestFirst(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory %q: %w", dir, err)
	}

	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}

	infos := make(map[string]os.FileInfo, len(dirs))
	for _, e := range dirs {
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", e.Name(), err)
		}
		infos[e.Name()] = info
	}

	sort.Slice(dirs, func(i, j int) bool {
		return infos[dirs[i].Name()].ModTime().Before(
			infos[dirs[j].Name()].ModTime())
	})

	return dirs, nil
}

// SanitizeURL parses rawURL and replaces any embedded userinfo (e.g. a
// personal access token) with a placeholder, so it is safe to log.
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.UserPassword("redacted", "redacted")
	return u.String()
}
