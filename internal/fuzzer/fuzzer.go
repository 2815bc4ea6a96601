// Package fuzzer implements fuzzer and data-bundle setup (spec.md §4.9):
// resolving the fuzzer row, refreshing its on-disk archive when a revision
// bump is detected, and syncing data bundles under an LRU eviction policy.
package fuzzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/boterrors"
	"github.com/pingubot/pingubot/internal/corpus"
	"github.com/pingubot/pingubot/internal/env"
	"github.com/pingubot/pingubot/internal/shellutil"
	"github.com/pingubot/pingubot/internal/storage"
)

// MaxDataBundles bounds how many data-bundle directories are kept on disk
// at once before the oldest-mtime ones are evicted, per spec.md §4.9.
const MaxDataBundles = 10

// DataBundleSyncInterval is how long a previously-synced data bundle is
// considered fresh when the remote copy has not changed since.
const DataBundleSyncInterval = 6 * time.Hour

// DataBundle describes one data bundle a fuzzer depends on.
type DataBundle struct {
	Name       string
	BucketName string
	Prefix     string
}

// Setup resolves a fuzzer's on-disk archive and its data bundles, updating
// e with the fuzzer's declared environment variables.
type Setup struct {
	store     storage.Store
	fuzzerDir string
	dataDir   string
}

// NewSetup roots fuzzer archives under fuzzerDir and data bundles under
// dataDir.
func NewSetup(store storage.Store, fuzzerDir, dataDir string) *Setup {
	return &Setup{store: store, fuzzerDir: fuzzerDir, dataDir: dataDir}
}

func (s *Setup) versionFile(f *api.Fuzzer) string {
	return filepath.Join(s.fuzzerDir, f.Name, "."+f.Name+"_version")
}

// EnsureFuzzer refreshes the fuzzer's on-disk directory when its revision
// file is missing or stale, then sets the fuzzer-derived environment
// variables spec.md §4.9 requires.
func (s *Setup) EnsureFuzzer(ctx context.Context, e *env.Environment, f *api.Fuzzer) error {
	e.Set("FUZZER_NAME", f.Name)
	e.Set("TEST_TIMEOUT", strconv.Itoa(int(f.Timeout.Seconds())))

	fuzzTestTimeout := int(f.Timeout.Seconds())
	if v := e.GetInt("FUZZ_TEST_TIMEOUT", 0); v > fuzzTestTimeout {
		fuzzTestTimeout = v
	}
	e.Set("FUZZ_TEST_TIMEOUT", strconv.Itoa(fuzzTestTimeout))

	if f.MaxTestcases > 0 {
		e.Set("MAX_TESTCASES", strconv.Itoa(f.MaxTestcases))
	}
	if f.HasLargeTestcases {
		e.Set("FUZZ_INPUTS", filepath.Join(s.fuzzerDir, f.Name, "disk-inputs"))
	}

	dir := filepath.Join(s.fuzzerDir, f.Name)
	versionFile := s.versionFile(f)

	stale := true
	if data, err := os.ReadFile(versionFile); err == nil {
		if current, convErr := strconv.Atoi(string(data)); convErr == nil && current >= f.Revision {
			stale = false
		}
	}
	if !stale {
		if _, err := os.Stat(filepath.Join(dir, filepath.Base(f.ExecutablePath))); err == nil {
			return nil
		}
	}

	if err := shellutil.RemoveContents(dir); err != nil {
		return fmt.Errorf("clear fuzzer dir %q: %w", dir, err)
	}
	if err := shellutil.EnsureDir(dir); err != nil {
		return err
	}

	archive, err := s.store.ReadData(ctx, "fuzzers", f.BlobstorePath)
	if err != nil {
		return fmt.Errorf("download fuzzer archive %q: %w", f.BlobstorePath, err)
	}
	if err := corpus.UnzipTo(archive, dir); err != nil {
		return fmt.Errorf("unpack fuzzer archive: %w", err)
	}

	execPath := filepath.Join(dir, filepath.Base(f.ExecutablePath))
	if _, err := os.Stat(execPath); err != nil {
		return &boterrors.InvalidFuzzer{FuzzerName: f.Name}
	}
	if err := os.Chmod(execPath, 0o755); err != nil {
		return fmt.Errorf("make fuzzer executable: %w", err)
	}

	if err := os.WriteFile(versionFile, []byte(strconv.Itoa(f.Revision)), 0o644); err != nil {
		return fmt.Errorf("write fuzzer revision file: %w", err)
	}
	return nil
}

// SyncDataBundles downloads/unpacks each bundle unless it was synced within
// DataBundleSyncInterval and the remote copy has not been updated since,
// then evicts the oldest bundles beyond MaxDataBundles.
func (s *Setup) SyncDataBundles(ctx context.Context, bundles []DataBundle) error {
	for _, b := range bundles {
		dir := filepath.Join(s.dataDir, b.Name)
		marker := filepath.Join(dir, ".last_sync")

		skip := false
		if info, err := os.Stat(marker); err == nil {
			if time.Since(info.ModTime()) < DataBundleSyncInterval {
				updated, found, err := s.store.LastUpdated(ctx, b.BucketName, b.Prefix)
				if err == nil && found && updated.Before(info.ModTime()) {
					skip = true
				}
			}
		}
		if skip {
			continue
		}

		if err := shellutil.EnsureDir(dir); err != nil {
			return err
		}
		objs, err := s.store.ListBlobs(ctx, b.BucketName, b.Prefix)
		if err != nil {
			return fmt.Errorf("list data bundle %q: %w", b.Name, err)
		}
		for _, obj := range objs {
			data, err := s.store.ReadData(ctx, b.BucketName, obj.Key)
			if err != nil {
				return fmt.Errorf("download data bundle file %q: %w", obj.Key, err)
			}
			name := obj.Key[len(b.Prefix):]
			if name == "" {
				continue
			}
			dest := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dest, data, 0o644); err != nil {
				return err
			}
		}
		if err := os.WriteFile(marker, []byte(time.Now().UTC().String()), 0o644); err != nil {
			return err
		}
	}

	return s.evictOldBundles()
}

func (s *Setup) evictOldBundles() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list data bundle dir: %w", err)
	}

	type bundleDir struct {
		name    string
		modTime time.Time
	}
	var dirs []bundleDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, bundleDir{name: e.Name(), modTime: info.ModTime()})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.Before(dirs[j].modTime) })

	for len(dirs) > MaxDataBundles {
		if err := os.RemoveAll(filepath.Join(s.dataDir, dirs[0].name)); err != nil {
			return fmt.Errorf("evict stale data bundle %q: %w", dirs[0].name, err)
		}
		dirs = dirs[1:]
	}
	return nil
}
