// Package corpus implements FuzzTargetCorpus: syncing a fuzz target's
// corpus directory between local disk and object storage, with the
// freshness throttling and new-file tracking spec.md §4.6 describes.
package corpus

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/storage"
)

// DefaultFreshnessThreshold is how long a previously-synced corpus is
// considered fresh enough to skip re-downloading, per spec.md §4.6.
const DefaultFreshnessThreshold = 30 * time.Minute

// FuzzTargetCorpus binds (project, fuzz target, kind) to a storage bucket
// and prefix.
type FuzzTargetCorpus struct {
	store               storage.Store
	bucket              string
	prefix              string
	freshnessThreshold  time.Duration

	// knownAfterSync records the set of files present immediately after the
	// last rsync_to_disk, for GetNewFiles to diff against.
	knownAfterSync map[string]struct{}
}

// New constructs a FuzzTargetCorpus for (projectID, target, kind), storing
// objects under "{projectID}/{target}/{kind}/" in bucket.
func New(store storage.Store, bucket, projectID, target string, kind api.CorpusKind) *FuzzTargetCorpus {
	return &FuzzTargetCorpus{
		store:              store,
		bucket:             bucket,
		prefix:             fmt.Sprintf("%s/%s/%s/", projectID, target, kind),
		freshnessThreshold: DefaultFreshnessThreshold,
		knownAfterSync:     make(map[string]struct{}),
	}
}

// WithFreshnessThreshold overrides the default 30-minute threshold.
func (c *FuzzTargetCorpus) WithFreshnessThreshold(d time.Duration) *FuzzTargetCorpus {
	c.freshnessThreshold = d
	return c
}

func (c *FuzzTargetCorpus) syncMarkerPath(dir string) string {
	target := filepath.Base(filepath.Dir(strings.TrimSuffix(c.prefix, "/")))
	return filepath.Join(dir, target+"_sync")
}

// RsyncToDisk downloads the corpus into dir, replacing its contents, unless
// the sync marker file shows a sync within the freshness threshold. It
// returns whether a download actually occurred.
func (c *FuzzTargetCorpus) RsyncToDisk(ctx context.Context, dir string) (bool, error) {
	marker := c.syncMarkerPath(dir)
	if info, err := os.Stat(marker); err == nil {
		if time.Since(info.ModTime()) < c.freshnessThreshold {
			return false, nil
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create corpus dir %q: %w", dir, err)
	}
	if err := removeDirContents(dir); err != nil {
		return false, fmt.Errorf("clear corpus dir %q: %w", dir, err)
	}

	objs, err := c.store.ListBlobs(ctx, c.bucket, c.prefix)
	if err != nil {
		return false, fmt.Errorf("list corpus objects: %w", err)
	}

	known := make(map[string]struct{}, len(objs))
	for _, obj := range objs {
		name := strings.TrimPrefix(obj.Key, c.prefix)
		if name == "" {
			continue
		}
		data, err := c.store.ReadData(ctx, c.bucket, obj.Key)
		if err != nil {
			return false, fmt.Errorf("download corpus file %q: %w", obj.Key, err)
		}
		dest := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return false, fmt.Errorf("create corpus subdir for %q: %w", name, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return false, fmt.Errorf("write corpus file %q: %w", dest, err)
		}
		known[name] = struct{}{}
	}

	c.knownAfterSync = known
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return false, fmt.Errorf("write sync marker %q: %w", marker, err)
	}
	return true, nil
}

// RsyncFromDisk uploads every file currently under dir, overwriting the
// stored corpus with dir's contents.
func (c *FuzzTargetCorpus) RsyncFromDisk(ctx context.Context, dir string) error {
	names, err := listFilesRecursive(dir)
	if err != nil {
		return fmt.Errorf("list corpus dir %q: %w", dir, err)
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read local corpus file %q: %w", name, err)
		}
		if err := c.store.WriteData(ctx, data, c.bucket, c.prefix+name); err != nil {
			return fmt.Errorf("upload corpus file %q: %w", name, err)
		}
	}
	return nil
}

// UploadFiles uploads the explicit list of local paths (relative to dir),
// matching the source's narrower upload_files(paths) call used when only a
// handful of new files need pushing rather than a full RsyncFromDisk.
func (c *FuzzTargetCorpus) UploadFiles(ctx context.Context, dir string, relPaths []string) error {
	for _, rel := range relPaths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return fmt.Errorf("read corpus file %q: %w", rel, err)
		}
		if err := c.store.WriteData(ctx, data, c.bucket, c.prefix+rel); err != nil {
			return fmt.Errorf("upload corpus file %q: %w", rel, err)
		}
	}
	return nil
}

// GetNewFiles returns files under dir that were not present immediately
// after the last RsyncToDisk call.
func (c *FuzzTargetCorpus) GetNewFiles(dir string) ([]string, error) {
	names, err := listFilesRecursive(dir)
	if err != nil {
		return nil, fmt.Errorf("list corpus dir %q: %w", dir, err)
	}
	var newFiles []string
	for _, name := range names {
		if strings.HasSuffix(name, "_sync") {
			continue
		}
		if _, known := c.knownAfterSync[name]; !known {
			newFiles = append(newFiles, name)
		}
	}
	return newFiles, nil
}

func removeDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func listFilesRecursive(dir string) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// ZipDir archives every file under dir into a single zip byte slice, used
// when the corpus is small enough to move as one archive object rather than
// per-file.
func ZipDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	names, err := listFilesRecursive(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnzipTo extracts zipData into dir.
func UnzipTo(zipData []byte, dir string) error {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	for _, f := range zr.File {
		dest := filepath.Join(dir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}
