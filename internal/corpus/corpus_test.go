package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingubot/pingubot/internal/api"
	"github.com/pingubot/pingubot/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestRsyncToDiskAndGetNewFiles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	require.NoError(t, store.WriteData(ctx, []byte("seed"), "bucket", "proj/target/regular/seed1"))

	c := New(store, "bucket", "proj", "target", api.CorpusKindRegular)
	dir := t.TempDir()

	downloaded, err := c.RsyncToDisk(ctx, dir)
	require.NoError(t, err)
	require.True(t, downloaded)

	data, err := os.ReadFile(filepath.Join(dir, "seed1"))
	require.NoError(t, err)
	require.Equal(t, "seed", string(data))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new1"), []byte("fresh"), 0o644))

	newFiles, err := c.GetNewFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"new1"}, newFiles)
}

func TestRsyncToDiskRespectsFreshness(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	c := New(store, "bucket", "proj", "target", api.CorpusKindRegular).
		WithFreshnessThreshold(time.Hour)
	dir := t.TempDir()

	downloaded, err := c.RsyncToDisk(ctx, dir)
	require.NoError(t, err)
	require.True(t, downloaded)

	downloaded, err = c.RsyncToDisk(ctx, dir)
	require.NoError(t, err)
	require.False(t, downloaded)
}

func TestRsyncFromDiskAndUploadFiles(t *testing.T) {
	ctx := context.Background()
	store := storage.NewFakeStore(nil)
	c := New(store, "bucket", "proj", "target", api.CorpusKindRegular)
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b"), []byte("2"), 0o644))

	require.NoError(t, c.RsyncFromDisk(ctx, dir))

	objs, err := store.ListBlobs(ctx, "bucket", "proj/target/regular/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestZipUnzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f1"), []byte("x"), 0o644))

	data, err := ZipDir(dir)
	require.NoError(t, err)

	out := t.TempDir()
	require.NoError(t, UnzipTo(data, out))

	got, err := os.ReadFile(filepath.Join(out, "f1"))
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}
