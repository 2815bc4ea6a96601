package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeStoreReadWriteDelete(t *testing.T) {
	s := NewFakeStore(nil)
	ctx := context.Background()

	require.NoError(t, s.WriteData(ctx, []byte("hello"), "b", "k"))

	data, err := s.ReadData(ctx, "b", "k")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	meta, err := s.Get(ctx, "b", "k")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.EqualValues(t, 5, meta.Size)

	require.NoError(t, s.Delete(ctx, "b", "k"))
	meta, err = s.Get(ctx, "b", "k")
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestFakeStoreListBlobsPrefix(t *testing.T) {
	s := NewFakeStore(nil)
	ctx := context.Background()
	require.NoError(t, s.WriteData(ctx, []byte("a"), "b", "corpus/1"))
	require.NoError(t, s.WriteData(ctx, []byte("b"), "b", "corpus/2"))
	require.NoError(t, s.WriteData(ctx, []byte("c"), "b", "other/1"))

	objs, err := s.ListBlobs(ctx, "b", "corpus/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
}

func TestBlobStoreWriteReadDelete(t *testing.T) {
	blobs := NewBlobStore(NewFakeStore(nil))
	ctx := context.Background()

	key, err := blobs.WriteBlob(ctx, []byte("payload"), "testcase.bin")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	data, err := blobs.ReadBlob(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	require.NoError(t, blobs.DeleteBlob(ctx, key))
}
