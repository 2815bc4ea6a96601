package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BlobBucket is the well-known bucket name blobs live under.
const BlobBucket = "blobs"

// BlobStore writes uniquely-keyed files into the blobs bucket. Keys are
// random lowercased UUIDs; WriteBlob refuses to overwrite an existing key
// so a UUID collision (astronomically unlikely but checked anyway, per
// spec.md §4.6) never silently clobbers another blob.
type BlobStore struct {
	store Store
}

// NewBlobStore wraps store for blob-shaped access.
func NewBlobStore(store Store) *BlobStore {
	return &BlobStore{store: store}
}

// WriteBlob stores data under a freshly generated key and returns that key.
// originalFilename is not stored with the object.
func (b *BlobStore) WriteBlob(ctx context.Context, data []byte, originalFilename string) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		key := strings.ToLower(uuid.NewString())

		existing, err := b.store.Get(ctx, BlobBucket, key)
		if err != nil {
			return "", fmt.Errorf("check blob key collision: %w", err)
		}
		if existing != nil {
			continue
		}

		if err := b.store.WriteData(ctx, data, BlobBucket, key); err != nil {
			return "", fmt.Errorf("write blob: %w", err)
		}
		return key, nil
	}
	return "", fmt.Errorf("blob: exhausted attempts generating a unique key")
}

// ReadBlob reads back the blob stored under key.
func (b *BlobStore) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	data, err := b.store.ReadData(ctx, BlobBucket, key)
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", key, err)
	}
	return data, nil
}

// DeleteBlob removes the blob stored under key.
func (b *BlobStore) DeleteBlob(ctx context.Context, key string) error {
	return b.store.Delete(ctx, BlobBucket, key)
}
