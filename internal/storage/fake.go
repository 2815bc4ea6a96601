package storage

import (
	"context"
	"sync"
	"time"
)

type fakeObject struct {
	data         []byte
	lastModified time.Time
}

// FakeStore is an in-memory Store used by tests across this module's
// storage-dependent packages (corpus, build, blob).
type FakeStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]fakeObject
	now     func() time.Time
}

// NewFakeStore constructs an empty FakeStore. now lets tests control the
// clock LastUpdated reports; nil uses time.Now.
func NewFakeStore(now func() time.Time) *FakeStore {
	if now == nil {
		now = time.Now
	}
	return &FakeStore{buckets: make(map[string]map[string]fakeObject), now: now}
}

func (f *FakeStore) bucket(name string) map[string]fakeObject {
	b, ok := f.buckets[name]
	if !ok {
		b = make(map[string]fakeObject)
		f.buckets[name] = b
	}
	return b
}

func (f *FakeStore) CreateBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bucket(bucket)
	return nil
}

func (f *FakeStore) ListBlobs(ctx context.Context, bucket, prefix string) ([]ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ObjectMetadata
	for key, obj := range f.bucket(bucket) {
		if len(prefix) > 0 && (len(key) < len(prefix) || key[:len(prefix)] != prefix) {
			continue
		}
		out = append(out, ObjectMetadata{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified})
	}
	return out, nil
}

func (f *FakeStore) Get(ctx context.Context, bucket, key string) (*ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.bucket(bucket)[key]
	if !ok {
		return nil, nil
	}
	return &ObjectMetadata{Key: key, Size: int64(len(obj.data)), LastModified: obj.lastModified}, nil
}

func (f *FakeStore) CopyFileFrom(ctx context.Context, bucket, key, localPath string) error {
	data, err := f.ReadData(ctx, bucket, key)
	if err != nil {
		return err
	}
	return writeFile(localPath, data)
}

func (f *FakeStore) CopyFileTo(ctx context.Context, localPath, bucket, key string) error {
	data, err := readFile(localPath)
	if err != nil {
		return err
	}
	return f.WriteData(ctx, data, bucket, key)
}

func (f *FakeStore) ReadData(ctx context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.bucket(bucket)[key]
	if !ok {
		return nil, nil
	}
	return obj.data, nil
}

func (f *FakeStore) WriteData(ctx context.Context, data []byte, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.bucket(bucket)[key] = fakeObject{data: cp, lastModified: f.now()}
	return nil
}

func (f *FakeStore) Delete(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bucket(bucket), key)
	return nil
}

func (f *FakeStore) LastUpdated(ctx context.Context, bucket, key string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.bucket(bucket)[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return obj.lastModified, true, nil
}
