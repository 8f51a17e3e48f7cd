package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// FakeStore is an in-memory Store used by tests and by the stub backend
// path. It records the order of mutating operations so tests can assert
// write ordering against other collaborators.
type FakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	written map[string]time.Time
	exists  bool

	// Journal receives one entry per store call when set. Shared with a
	// fake backend, it makes cross-component call ordering observable.
	Journal *Journal

	// FailPut, when set, makes writes of keys containing the substring
	// fail with the given error.
	FailPut map[string]error
	// FailGet does the same for reads.
	FailGet map[string]error
}

// Journal is an ordered record of calls across fakes.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *Journal) Record(entry string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

var _ Store = &FakeStore{}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		objects: map[string][]byte{},
		written: map[string]time.Time{},
	}
}

func (f *FakeStore) failure(m map[string]error, key string) error {
	for substr, err := range m {
		if strings.Contains(key, substr) {
			return err
		}
	}
	return nil
}

func (f *FakeStore) EnsureContainerExists(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Journal.Record("store.EnsureContainerExists")
	f.exists = true
	return nil
}

func (f *FakeStore) PutBlob(_ context.Context, key string, body io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Journal.Record("store.PutBlob " + key)
	if err := f.failure(f.FailPut, key); err != nil {
		return err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[key] = content
	f.written[key] = time.Now()
	return nil
}

func (f *FakeStore) GetBlob(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Journal.Record("store.GetBlob " + key)
	if err := f.failure(f.FailGet, key); err != nil {
		return nil, err
	}
	content, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return append([]byte(nil), content...), nil
}

func (f *FakeStore) PutJSON(ctx context.Context, key string, v interface{}) error {
	content, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.PutBlob(ctx, key, bytes.NewReader(content))
}

func (f *FakeStore) GetJSON(ctx context.Context, key string, v interface{}) error {
	content, err := f.GetBlob(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(content, v)
}

func (f *FakeStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Journal.Record("store.ListKeys " + prefix)
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *FakeStore) GetMetadata(_ context.Context, key string) (*ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrKeyNotFound)
	}
	return &ObjectMetadata{Key: key, SizeBytes: int64(len(content)), LastModified: f.written[key]}, nil
}

// Has reports whether a key was stored.
func (f *FakeStore) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// Delete removes a key. Test helper.
func (f *FakeStore) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
}
