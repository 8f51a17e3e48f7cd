// Package store abstracts the durable object store that coordinates a run:
// the workload blob, the shard plan, the task manifest and the per-shard
// results all live under a run-scoped key prefix. The store is the source of
// truth; live backend state only ever supplements it.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrKeyNotFound is returned by reads of keys that do not exist.
var ErrKeyNotFound = errors.New("key not found")

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// ObjectMetadata describes a stored object without its payload.
type ObjectMetadata struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// Store is the durable key/blob storage contract. Keys are namespaced by run
// id, which isolates concurrent runs without any in-process locking.
type Store interface {
	// EnsureContainerExists creates the backing container if missing.
	// Idempotent.
	EnsureContainerExists(ctx context.Context) error
	PutBlob(ctx context.Context, key string, body io.Reader) error
	GetBlob(ctx context.Context, key string) ([]byte, error)
	PutJSON(ctx context.Context, key string, v interface{}) error
	GetJSON(ctx context.Context, key string, v interface{}) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	GetMetadata(ctx context.Context, key string) (*ObjectMetadata, error)
}

// Key layout for one run. The layout is stable and read by the workers, so
// changes here are wire-format changes.
//
//	runs/<runId>/test-code.tar.gz
//	runs/<runId>/shards.json
//	runs/<runId>/tasks.json
//	runs/<runId>/results/shard-<id>.json
func WorkloadKey(runID string) string {
	return fmt.Sprintf("runs/%s/test-code.tar.gz", runID)
}

func RunManifestKey(runID string) string {
	return fmt.Sprintf("runs/%s/shards.json", runID)
}

func TaskManifestKey(runID string) string {
	return fmt.Sprintf("runs/%s/tasks.json", runID)
}

func ResultsPrefix(runID string) string {
	return fmt.Sprintf("runs/%s/results/", runID)
}

func ResultKey(runID string, shardID int) string {
	return fmt.Sprintf("runs/%s/results/shard-%d.json", runID, shardID)
}
