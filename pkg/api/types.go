package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// TestFile is one discovered test source unit. Discovery happens outside the
// orchestrator; files are immutable once handed in.
type TestFile struct {
	Path string `json:"path"`
	// SizeBytes is the on-disk size of the file, used by the size-balanced
	// sharding strategy.
	SizeBytes int64 `json:"sizeBytes"`
	// AvgDurationMillis is an optional historical duration estimate.
	// Zero means no estimate is available.
	AvgDurationMillis int64  `json:"avgDurationMillis,omitempty"`
	Suite             string `json:"suite,omitempty"`
}

// Shard is a partition of test files routed to one remote worker.
type Shard struct {
	ID                      int        `json:"id"`
	Files                   []TestFile `json:"files"`
	TotalSizeBytes          int64      `json:"totalSizeBytes"`
	EstimatedDurationMillis int64      `json:"estimatedDurationMillis"`
}

// RunManifest is the persisted shard plan for a run. It is written exactly
// once, before any task launch, and never modified afterwards.
type RunManifest struct {
	RunID     string    `json:"runId"`
	Framework string    `json:"framework,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Shards    []Shard   `json:"shards"`
}

// TaskRef ties a backend task identifier to the shard it executes.
type TaskRef struct {
	TaskARN string `json:"taskArn"`
	ShardID int    `json:"shardId"`
}

// TaskManifest records the tasks launched for a run. Persistence is
// best-effort; when it is absent, status degrades to store-only mode and
// cancellation is unsupported. The taskArns field is kept alongside the
// per-shard refs so existing readers of the flat list keep working.
type TaskManifest struct {
	RunID     string    `json:"runId,omitempty"`
	TaskARNs  []string  `json:"taskArns"`
	Cluster   string    `json:"cluster"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"createdAt"`
	Tasks     []TaskRef `json:"tasks,omitempty"`
}

// TestCaseStatus is the outcome of a single test case inside a shard result.
type TestCaseStatus string

const (
	TestCasePassed  TestCaseStatus = "passed"
	TestCaseFailed  TestCaseStatus = "failed"
	TestCaseSkipped TestCaseStatus = "skipped"
)

type TestCase struct {
	Name           string         `json:"name"`
	Suite          string         `json:"suite,omitempty"`
	File           string         `json:"file,omitempty"`
	Status         TestCaseStatus `json:"status"`
	DurationMillis int64          `json:"durationMillis,omitempty"`
	// Failure holds the failure message when Status is failed.
	Failure string `json:"failure,omitempty"`
}

// ShardResult is the outcome record a worker uploads for its shard. Once
// present in the store it is the authoritative terminal record for the shard,
// regardless of what the compute backend reports about the task.
type ShardResult struct {
	RunID          string     `json:"runId"`
	ShardID        int        `json:"shardId"`
	Passed         int        `json:"passed"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	DurationMillis int64      `json:"durationMillis"`
	TestCases      []TestCase `json:"testCases,omitempty"`
}

// ShardState is the reconciled state of one shard in a status snapshot.
type ShardState string

const (
	// ShardPending and ShardRunning are mapped from live backend state when
	// no result has been stored yet.
	ShardPending ShardState = "Pending"
	ShardRunning ShardState = "Running"
	// ShardStopped means the backend reports the task terminal but no result
	// was stored for the shard.
	ShardStopped ShardState = "Stopped"
	ShardUnknown ShardState = "Unknown"
	// ShardCompleted and ShardFailed are derived from a stored ShardResult.
	ShardCompleted ShardState = "Completed"
	ShardFailed    ShardState = "Failed"
)

// Terminal reports whether the shard can no longer make progress.
func (s ShardState) Terminal() bool {
	switch s {
	case ShardStopped, ShardCompleted, ShardFailed:
		return true
	}
	return false
}

// RunState is the overall state of a run in a status snapshot.
type RunState string

const (
	RunPending   RunState = "Pending"
	RunRunning   RunState = "Running"
	RunCompleted RunState = "Completed"
	RunFailed    RunState = "Failed"
)

// StatusFidelity indicates how much information a status snapshot was built
// from.
type StatusFidelity string

const (
	// FidelityFull means both the durable store and live backend state were
	// consulted.
	FidelityFull StatusFidelity = "Full"
	// FidelityStoreOnly means no task manifest or backend was available, so
	// in-flight shards cannot be distinguished from not-yet-started ones.
	FidelityStoreOnly StatusFidelity = "StoreOnly"
)

// ShardStatus is the reconciled view of one shard.
type ShardStatus struct {
	ShardID int        `json:"shardId"`
	State   ShardState `json:"state"`
	Passed  int        `json:"passed,omitempty"`
	Failed  int        `json:"failed,omitempty"`
	Skipped int        `json:"skipped,omitempty"`
}

// RunStatus is a point-in-time progress snapshot of a run.
type RunStatus struct {
	RunID    string         `json:"runId"`
	Overall  RunState       `json:"overall"`
	Fidelity StatusFidelity `json:"fidelity"`
	Shards   []ShardStatus  `json:"shards"`
}

// RunSummary is the aggregated outcome of a run. It is computed on demand
// and never persisted.
type RunSummary struct {
	RunID         string        `json:"runId"`
	Shards        int           `json:"shards"`
	Passed        int           `json:"passed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	MissingShards []int         `json:"missingShards,omitempty"`
	TimedOut      bool          `json:"timedOut,omitempty"`
	Duration      time.Duration `json:"duration"`
	// EstimatedCost is resource size x wall time, not a billing figure.
	EstimatedCost float64       `json:"estimatedCost"`
	PerShard      []ShardResult `json:"perShard,omitempty"`
}

// Success reports whether every shard produced a result and no test failed.
func (s *RunSummary) Success() bool {
	return !s.TimedOut && len(s.MissingShards) == 0 && s.Failed == 0
}

// NewRunID returns a fresh run identifier. The millisecond timestamp keeps
// ids sortable; the random suffix guards against collisions between runs
// submitted in the same millisecond.
func NewRunID() string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return fmt.Sprintf("run-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// ValidRunID reports whether id looks like an identifier produced by
// NewRunID or by an older timestamp-only generator.
func ValidRunID(id string) bool {
	if !strings.HasPrefix(id, "run-") {
		return false
	}
	return len(id) > len("run-")
}
