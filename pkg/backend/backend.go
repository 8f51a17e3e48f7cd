// Package backend abstracts the compute service that executes shards. One
// task is launched per shard; the orchestrator only ever sees opaque handles
// and the three-state lifecycle below, so backends are interchangeable.
package backend

import (
	"context"
	"time"
)

// TaskState is the coarse lifecycle the orchestrator reasons about. Backend
// specific states are mapped onto it.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskStopped TaskState = "STOPPED"
	TaskUnknown TaskState = "UNKNOWN"
)

// Terminal reports whether a task in this state can still make progress.
func (s TaskState) Terminal() bool {
	return s == TaskStopped
}

// TaskHandle references one launched execution unit. ID is opaque to the
// orchestrator; for ECS it is the task ARN.
type TaskHandle struct {
	ID      string
	ShardID int
}

// TaskSpec describes one shard execution to launch. The worker reads its
// assignment from the environment the backend injects, per the worker
// boundary contract.
type TaskSpec struct {
	RunID      string
	ShardID    int
	ShardCount int

	// Store location the worker downloads the workload and manifest from
	// and uploads its result to.
	Bucket string
	Region string

	Framework string
	CPU       int
	MemoryMiB int
	// Timeout is the per-shard execution deadline, passed through to the
	// worker. The run-level deadline derived from it is enforced by the
	// orchestrator, not the backend.
	Timeout time.Duration
}

// TaskStatus is a point-in-time description of one task.
type TaskStatus struct {
	Handle   TaskHandle
	State    TaskState
	ExitCode *int
	Reason   string
}

// Succeeded reports whether the task stopped with a zero exit code. Workers
// exit non-zero when any test fails, so a non-zero exit does not by itself
// mean the shard produced no result.
func (s TaskStatus) Succeeded() bool {
	return s.State == TaskStopped && s.ExitCode != nil && *s.ExitCode == 0
}

// Backend launches, describes and stops tasks. Implementations must tag
// every task with run id and shard id so status and cancel can reconcile
// without the orchestrator process.
type Backend interface {
	Launch(ctx context.Context, spec TaskSpec) (TaskHandle, error)
	Describe(ctx context.Context, handles []TaskHandle) ([]TaskStatus, error)
	// Stop is idempotent: stopping an already-stopped task is not an error.
	Stop(ctx context.Context, handle TaskHandle, reason string) error
}
