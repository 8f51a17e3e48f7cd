// Package orchestrator drives one run end to end: shard the suite, persist
// the plan, launch one task per shard, supervise the fleet until it settles
// and fold the durable shard results into a single run summary.
//
// The whole lifecycle is a single logical control flow. The remote tasks run
// in true parallel on the compute backend; nothing here needs more than one
// goroutine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/backend"
	"github.com/testfleet/testfleet/pkg/shardplan"
	"github.com/testfleet/testfleet/pkg/store"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultLaunchDelay  = 500 * time.Millisecond
)

// runDeadline applies the safety multiplier exactly once, at the run level.
// Workers enforce the plain per-shard timeout themselves.
func runDeadline(shardTimeout time.Duration) time.Duration {
	return shardTimeout + shardTimeout/2
}

// defaultResultBackoff bounds the retries that absorb store eventual
// consistency between a task stopping and its result becoming readable.
func defaultResultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 2 * time.Second,
		Factor:   2.0,
		Jitter:   0.25,
		Steps:    5,
		Cap:      30 * time.Second,
	}
}

// ErrRunCancelled is returned when an external interrupt ended the run. Any
// shard results already written remain valid and readable via status.
var ErrRunCancelled = errors.New("run cancelled")

// ErrRunTimedOut marks a run that exceeded its deadline. Aggregation still
// ran; the summary reflects whatever the workers managed to upload.
var ErrRunTimedOut = errors.New("run exceeded deadline")

// LaunchError aborts a run: a shard could not be started, so the plan can
// never complete. Already-launched tasks are stopped best-effort.
type LaunchError struct {
	ShardID int
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching task for shard %d: %v", e.ShardID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// AggregationError means one or more shards never produced a result. This is
// an infrastructure outcome, distinct from tests failing: results that did
// arrive are still in the returned summary.
type AggregationError struct {
	RunID         string
	MissingShards []int
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("run %s: no result for shard(s) %v after exhausting retries", e.RunID, e.MissingShards)
}

// Options holds everything one run needs. A fresh value is built per
// invocation; nothing is process-global.
type Options struct {
	RunID      string
	Files      []api.TestFile
	ShardCount int
	Strategy   shardplan.Strategy
	Framework  string

	// WorkloadPath is the local test-code tarball uploaded for workers to
	// download. Workload takes precedence when set (tests).
	WorkloadPath string
	Workload     io.Reader

	Store   store.Store
	Backend backend.Backend

	Bucket       string
	Region       string
	Cluster      string
	CPU          int
	MemoryMiB    int
	ShardTimeout time.Duration

	PollInterval time.Duration
	LaunchDelay  time.Duration
	// ResultBackoff overrides the default result-fetch retry schedule.
	ResultBackoff *wait.Backoff

	CostPerVCPUHour     float64
	CostPerMemoryGBHour float64

	Clock  clock.Clock
	Logger *logrus.Entry
}

func (o *Options) complete() {
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = logrus.WithField("run", o.RunID)
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.LaunchDelay == 0 {
		o.LaunchDelay = defaultLaunchDelay
	}
	if o.ResultBackoff == nil {
		backoff := defaultResultBackoff()
		o.ResultBackoff = &backoff
	}
}

// Run executes the full lifecycle and returns the aggregated summary.
//
// Test failures are not errors: they are reflected in the summary's counts.
// The returned error distinguishes infrastructure outcomes: launch failure,
// deadline expiry, missing shard results and cancellation.
func (o *Options) Run(ctx context.Context) (*api.RunSummary, error) {
	o.complete()
	start := o.Clock.Now()
	logger := o.Logger

	logger.WithField("phase", "Initializing").WithFields(logrus.Fields{
		"files":    len(o.Files),
		"shards":   o.ShardCount,
		"strategy": o.Strategy,
	}).Info("Planning shards")
	shards, err := shardplan.Plan(o.Files, o.ShardCount, o.Strategy)
	if err != nil {
		return nil, err
	}
	logger.WithField("balanceScore", fmt.Sprintf("%.3f", shardplan.BalanceScore(shards))).
		Infof("Planned %d shard(s)", len(shards))

	if err := o.submit(ctx, shards); err != nil {
		return nil, err
	}

	handles, err := o.launch(ctx, shards)
	if err != nil {
		return nil, err
	}

	timedOut, err := o.awaitCompletion(ctx, handles)
	if err != nil {
		return nil, err
	}

	logger.WithField("phase", "Aggregating").Info("Collecting shard results")
	results, missing := o.aggregate(ctx, len(shards))

	summary := o.summarize(shards, results, missing, timedOut, o.Clock.Since(start))
	switch {
	case len(missing) > 0:
		return summary, &AggregationError{RunID: o.RunID, MissingShards: missing}
	case timedOut:
		return summary, fmt.Errorf("run %s: %w", o.RunID, ErrRunTimedOut)
	}
	return summary, nil
}

// submit makes the run durable: container, workload blob, then the shard
// plan. The manifest write is ordered strictly before any task launch so
// status, cancel and the workers themselves keep working even if this
// process dies right after.
func (o *Options) submit(ctx context.Context, shards []api.Shard) error {
	o.Logger.WithField("phase", "Submitting").Info("Uploading workload and manifest")
	if err := o.Store.EnsureContainerExists(ctx); err != nil {
		return fmt.Errorf("ensuring store container: %w", err)
	}

	workload := o.Workload
	if workload == nil {
		if o.WorkloadPath == "" {
			return errors.New("no workload to upload")
		}
		f, err := os.Open(o.WorkloadPath)
		if err != nil {
			return fmt.Errorf("opening workload %s: %w", o.WorkloadPath, err)
		}
		defer f.Close()
		workload = f
	}
	if err := o.Store.PutBlob(ctx, store.WorkloadKey(o.RunID), workload); err != nil {
		return fmt.Errorf("uploading workload: %w", err)
	}

	manifest := &api.RunManifest{
		RunID:     o.RunID,
		Framework: o.Framework,
		CreatedAt: o.Clock.Now(),
		Shards:    shards,
	}
	if err := o.Store.PutJSON(ctx, store.RunManifestKey(o.RunID), manifest); err != nil {
		return fmt.Errorf("persisting run manifest: %w", err)
	}
	return nil
}

// launch starts one task per shard sequentially, with a small delay between
// launches to stay inside backend admission limits. Any launch failure
// aborts the run and stops what already started.
func (o *Options) launch(ctx context.Context, shards []api.Shard) ([]backend.TaskHandle, error) {
	o.Logger.WithField("phase", "Submitting").Infof("Launching %d task(s)", len(shards))
	handles := make([]backend.TaskHandle, 0, len(shards))
	for i, shard := range shards {
		if i > 0 {
			select {
			case <-ctx.Done():
				o.stopAll(handles, "run cancelled during launch")
				return nil, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
			case <-o.Clock.After(o.LaunchDelay):
			}
		}
		handle, err := o.Backend.Launch(ctx, backend.TaskSpec{
			RunID:      o.RunID,
			ShardID:    shard.ID,
			ShardCount: len(shards),
			Bucket:     o.Bucket,
			Region:     o.Region,
			Framework:  o.Framework,
			CPU:        o.CPU,
			MemoryMiB:  o.MemoryMiB,
			Timeout:    o.ShardTimeout,
		})
		if err != nil {
			o.Logger.WithError(err).WithField("shard", shard.ID).Error("Launch failed, stopping already-launched tasks")
			o.stopAll(handles, "sibling shard failed to launch")
			return nil, &LaunchError{ShardID: shard.ID, Err: err}
		}
		handles = append(handles, handle)
	}

	manifest := &api.TaskManifest{
		RunID:     o.RunID,
		Cluster:   o.Cluster,
		Region:    o.Region,
		CreatedAt: o.Clock.Now(),
	}
	for _, handle := range handles {
		manifest.TaskARNs = append(manifest.TaskARNs, handle.ID)
		manifest.Tasks = append(manifest.Tasks, api.TaskRef{TaskARN: handle.ID, ShardID: handle.ShardID})
	}
	// Best-effort: without the task manifest, status degrades to
	// store-only mode and cancellation becomes unsupported, but the run
	// itself proceeds.
	if err := o.Store.PutJSON(ctx, store.TaskManifestKey(o.RunID), manifest); err != nil {
		o.Logger.WithError(err).Warn("Failed to persist task manifest, status and cancel degrade to best-effort")
	}
	return handles, nil
}

// awaitCompletion polls the backend until every task is terminal, the run
// deadline expires, or the context is cancelled. On deadline expiry every
// still-active task gets exactly one stop call and aggregation proceeds
// anyway; a stopped task may well have uploaded a valid result.
func (o *Options) awaitCompletion(ctx context.Context, handles []backend.TaskHandle) (timedOut bool, err error) {
	logger := o.Logger.WithField("phase", "AwaitingCompletion")
	deadline := o.Clock.Now().Add(runDeadline(o.ShardTimeout))
	logger.WithField("deadline", deadline.Format(time.RFC3339)).Info("Waiting for tasks to finish")

	statuses := make([]backend.TaskStatus, 0, len(handles))
	for {
		described, describeErr := o.Backend.Describe(ctx, handles)
		if describeErr != nil {
			// Transient visibility loss: keep polling until the
			// deadline decides.
			logger.WithError(describeErr).Warn("Describe failed, will retry on the next tick")
		} else {
			statuses = described
			terminal := 0
			for _, status := range statuses {
				if status.State.Terminal() {
					terminal++
				}
			}
			logger.Debugf("%d/%d task(s) terminal", terminal, len(statuses))
			if terminal == len(statuses) {
				o.classify(statuses)
				return false, nil
			}
		}

		if !o.Clock.Now().Before(deadline) {
			logger.Warn("Run deadline expired, force-stopping still-active tasks")
			o.stopActive(handles, statuses)
			return true, nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("Interrupted, stopping all tasks best-effort")
			o.stopAll(handles, "run cancelled")
			return false, fmt.Errorf("%w: %v", ErrRunCancelled, ctx.Err())
		case <-o.Clock.After(o.PollInterval):
		}
	}
}

// classify logs the terminal disposition of each task. A non-zero exit means
// the worker saw failing tests or crashed; either way its uploaded result,
// if any, is what counts, so classification never aborts the run.
func (o *Options) classify(statuses []backend.TaskStatus) {
	for _, status := range statuses {
		logger := o.Logger.WithFields(logrus.Fields{"shard": status.Handle.ShardID, "task": status.Handle.ID})
		switch {
		case status.Succeeded():
			logger.Info("Task finished cleanly")
		case status.ExitCode != nil:
			logger.WithField("exitCode", *status.ExitCode).Info("Task exited non-zero")
		default:
			logger.WithField("reason", status.Reason).Info("Task stopped without an exit code")
		}
	}
}

// stopActive issues one stop per task whose last observed state is still
// live. Tasks never observed (describe kept failing) are treated as live.
func (o *Options) stopActive(handles []backend.TaskHandle, statuses []backend.TaskStatus) {
	terminal := sets.New[string]()
	for _, status := range statuses {
		if status.State.Terminal() {
			terminal.Insert(status.Handle.ID)
		}
	}
	var active []backend.TaskHandle
	for _, handle := range handles {
		if !terminal.Has(handle.ID) {
			active = append(active, handle)
		}
	}
	o.stopAll(active, "run deadline exceeded")
}

func (o *Options) stopAll(handles []backend.TaskHandle, reason string) {
	// Stops run under a fresh context: this path is taken when the run
	// context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, handle := range handles {
		if err := o.Backend.Stop(ctx, handle, reason); err != nil {
			o.Logger.WithError(err).WithField("task", handle.ID).Warn("Failed to stop task")
		}
	}
}

// aggregate fetches every shard's result with bounded exponential backoff.
// Not-found is retried like any transient store failure because results
// become visible eventually-consistently after a task stops; a shard still
// missing once retries are exhausted is a hard MissingShard condition.
func (o *Options) aggregate(ctx context.Context, shardCount int) ([]api.ShardResult, []int) {
	var results []api.ShardResult
	var missing []int
	for shardID := 0; shardID < shardCount; shardID++ {
		var result api.ShardResult
		retriable := func(err error) bool {
			var validation *api.ValidationError
			return !errors.As(err, &validation)
		}
		err := retry.OnError(*o.ResultBackoff, retriable, func() error {
			result = api.ShardResult{}
			if err := o.Store.GetJSON(ctx, store.ResultKey(o.RunID, shardID), &result); err != nil {
				return err
			}
			return result.Validate(shardCount)
		})
		if err != nil {
			o.Logger.WithError(err).WithField("shard", shardID).Error("No usable result for shard")
			missing = append(missing, shardID)
			continue
		}
		results = append(results, result)
	}
	sort.Ints(missing)
	return results, missing
}

func (o *Options) summarize(shards []api.Shard, results []api.ShardResult, missing []int, timedOut bool, elapsed time.Duration) *api.RunSummary {
	sort.Slice(results, func(i, j int) bool { return results[i].ShardID < results[j].ShardID })
	summary := &api.RunSummary{
		RunID:         o.RunID,
		Shards:        len(shards),
		MissingShards: missing,
		TimedOut:      timedOut,
		Duration:      elapsed,
		PerShard:      results,
	}
	for _, result := range results {
		summary.Passed += result.Passed
		summary.Failed += result.Failed
		summary.Skipped += result.Skipped
	}
	summary.EstimatedCost = EstimateCost(o.CPU, o.MemoryMiB, elapsed, len(shards), o.CostPerVCPUHour, o.CostPerMemoryGBHour)
	return summary
}

// EstimateCost prices a run as resource size x wall time x shard count. It
// ignores per-second minimums, spot pricing and data transfer: an estimate,
// never a billing reconciliation.
func EstimateCost(cpuUnits, memoryMiB int, wall time.Duration, shards int, perVCPUHour, perMemoryGBHour float64) float64 {
	vCPUs := float64(cpuUnits) / 1024.0
	memoryGB := float64(memoryMiB) / 1024.0
	hours := wall.Hours()
	return float64(shards) * hours * (vCPUs*perVCPUHour + memoryGB*perMemoryGBHour)
}
