// Package status builds point-in-time progress snapshots of a run by
// merging the durable store, which is authoritative, with live compute
// backend state, which only fills in the shards that have not finished yet.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/backend"
	"github.com/testfleet/testfleet/pkg/store"
)

// ErrRunNotFound is returned when no run manifest exists for the run id.
var ErrRunNotFound = errors.New("run not found")

// resultReadBackoff absorbs transient store failures while reading results.
// Not-found is not retried here: an absent result is normal mid-run.
func resultReadBackoff() wait.Backoff {
	return wait.Backoff{Duration: 500 * time.Millisecond, Factor: 2.0, Jitter: 0.25, Steps: 3, Cap: 5 * time.Second}
}

// Reconciler computes run status snapshots. Backend may be nil, in which
// case every snapshot is store-only.
type Reconciler struct {
	Store   store.Store
	Backend backend.Backend
	Clock   clock.Clock
	Logger  *logrus.Entry
}

func (r *Reconciler) complete(runID string) {
	if r.Clock == nil {
		r.Clock = clock.RealClock{}
	}
	if r.Logger == nil {
		r.Logger = logrus.WithField("run", runID)
	}
}

// Status builds one snapshot. A stored shard result always wins over
// whatever the backend reports for the same shard: the result is the
// shard's terminal record, a still-draining task does not un-finish it.
func (r *Reconciler) Status(ctx context.Context, runID string) (*api.RunStatus, error) {
	r.complete(runID)

	var manifest api.RunManifest
	if err := r.Store.GetJSON(ctx, store.RunManifestKey(runID), &manifest); err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("loading run manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	shardCount := len(manifest.Shards)

	results, err := r.loadResults(ctx, runID, shardCount)
	if err != nil {
		return nil, err
	}

	live, fidelity := r.liveStates(ctx, runID)

	status := &api.RunStatus{RunID: runID, Fidelity: fidelity}
	for shardID := 0; shardID < shardCount; shardID++ {
		status.Shards = append(status.Shards, shardStatus(shardID, results, live))
	}
	status.Overall = overall(status.Shards)
	return status, nil
}

func (r *Reconciler) loadResults(ctx context.Context, runID string, shardCount int) (map[int]api.ShardResult, error) {
	keys, err := r.Store.ListKeys(ctx, store.ResultsPrefix(runID))
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	results := map[int]api.ShardResult{}
	for _, key := range keys {
		var result api.ShardResult
		err := retry.OnError(resultReadBackoff(), func(err error) bool { return !store.IsNotFound(err) }, func() error {
			result = api.ShardResult{}
			return r.Store.GetJSON(ctx, key, &result)
		})
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("loading result %s: %w", key, err)
		}
		if err := result.Validate(shardCount); err != nil {
			// A malformed result is treated as absent rather than
			// poisoning the whole snapshot.
			r.Logger.WithError(err).WithField("key", key).Warn("Ignoring malformed shard result")
			continue
		}
		results[result.ShardID] = result
	}
	return results, nil
}

// liveStates queries the backend for the tasks in the persisted task
// manifest. Every failure mode degrades silently to store-only fidelity:
// status must keep working when the task manifest was never persisted, the
// backend is unreachable, or no backend is configured at all.
func (r *Reconciler) liveStates(ctx context.Context, runID string) (map[int]backend.TaskState, api.StatusFidelity) {
	if r.Backend == nil {
		return nil, api.FidelityStoreOnly
	}
	var manifest api.TaskManifest
	if err := r.Store.GetJSON(ctx, store.TaskManifestKey(runID), &manifest); err != nil {
		if !store.IsNotFound(err) {
			r.Logger.WithError(err).Warn("Failed to load task manifest, degrading to store-only status")
		}
		return nil, api.FidelityStoreOnly
	}
	if err := manifest.Validate(); err != nil {
		r.Logger.WithError(err).Warn("Ignoring malformed task manifest, degrading to store-only status")
		return nil, api.FidelityStoreOnly
	}

	var handles []backend.TaskHandle
	for _, ref := range manifest.Refs() {
		handles = append(handles, backend.TaskHandle{ID: ref.TaskARN, ShardID: ref.ShardID})
	}
	statuses, err := r.Backend.Describe(ctx, handles)
	if err != nil {
		r.Logger.WithError(err).Warn("Backend describe failed, degrading to store-only status")
		return nil, api.FidelityStoreOnly
	}
	live := map[int]backend.TaskState{}
	for _, status := range statuses {
		live[status.Handle.ShardID] = status.State
	}
	return live, api.FidelityFull
}

func shardStatus(shardID int, results map[int]api.ShardResult, live map[int]backend.TaskState) api.ShardStatus {
	if result, ok := results[shardID]; ok {
		state := api.ShardCompleted
		if result.Failed > 0 {
			state = api.ShardFailed
		}
		return api.ShardStatus{
			ShardID: shardID,
			State:   state,
			Passed:  result.Passed,
			Failed:  result.Failed,
			Skipped: result.Skipped,
		}
	}
	state, ok := live[shardID]
	if !ok {
		return api.ShardStatus{ShardID: shardID, State: api.ShardUnknown}
	}
	switch state {
	case backend.TaskPending:
		return api.ShardStatus{ShardID: shardID, State: api.ShardPending}
	case backend.TaskRunning:
		return api.ShardStatus{ShardID: shardID, State: api.ShardRunning}
	case backend.TaskStopped:
		// Terminal task, no stored result: the shard produced nothing.
		return api.ShardStatus{ShardID: shardID, State: api.ShardStopped}
	default:
		return api.ShardStatus{ShardID: shardID, State: api.ShardUnknown}
	}
}

// overall folds shard states into the run state. A shard that stopped
// without a result counts as failed: the run can never complete cleanly.
func overall(shards []api.ShardStatus) api.RunState {
	allTerminal, anyFailed, anyRunning, anyStarted := true, false, false, false
	for _, shard := range shards {
		if !shard.State.Terminal() {
			allTerminal = false
		}
		switch shard.State {
		case api.ShardFailed, api.ShardStopped:
			anyFailed = true
			anyStarted = true
		case api.ShardCompleted:
			anyStarted = true
		case api.ShardRunning:
			anyRunning = true
			anyStarted = true
		}
	}
	switch {
	case allTerminal && !anyFailed:
		return api.RunCompleted
	case allTerminal:
		return api.RunFailed
	case anyRunning:
		return api.RunRunning
	case !anyStarted:
		return api.RunPending
	default:
		return api.RunRunning
	}
}

// Terminal reports whether a run state is final.
func Terminal(state api.RunState) bool {
	return state == api.RunCompleted || state == api.RunFailed
}

// Watch polls until the run reaches a terminal state and returns the final
// snapshot. Watching is read-only, so context cancellation exits
// immediately with no cleanup.
func (r *Reconciler) Watch(ctx context.Context, runID string, interval time.Duration) (*api.RunStatus, error) {
	r.complete(runID)
	for {
		status, err := r.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		completed := 0
		for _, shard := range status.Shards {
			if shard.State.Terminal() {
				completed++
			}
		}
		r.Logger.WithFields(logrus.Fields{
			"overall":  status.Overall,
			"terminal": fmt.Sprintf("%d/%d", completed, len(status.Shards)),
		}).Info("Run progress")
		if Terminal(status.Overall) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.Clock.After(interval):
		}
	}
}
