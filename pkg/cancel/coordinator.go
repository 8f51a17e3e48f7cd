// Package cancel stops the still-active tasks of a run using the persisted
// task manifest. Without that manifest there is nothing to act on, so
// cancellation is only ever as good as the launch-time bookkeeping.
package cancel

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/backend"
	"github.com/testfleet/testfleet/pkg/store"
)

// ErrCancelUnsupported is returned when no task manifest was persisted for
// the run, typically because the launch-time write failed.
var ErrCancelUnsupported = errors.New("cancel unsupported: no task manifest persisted for run")

// Result reports what a cancel call did, or would do without force.
type Result struct {
	// Planned lists the active handles that would be (or were) stopped.
	Planned []backend.TaskHandle
	// DryRun is true when no stop calls were issued.
	DryRun         bool
	Stopped        int
	AlreadyStopped int
	FailedToStop   int
}

// Coordinator cancels runs.
type Coordinator struct {
	Store   store.Store
	Backend backend.Backend
	Logger  *logrus.Entry
}

// Cancel stops the active tasks of a run. Without force it only returns the
// plan: which handles are still active and would receive a stop call. With
// force it issues one stop per active handle, tolerates tasks that stopped
// in the meantime and keeps going past individual failures.
func (c *Coordinator) Cancel(ctx context.Context, runID string, force bool) (*Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = logrus.WithField("run", runID)
	}

	var manifest api.TaskManifest
	if err := c.Store.GetJSON(ctx, store.TaskManifestKey(runID), &manifest); err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w %s", ErrCancelUnsupported, runID)
		}
		return nil, fmt.Errorf("loading task manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	var handles []backend.TaskHandle
	for _, ref := range manifest.Refs() {
		handles = append(handles, backend.TaskHandle{ID: ref.TaskARN, ShardID: ref.ShardID})
	}
	statuses, err := c.Backend.Describe(ctx, handles)
	if err != nil {
		return nil, fmt.Errorf("describing tasks: %w", err)
	}

	result := &Result{DryRun: !force}
	for _, status := range statuses {
		if status.State.Terminal() {
			result.AlreadyStopped++
			continue
		}
		result.Planned = append(result.Planned, status.Handle)
	}

	if !force {
		logger.Infof("Dry run: %d task(s) would be stopped, %d already stopped", len(result.Planned), result.AlreadyStopped)
		return result, nil
	}

	var stopErrs []error
	for _, handle := range result.Planned {
		if err := c.Backend.Stop(ctx, handle, "cancelled by user"); err != nil {
			logger.WithError(err).WithField("task", handle.ID).Warn("Failed to stop task")
			result.FailedToStop++
			stopErrs = append(stopErrs, err)
			continue
		}
		result.Stopped++
	}
	logger.Infof("Stopped %d task(s), %d already stopped, %d failed to stop", result.Stopped, result.AlreadyStopped, result.FailedToStop)
	// Individual stop failures do not fail the whole cancellation; the
	// aggregate is returned alongside the counts for the caller to report.
	if len(stopErrs) > 0 {
		return result, utilerrors.NewAggregate(stopErrs)
	}
	return result, nil
}
