package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfleet/testfleet/pkg/api"
	"github.com/testfleet/testfleet/pkg/backend"
	"github.com/testfleet/testfleet/pkg/store"
)

const testRunID = "run-1700000000000-cafe0042"

func seed(t *testing.T, activeShards, stoppedShards int) (*store.FakeStore, *backend.FakeBackend, []backend.TaskHandle) {
	t.Helper()
	fakeStore := store.NewFakeStore()
	fakeBackend := backend.NewFakeBackend()

	manifest := api.TaskManifest{RunID: testRunID, Cluster: "c", Region: "us-east-1", CreatedAt: time.Now()}
	var handles []backend.TaskHandle
	for i := 0; i < activeShards+stoppedShards; i++ {
		h, err := fakeBackend.Launch(context.Background(), backend.TaskSpec{RunID: testRunID, ShardID: i})
		require.NoError(t, err)
		if i >= activeShards {
			code := 0
			fakeBackend.SetState(h, backend.TaskStopped, &code)
		} else {
			fakeBackend.SetState(h, backend.TaskRunning, nil)
		}
		manifest.TaskARNs = append(manifest.TaskARNs, h.ID)
		manifest.Tasks = append(manifest.Tasks, api.TaskRef{TaskARN: h.ID, ShardID: h.ShardID})
		handles = append(handles, h)
	}
	require.NoError(t, fakeStore.PutJSON(context.Background(), store.TaskManifestKey(testRunID), manifest))
	return fakeStore, fakeBackend, handles
}

func TestCancelWithoutManifestIsUnsupported(t *testing.T) {
	c := &Coordinator{Store: store.NewFakeStore(), Backend: backend.NewFakeBackend()}
	_, err := c.Cancel(context.Background(), testRunID, true)
	assert.ErrorIs(t, err, ErrCancelUnsupported)
}

func TestCancelDryRunIssuesNoStops(t *testing.T) {
	fakeStore, fakeBackend, _ := seed(t, 2, 1)
	c := &Coordinator{Store: fakeStore, Backend: fakeBackend}

	result, err := c.Cancel(context.Background(), testRunID, false)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Len(t, result.Planned, 2)
	assert.Equal(t, 1, result.AlreadyStopped)
	assert.Equal(t, 0, result.Stopped)
	assert.Empty(t, fakeBackend.Stops, "dry run must not issue stop calls")
}

func TestCancelForceStopsEachActiveHandleOnce(t *testing.T) {
	fakeStore, fakeBackend, handles := seed(t, 2, 1)
	c := &Coordinator{Store: fakeStore, Backend: fakeBackend}

	result, err := c.Cancel(context.Background(), testRunID, true)
	require.NoError(t, err)

	assert.False(t, result.DryRun)
	assert.Equal(t, 2, result.Stopped)
	assert.Equal(t, 1, result.AlreadyStopped)
	assert.Equal(t, 0, result.FailedToStop)
	assert.Equal(t, 1, fakeBackend.StopsFor(handles[0]))
	assert.Equal(t, 1, fakeBackend.StopsFor(handles[1]))
	assert.Equal(t, 0, fakeBackend.StopsFor(handles[2]), "already-terminal tasks are left alone")
}

func TestCancelContinuesPastStopFailures(t *testing.T) {
	fakeStore, fakeBackend, handles := seed(t, 3, 0)
	fakeBackend.StopErr = map[string]error{handles[1].ID: errors.New("api error")}
	c := &Coordinator{Store: fakeStore, Backend: fakeBackend}

	result, err := c.Cancel(context.Background(), testRunID, true)
	require.Error(t, err, "aggregate stop failure is surfaced")

	assert.Equal(t, 2, result.Stopped)
	assert.Equal(t, 1, result.FailedToStop)
	assert.Equal(t, 1, fakeBackend.StopsFor(handles[2]), "failure on one handle must not skip the rest")
}
