package backend

import (
	"context"
	"fmt"
	"sync"
)

// FakeBackend is an in-memory Backend. It doubles as the "stub" backend
// selectable via configuration for dry runs, and as the test double for the
// orchestrator: launches, describes and stops are recorded, and tests drive
// task state transitions explicitly.
type FakeBackend struct {
	mu      sync.Mutex
	nextID  int
	states  map[string]TaskStatus
	handles []TaskHandle

	// LaunchErr, when set, fails the launch whose shard id matches.
	LaunchErr map[int]error
	// StopErr, when set, fails stops of the matching task id.
	StopErr map[string]error
	// DescribeErr, when set, fails every describe call.
	DescribeErr error
	// AutoStop makes every launched task immediately STOPPED with exit
	// code 0, which is the useful default for stub runs.
	AutoStop bool

	// Launches, Stops and DescribeCalls record the call history.
	Launches      []TaskSpec
	Stops         []TaskHandle
	DescribeCalls int

	// RecordCall receives one entry per backend call when set.
	RecordCall func(string)
	// OnLaunch runs after each successful launch. The stub path uses it
	// to synthesize shard results so a dry run completes end to end.
	OnLaunch func(TaskSpec)
}

var _ Backend = &FakeBackend{}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{states: map[string]TaskStatus{}}
}

// NewStubBackend returns a backend whose tasks complete instantly. Used for
// dry runs without any remote infrastructure.
func NewStubBackend() *FakeBackend {
	return &FakeBackend{states: map[string]TaskStatus{}, AutoStop: true}
}

func (f *FakeBackend) record(entry string) {
	if f.RecordCall != nil {
		f.RecordCall(entry)
	}
}

func (f *FakeBackend) Launch(_ context.Context, spec TaskSpec) (TaskHandle, error) {
	f.mu.Lock()
	f.record(fmt.Sprintf("backend.Launch shard-%d", spec.ShardID))
	if err := f.LaunchErr[spec.ShardID]; err != nil {
		f.mu.Unlock()
		return TaskHandle{}, err
	}
	f.nextID++
	handle := TaskHandle{
		ID:      fmt.Sprintf("arn:aws:ecs:stub:0:task/%s/%04d", spec.RunID, f.nextID),
		ShardID: spec.ShardID,
	}
	status := TaskStatus{Handle: handle, State: TaskPending}
	if f.AutoStop {
		zero := 0
		status.State = TaskStopped
		status.ExitCode = &zero
	}
	f.states[handle.ID] = status
	f.handles = append(f.handles, handle)
	f.Launches = append(f.Launches, spec)
	f.mu.Unlock()

	if f.OnLaunch != nil {
		f.OnLaunch(spec)
	}
	return handle, nil
}

func (f *FakeBackend) Describe(_ context.Context, handles []TaskHandle) ([]TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++
	f.record("backend.Describe")
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	var statuses []TaskStatus
	for _, h := range handles {
		status, ok := f.states[h.ID]
		if !ok {
			statuses = append(statuses, TaskStatus{Handle: h, State: TaskUnknown, Reason: "task not found"})
			continue
		}
		status.Handle = h
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (f *FakeBackend) Stop(_ context.Context, handle TaskHandle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("backend.Stop %s", handle.ID))
	f.Stops = append(f.Stops, handle)
	if err := f.StopErr[handle.ID]; err != nil {
		return err
	}
	status, ok := f.states[handle.ID]
	if !ok {
		// Stop is idempotent, unknown tasks are treated as stopped.
		return nil
	}
	if status.State != TaskStopped {
		status.State = TaskStopped
		status.Reason = reason
		f.states[handle.ID] = status
	}
	return nil
}

// SetState transitions a task, for tests driving the poll loop.
func (f *FakeBackend) SetState(handle TaskHandle, state TaskState, exitCode *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[handle.ID] = TaskStatus{Handle: handle, State: state, ExitCode: exitCode}
}

// SetAllStates transitions every known task, for tests.
func (f *FakeBackend) SetAllStates(state TaskState, exitCode *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, status := range f.states {
		status.State = state
		status.ExitCode = exitCode
		f.states[id] = status
	}
}

// Handles returns the handles of every launched task in launch order.
func (f *FakeBackend) Handles() []TaskHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TaskHandle(nil), f.handles...)
}

// StopsFor returns how many stop calls were issued for the given handle.
func (f *FakeBackend) StopsFor(handle TaskHandle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, h := range f.Stops {
		if h.ID == handle.ID {
			count++
		}
	}
	return count
}
