package dispatcher_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/types"
)

// fakeRegistry is an in-memory RegistryClient used to exercise the
// Dispatcher's main loop without a real pkg/registry.Registry.
type fakeRegistry struct {
	mu       sync.Mutex
	tasksets map[string]*types.Taskset
	events   []types.TaskEvent
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tasksets: make(map[string]*types.Taskset)}
}

func (f *fakeRegistry) addTask(specName string, t types.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.SpecName = specName
	ts, ok := f.tasksets[specName]
	if !ok {
		ts = &types.Taskset{SpecName: specName}
		f.tasksets[specName] = ts
	}
	ts.Tasks = append(ts.Tasks, t)
}

func (f *fakeRegistry) ListSpecs() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.tasksets {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeRegistry) GetReadyTasks(specName, skill string) ([]types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.tasksets[specName]
	if !ok {
		return nil, nil
	}
	var out []types.Task
	for _, t := range ts.Tasks {
		if t.State == types.TaskStateReady && (skill == "" || t.RequiredSkill == skill) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRegistry) GetTaskset(specName string) (*types.Taskset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.tasksets[specName]
	if !ok {
		return nil, fmt.Errorf("no such spec: %s", specName)
	}
	cp := *ts
	cp.Tasks = append([]types.Task(nil), ts.Tasks...)
	return &cp, nil
}

func (f *fakeRegistry) UpdateTaskState(specName, taskID string, newState types.TaskState, meta map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.tasksets[specName]
	if !ok {
		return fmt.Errorf("no such spec: %s", specName)
	}
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == taskID {
			ts.Tasks[i].State = newState
			return nil
		}
	}
	return fmt.Errorf("no such task: %s", taskID)
}

func (f *fakeRegistry) RecordEvent(ev types.TaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeRegistry) taskState(specName, taskID string) types.TaskState {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.tasksets[specName]
	for _, t := range ts.Tasks {
		if t.ID == taskID {
			return t.State
		}
	}
	return ""
}

func (f *fakeRegistry) hasEvent(et types.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.EventType == et {
			return true
		}
	}
	return false
}

// fakeWorkspace is an in-memory WorkspaceClient.
type fakeWorkspace struct {
	mu          sync.Mutex
	nextSlot    int
	allocateErr error
	released    []string
}

func (f *fakeWorkspace) AllocateSlot(ctx context.Context, poolName, owner string) (*types.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allocateErr != nil {
		return nil, f.allocateErr
	}
	f.nextSlot++
	return &types.Slot{ID: fmt.Sprintf("slot-%d", f.nextSlot), Path: "/tmp/slot", CurrentBranch: "task/x"}, nil
}

func (f *fakeWorkspace) ReleaseSlot(ctx context.Context, poolName, slotID, owner string, background bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, slotID)
	return nil
}

// fakeLauncher is an in-memory RunnerLauncher whose Launch/Terminate
// behavior is scripted per test.
type fakeLauncher struct {
	mu         sync.Mutex
	launchErr  error
	launched   []dispatcher.LaunchRequest
	terminated []string
}

func (f *fakeLauncher) Launch(ctx context.Context, req dispatcher.LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	f.launched = append(f.launched, req)
	return "handle-" + req.RunnerID, nil
}

func (f *fakeLauncher) Terminate(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, handle)
	return nil
}

func baseConfig() dispatcher.Config {
	return dispatcher.Config{
		PollInterval:            10 * time.Millisecond,
		MaxGlobalConcurrency:    10,
		HeartbeatTimeout:        50 * time.Millisecond,
		GracefulShutdownTimeout: 200 * time.Millisecond,
		DeadlockDetectionTicks:  1,
		SkillMapping:            map[string][]string{"default": {"local"}},
		Pools: []types.AgentPool{
			{Name: "local", Type: types.AgentPoolLocalProcess, MaxConcurrency: 5, Enabled: true},
		},
	}
}

func newTestDispatcher(t *testing.T, reg dispatcher.RegistryClient, ws dispatcher.WorkspaceClient, l dispatcher.RunnerLauncher) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(baseConfig(), reg, ws,
		map[types.AgentPoolType]dispatcher.RunnerLauncher{types.AgentPoolLocalProcess: l},
		map[string]dispatcher.PoolBinding{"local": {Command: []string{"/bin/true"}}},
	)
	require.NoError(t, err)
	return d
}

func TestNewRequiresDefaultSkillMapping(t *testing.T) {
	cfg := baseConfig()
	cfg.SkillMapping = nil
	_, err := dispatcher.New(cfg, newFakeRegistry(), &fakeWorkspace{}, nil, nil)
	assert.Error(t, err)
}

func TestDispatcherAssignsReadyTaskAndTransitionsToRunning(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	d := newTestDispatcher(t, reg, ws, launcher)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		return reg.taskState("spec-a", "1") == types.TaskStateRunning
	}, time.Second, 5*time.Millisecond)

	assert.True(t, reg.hasEvent(types.EventTaskAssigned))
	assert.True(t, reg.hasEvent(types.EventRunnerStarted))

	launcher.mu.Lock()
	require.Len(t, launcher.launched, 1)
	assert.Equal(t, "spec-a", launcher.launched[0].SpecName)
	launcher.mu.Unlock()
}

func TestDispatcherReportCompletionSuccessReleasesSlotAndRecordsEvent(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	d := newTestDispatcher(t, reg, ws, launcher)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, time.Second, 5*time.Millisecond)

	launcher.mu.Lock()
	runnerID := launcher.launched[0].RunnerID
	launcher.mu.Unlock()

	d.ReportCompletion(runnerID, true, "")

	require.Eventually(t, func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.released) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, reg.hasEvent(types.EventRunnerFinished))
}

func TestDispatcherReportCompletionFailureRetriesThenFails(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	cfg := baseConfig()
	cfg.Retry = dispatcher.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffBase: 1}
	d, err := dispatcher.New(cfg, reg, ws,
		map[types.AgentPoolType]dispatcher.RunnerLauncher{types.AgentPoolLocalProcess: launcher},
		map[string]dispatcher.PoolBinding{"local": {Command: []string{"/bin/true"}}},
	)
	require.NoError(t, err)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, time.Second, 5*time.Millisecond)

	launcher.mu.Lock()
	runnerID := launcher.launched[0].RunnerID
	launcher.mu.Unlock()

	d.ReportCompletion(runnerID, false, "boom")

	require.Eventually(t, func() bool {
		return reg.taskState("spec-a", "1") == types.TaskStateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestDispatcherHeartbeatTimeoutTriggersFailurePath(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	cfg := baseConfig()
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	cfg.Retry = dispatcher.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffBase: 1}
	d, err := dispatcher.New(cfg, reg, ws,
		map[types.AgentPoolType]dispatcher.RunnerLauncher{types.AgentPoolLocalProcess: launcher},
		map[string]dispatcher.PoolBinding{"local": {Command: []string{"/bin/true"}}},
	)
	require.NoError(t, err)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		return reg.taskState("spec-a", "1") == types.TaskStateFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherStopForceTerminatesOutstandingRunnersPastDeadline(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	cfg := baseConfig()
	cfg.GracefulShutdownTimeout = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Hour // never times out on its own
	d, err := dispatcher.New(cfg, reg, ws,
		map[types.AgentPoolType]dispatcher.RunnerLauncher{types.AgentPoolLocalProcess: launcher},
		map[string]dispatcher.PoolBinding{"local": {Command: []string{"/bin/true"}}},
	)
	require.NoError(t, err)

	d.Start()

	require.Eventually(t, func() bool {
		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		return len(launcher.launched) == 1
	}, time.Second, 5*time.Millisecond)

	d.Stop()

	launcher.mu.Lock()
	assert.Len(t, launcher.terminated, 1)
	launcher.mu.Unlock()
	assert.Equal(t, types.TaskStateFailed, reg.taskState("spec-a", "1"))
	assert.Len(t, ws.released, 1, "force-terminated runner's slot must be released")
	assert.True(t, reg.hasEvent(types.EventDispatcherShutdown))
}

func TestDispatcherStopWithoutStartIsNoOp(t *testing.T) {
	reg := newFakeRegistry()
	ws := &fakeWorkspace{}
	launcher := &fakeLauncher{}
	cfg := baseConfig()
	cfg.GracefulShutdownTimeout = time.Hour
	d, err := dispatcher.New(cfg, reg, ws,
		map[types.AgentPoolType]dispatcher.RunnerLauncher{types.AgentPoolLocalProcess: launcher},
		map[string]dispatcher.PoolBinding{"local": {Command: []string{"/bin/true"}}},
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked on a dispatcher that was never Started")
	}
}

func TestDispatcherSlotAllocationFailureRequeuesTask(t *testing.T) {
	reg := newFakeRegistry()
	reg.addTask("spec-a", types.Task{ID: "1", State: types.TaskStateReady, CreatedAt: time.Now()})
	ws := &fakeWorkspace{allocateErr: fmt.Errorf("no slots available")}
	launcher := &fakeLauncher{}
	d := newTestDispatcher(t, reg, ws, launcher)

	d.Start()
	defer d.Stop()

	time.Sleep(50 * time.Millisecond)

	launcher.mu.Lock()
	assert.Empty(t, launcher.launched)
	launcher.mu.Unlock()
	assert.Equal(t, types.TaskStateReady, reg.taskState("spec-a", "1"))
}
