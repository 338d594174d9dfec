package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// Registry is the Task Registry: durable source of truth for task state,
// dependencies, events, and artifact references (spec §4.1).
type Registry struct {
	storage *storage
	broker  *broker

	// nowFn is overridable in tests; defaults to time.Now.
	nowFn func() time.Time
}

// Config configures a Registry instance (spec §6 "Task Registry:
// {base_path, lock_timeout, lock_retry_interval}").
type Config struct {
	BasePath    string
	LockTimeout time.Duration
}

// New constructs a Registry rooted at cfg.BasePath.
func New(cfg Config) *Registry {
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	return &Registry{
		storage: newStorage(cfg.BasePath, cfg.LockTimeout),
		broker:  newBroker(),
		nowFn:   time.Now,
	}
}

func (r *Registry) now() time.Time {
	return r.nowFn().UTC()
}

// CreateTaskset creates a new taskset from definitions, rejecting cyclic
// dependencies and a pre-existing taskset of the same name (spec §4.1).
func (r *Registry) CreateTaskset(specName string, definitions []types.Task) (*types.Taskset, error) {
	if _, err := r.storage.readTaskset(specName); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrTasksetExists, specName)
	} else if err != ErrNotFound {
		return nil, err
	}

	if cycle, found := detectCycle(definitions); found {
		return nil, fmt.Errorf("%w: %s", ErrCircularDependency, formatCycle(cycle))
	}

	now := r.now()
	tasks := make([]types.Task, len(definitions))
	for i, def := range definitions {
		def.State = initialState(def.Dependencies)
		def.CreatedAt = now
		def.UpdatedAt = now
		tasks[i] = def
	}

	ts := &types.Taskset{SpecName: specName, Version: 1, Tasks: tasks}

	var writeErr error
	err := r.storage.withSpecLock(specName, func() error {
		writeErr = r.storage.writeTaskset(ts)
		return writeErr
	})
	if err != nil {
		return nil, err
	}

	for _, t := range tasks {
		r.recordEvent(types.TaskEvent{
			SpecName:  specName,
			TaskID:    t.ID,
			EventType: types.EventTaskCreated,
			Details:   map[string]string{"state": string(t.State)},
		})
	}
	r.updateTasksetMetric(ts)

	return ts, nil
}

// GetTaskset returns the current taskset for specName, or ErrNotFound.
func (r *Registry) GetTaskset(specName string) (*types.Taskset, error) {
	return r.storage.readTaskset(specName)
}

// ListSpecs returns the names of every taskset currently on disk, used by
// the Dispatcher's main loop to poll ready tasks "across all specs"
// (spec §4.3 step 1) without the caller needing to track spec names itself.
func (r *Registry) ListSpecs() ([]string, error) {
	return r.storage.listTasksets()
}

// UpdateTaskState validates and applies a state transition, handling
// RUNNING assignment metadata, DONE dependency resolution, and event
// emission per spec §4.1.
func (r *Registry) UpdateTaskState(specName, taskID string, newState types.TaskState, meta map[string]string) error {
	var (
		unblocked      []string
		reopened       bool
		completionMeta map[string]string
	)

	err := r.storage.withSpecLock(specName, func() error {
		ts, err := r.storage.readTaskset(specName)
		if err != nil {
			return err
		}

		t := ts.TaskByID(taskID)
		if t == nil {
			return fmt.Errorf("%w: task %s in spec %s", ErrNotFound, taskID, specName)
		}

		if !isValidTransition(t.State, newState) {
			log.WithSpecName(specName).Warn().
				Str("task_id", taskID).
				Str("from", string(t.State)).
				Str("to", string(newState)).
				Msg("invalid task state transition rejected")
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, newState)
		}

		if newState == types.TaskStateRunning {
			runnerID, slotID, poolName, branch := meta["runner_id"], meta["slot_id"], meta["pool_name"], meta["branch_name"]
			if runnerID == "" || slotID == "" || poolName == "" || branch == "" {
				return ErrMissingAssignment
			}
			t.RunnerID, t.SlotID, t.PoolName, t.BranchName = runnerID, slotID, poolName, branch
		}

		// Capture RUNNING-only assignment state before ClearAssignment wipes
		// it, so TaskCompleted/TaskFailed events below can still report
		// which runner executed the task and how long it ran (spec §6
		// Event Schema: TaskCompleted {runner_id, execution_time_seconds},
		// TaskFailed {runner_id, failure_reason, retry_count}).
		assignedRunnerID := t.RunnerID
		runningSince := t.UpdatedAt

		if t.State == types.TaskStateDone && newState == types.TaskStateReady {
			reopened = true
		}

		if newState == types.TaskStateDone || newState == types.TaskStateFailed || newState == types.TaskStateReady {
			t.ClearAssignment()
		}

		t.State = newState
		now := r.now()
		t.UpdatedAt = now

		switch newState {
		case types.TaskStateDone:
			unblocked = resolveDependents(ts)
			completionMeta = map[string]string{
				"runner_id":              assignedRunnerID,
				"execution_time_seconds": fmt.Sprintf("%.3f", now.Sub(runningSince).Seconds()),
			}
		case types.TaskStateFailed:
			completionMeta = map[string]string{
				"runner_id":      assignedRunnerID,
				"failure_reason": meta["failure_reason"],
				"retry_count":    meta["retry_count"],
			}
		}

		ts.Version++
		if err := r.storage.writeTaskset(ts); err != nil {
			return err
		}
		r.updateTasksetMetric(ts)
		return nil
	})
	if err != nil {
		return err
	}

	eventType := types.EventTaskUpdated
	if reopened {
		eventType = types.EventTaskReopened
	}
	r.recordEvent(types.TaskEvent{
		SpecName:  specName,
		TaskID:    taskID,
		EventType: eventType,
		Details:   map[string]string{"new_state": string(newState)},
	})
	if newState == types.TaskStateDone {
		r.recordEvent(types.TaskEvent{SpecName: specName, TaskID: taskID, EventType: types.EventTaskCompleted, Details: completionMeta})
	}
	if newState == types.TaskStateFailed {
		r.recordEvent(types.TaskEvent{SpecName: specName, TaskID: taskID, EventType: types.EventTaskFailed, Details: completionMeta})
	}
	for _, id := range unblocked {
		r.recordEvent(types.TaskEvent{SpecName: specName, TaskID: id, EventType: types.EventTaskReady})
	}

	return nil
}

// GetReadyTasks returns READY tasks for specName, optionally filtered by
// skill, sorted by dependency count ascending then priority descending
// (spec §4.1).
func (r *Registry) GetReadyTasks(specName string, skill string) ([]types.Task, error) {
	ts, err := r.storage.readTaskset(specName)
	if err != nil {
		return nil, err
	}

	var ready []types.Task
	for _, t := range ts.Tasks {
		if t.State != types.TaskStateReady {
			continue
		}
		if skill != "" && t.RequiredSkill != skill {
			continue
		}
		ready = append(ready, t)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if len(ready[i].Dependencies) != len(ready[j].Dependencies) {
			return len(ready[i].Dependencies) < len(ready[j].Dependencies)
		}
		return ready[i].Priority > ready[j].Priority
	})

	return ready, nil
}

// AddArtifact appends an artifact to a task's artifact list and emits
// TaskUpdated (spec §4.1).
func (r *Registry) AddArtifact(specName, taskID string, artifact types.Artifact) error {
	err := r.storage.withSpecLock(specName, func() error {
		ts, err := r.storage.readTaskset(specName)
		if err != nil {
			return err
		}
		t := ts.TaskByID(taskID)
		if t == nil {
			return fmt.Errorf("%w: task %s in spec %s", ErrNotFound, taskID, specName)
		}
		t.Artifacts = append(t.Artifacts, artifact)
		t.UpdatedAt = r.now()
		ts.Version++
		return r.storage.writeTaskset(ts)
	})
	if err != nil {
		return err
	}

	r.recordEvent(types.TaskEvent{
		SpecName:  specName,
		TaskID:    taskID,
		EventType: types.EventTaskUpdated,
		Details:   map[string]string{"artifact_type": string(artifact.Type), "artifact_uri": artifact.URI},
	})
	return nil
}

// RecordEvent appends an arbitrary event to the journal without mutating
// taskset state, e.g. for Dispatcher-originated TaskAssigned/RunnerStarted
// events (spec §4.1 "record_event").
func (r *Registry) RecordEvent(ev types.TaskEvent) {
	r.recordEvent(ev)
}

func (r *Registry) updateTasksetMetric(ts *types.Taskset) {
	metrics.TasksetVersion.WithLabelValues(ts.SpecName).Set(float64(ts.Version))

	counts := map[types.TaskState]int{}
	for _, t := range ts.Tasks {
		counts[t.State]++
	}
	for _, state := range []types.TaskState{
		types.TaskStateReady, types.TaskStateBlocked, types.TaskStateRunning,
		types.TaskStateDone, types.TaskStateFailed,
	} {
		metrics.TasksTotal.WithLabelValues(ts.SpecName, string(state)).Set(float64(counts[state]))
	}
}
