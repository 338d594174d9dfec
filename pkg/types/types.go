// Package types defines the core data structures of the NecroCode task-execution
// engine: tasks, tasksets, events, artifacts, workspace pools/slots, runners, and
// dispatcher-side agent pools. These types are shared by pkg/registry,
// pkg/workspace, pkg/runner, and pkg/dispatcher.
package types

import "time"

// TaskState is the task lifecycle state machine value (spec §3, §4.1).
type TaskState string

const (
	TaskStateReady   TaskState = "READY"
	TaskStateBlocked TaskState = "BLOCKED"
	TaskStateRunning TaskState = "RUNNING"
	TaskStateDone    TaskState = "DONE"
	TaskStateFailed  TaskState = "FAILED"
)

// Task is a single assignable unit of work inside a spec.
type Task struct {
	// SpecName identifies the owning taskset. Not persisted in the taskset
	// document itself (the file is already scoped to one spec); stamped in
	// by the registry on read so cross-spec consumers like the Dispatcher,
	// which poll every spec's ready tasks in one pass, can still tell which
	// taskset a given task belongs to.
	SpecName string `json:"-"`

	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	Dependencies       []string  `json:"dependencies,omitempty"`
	RequiredSkill      string    `json:"required_skill"`
	Priority           int       `json:"priority"`
	State              TaskState `json:"state"`

	// Assignment metadata, set only while RUNNING.
	RunnerID   string `json:"runner_id,omitempty"`
	SlotID     string `json:"slot_id,omitempty"`
	PoolName   string `json:"pool_name,omitempty"`
	BranchName string `json:"branch_name,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDependency reports whether id appears in the task's dependency list.
func (t *Task) HasDependency(id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// ClearAssignment wipes RUNNING-only assignment metadata (called on DONE/FAILED/READY).
func (t *Task) ClearAssignment() {
	t.RunnerID = ""
	t.SlotID = ""
	t.PoolName = ""
	t.BranchName = ""
}

// Taskset is the named, versioned collection of tasks for one spec.
type Taskset struct {
	SpecName string `json:"spec_name"`
	Version  int    `json:"version"`
	Tasks    []Task `json:"tasks"`
}

// TaskByID returns a pointer to the task with the given id, or nil.
func (ts *Taskset) TaskByID(id string) *Task {
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == id {
			return &ts.Tasks[i]
		}
	}
	return nil
}

// EventType enumerates the TaskEvent wire-stable event types (spec §4.1, §6).
type EventType string

const (
	EventTaskCreated    EventType = "TaskCreated"
	EventTaskReady      EventType = "TaskReady"
	EventTaskAssigned   EventType = "TaskAssigned"
	EventRunnerStarted  EventType = "RunnerStarted"
	EventRunnerFinished EventType = "RunnerFinished"
	EventTaskCompleted  EventType = "TaskCompleted"
	EventTaskFailed     EventType = "TaskFailed"
	EventTaskUpdated    EventType = "TaskUpdated"
	EventTaskReopened   EventType = "TaskReopened"
	// EventDispatcherShutdown marks a task force-terminated past the
	// graceful shutdown deadline (spec §4.3 "a shutdown event is emitted").
	// The journal is per-spec, so this is recorded once per affected task
	// rather than once globally.
	EventDispatcherShutdown EventType = "DispatcherShutdown"
)

// TaskEvent is an immutable, append-only journal record.
type TaskEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	SpecName  string            `json:"spec_name"`
	TaskID    string            `json:"task_id"`
	EventType EventType         `json:"event_type"`
	Details   map[string]string `json:"details,omitempty"`
}

// ArtifactType enumerates the artifact kinds a task may hold.
type ArtifactType string

const (
	ArtifactDiff       ArtifactType = "DIFF"
	ArtifactLog        ArtifactType = "LOG"
	ArtifactTestResult ArtifactType = "TEST_RESULT"
)

// Artifact references a piece of task output owned by the external artifact store.
type Artifact struct {
	Type      ArtifactType      `json:"type"`
	URI       string            `json:"uri"`
	SizeBytes int64             `json:"size_bytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SlotState is the allocation state of a workspace slot.
type SlotState string

const (
	SlotAvailable SlotState = "AVAILABLE"
	SlotAllocated SlotState = "ALLOCATED"
	SlotError     SlotState = "ERROR"
)

// Slot is one allocatable worktree-backed workspace.
type Slot struct {
	ID              string    `json:"id"`
	Path            string    `json:"path"`
	State           SlotState `json:"state"`
	CurrentBranch   string    `json:"current_branch"`
	AllocatedTo     string    `json:"allocated_to,omitempty"`
	AllocatedAt     time.Time `json:"allocated_at,omitempty"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	TotalAllocations int      `json:"total_allocations"`
}

// Pool is a collection of worktree slots backed by one Git repository.
type Pool struct {
	Name      string  `json:"name"`
	RepoURL   string  `json:"repo_url"`
	NumSlots  int     `json:"num_slots"`
	BasePath  string  `json:"base_path"`
	Slots     []Slot  `json:"slots"`
}

// SlotByID returns a pointer to the slot with the given id, or nil.
func (p *Pool) SlotByID(id string) *Slot {
	for i := range p.Slots {
		if p.Slots[i].ID == id {
			return &p.Slots[i]
		}
	}
	return nil
}

// RunnerState is the lifecycle state of an in-flight execution.
type RunnerState string

const (
	RunnerRunning   RunnerState = "RUNNING"
	RunnerCompleted RunnerState = "COMPLETED"
	RunnerFailed    RunnerState = "FAILED"
)

// Runner is an in-flight execution of one task on one slot.
type Runner struct {
	ID            string      `json:"id"`
	SpecName      string      `json:"spec_name"`
	TaskID        string      `json:"task_id"`
	SlotID        string      `json:"slot_id"`
	PoolName      string      `json:"pool_name"`
	State         RunnerState `json:"state"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`

	// Handle is launch-mode specific: OS pid, container id, or Job name.
	Handle string `json:"handle,omitempty"`
}

// AgentPoolType is the dispatcher-side execution environment kind.
type AgentPoolType string

const (
	AgentPoolLocalProcess AgentPoolType = "LOCAL_PROCESS"
	AgentPoolDocker       AgentPoolType = "DOCKER"
	AgentPoolKubernetes   AgentPoolType = "KUBERNETES"
)

// AgentPool is a named execution environment runners are launched into.
type AgentPool struct {
	Name           string        `json:"name"`
	Type           AgentPoolType `json:"type"`
	MaxConcurrency int           `json:"max_concurrency"`
	CPUQuota       float64       `json:"cpu_quota,omitempty"`
	MemoryQuotaMB  int64         `json:"memory_quota_mb,omitempty"`
	Enabled        bool          `json:"enabled"`

	// CurrentRunning is mutated only under the AgentPoolManager's mutex.
	CurrentRunning int `json:"-"`
}

// RetryRecord tracks per-task retry accounting for the Dispatcher's RetryManager.
type RetryRecord struct {
	TaskID           string    `json:"task_id"`
	AttemptCount     int       `json:"attempt_count"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastFailureReason string   `json:"last_failure_reason"`
	NextEligibleTime time.Time `json:"next_eligible_time"`
}

// FileChange is one file mutation returned by the code-generation service.
type FileChangeOp string

const (
	FileCreate FileChangeOp = "create"
	FileUpdate FileChangeOp = "update"
	FileDelete FileChangeOp = "delete"
)

// FileChange describes one change the code-generation service wants applied
// to a runner's workspace.
type FileChange struct {
	FilePath  string       `json:"file_path"`
	Operation FileChangeOp `json:"operation"`
	Content   string       `json:"content,omitempty"`
}

// TestResult is the parsed outcome of a task's test run.
type TestResult struct {
	Total             int      `json:"total"`
	Passed            int      `json:"passed"`
	Failed            int      `json:"failed"`
	Skipped           int      `json:"skipped"`
	FailedTestDetails []string `json:"failed_test_details,omitempty"`
}
