package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures a Dispatcher (spec §6 "Dispatcher: {poll_interval,
// scheduling_policy, max_global_concurrency, retry_max_attempts,
// retry_backoff_base, retry_initial_delay, retry_max_delay,
// heartbeat_timeout, graceful_shutdown_timeout,
// deadlock_detection_interval}").
type Config struct {
	PollInterval             time.Duration
	MaxGlobalConcurrency     int
	HeartbeatTimeout         time.Duration
	GracefulShutdownTimeout  time.Duration
	DeadlockDetectionTicks   int // run DeadlockDetector every N main-loop ticks
	SkillMapping             map[string][]string
	Pools                    []types.AgentPool
	Retry                    RetryConfig
}

// RegistryClient is the subset of *registry.Registry the Dispatcher needs.
// Declared locally so this package tests against fakes.
type RegistryClient interface {
	ListSpecs() ([]string, error)
	GetReadyTasks(specName, skill string) ([]types.Task, error)
	GetTaskset(specName string) (*types.Taskset, error)
	UpdateTaskState(specName, taskID string, newState types.TaskState, meta map[string]string) error
	RecordEvent(ev types.TaskEvent)
}

// WorkspaceClient is the subset of *workspace.Manager the Dispatcher needs.
type WorkspaceClient interface {
	AllocateSlot(ctx context.Context, poolName, owner string) (*types.Slot, error)
	ReleaseSlot(ctx context.Context, poolName, slotID, owner string, background bool) error
}

// PoolBinding maps a task's assigned dispatcher-side agent pool name to the
// workspace pool it shares a name with, and the launch parameters (image,
// command) specific to that agent pool.
type PoolBinding struct {
	Image   string
	Command []string
	// Env carries launch parameters specific to this pool (e.g. codegen
	// service endpoint/credentials, dispatcher callback address) that
	// every runner launched into this pool needs regardless of task.
	Env map[string]string
}

// Dispatcher is the main supervisory loop: poll, enqueue, assign, monitor,
// detect deadlocks, sleep (spec §4.3 "Main loop"). Grounded on the
// teacher's pkg/scheduler/scheduler.go Start/run/stopCh/ticker shape,
// generalized from a single 5-second schedule() pass to the five-step
// sequence spec §4.3 documents.
type Dispatcher struct {
	cfg Config

	registry  RegistryClient
	workspace WorkspaceClient
	launchers map[types.AgentPoolType]RunnerLauncher
	bindings  map[string]PoolBinding // agent pool name -> launch parameters

	queue     *TaskQueue
	pools     *AgentPoolManager
	scheduler *Scheduler
	monitor   *RunnerMonitor
	retry     *RetryManager
	deadlock  *DeadlockDetector
	metrics   *MetricsCollector

	mu             sync.Mutex
	globalRunning  int
	runnerTaskMeta map[string]runnerMeta // runner_id -> task/pool bookkeeping

	logger zerolog.Logger

	tickCount int
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	started   atomic.Bool
}

type runnerMeta struct {
	SpecName string
	TaskID   string
	SlotID   string
	PoolName string
	Launcher RunnerLauncher
	Handle   string
}

// New constructs a Dispatcher.
func New(cfg Config, reg RegistryClient, ws WorkspaceClient, launchers map[types.AgentPoolType]RunnerLauncher, bindings map[string]PoolBinding) (*Dispatcher, error) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 60 * time.Second
	}
	if cfg.DeadlockDetectionTicks == 0 {
		cfg.DeadlockDetectionTicks = 60
	}
	if cfg.SkillMapping == nil || len(cfg.SkillMapping["default"]) == 0 {
		return nil, fmt.Errorf("dispatcher: skill mapping requires a non-empty \"default\" entry")
	}

	logger := log.WithComponent("dispatcher")
	pools := NewAgentPoolManager(cfg.Pools)
	queue := NewTaskQueue()

	d := &Dispatcher{
		cfg:            cfg,
		registry:       reg,
		workspace:      ws,
		launchers:      launchers,
		bindings:       bindings,
		queue:          queue,
		pools:          pools,
		scheduler:      NewScheduler(PolicySkillBased, cfg.SkillMapping, pools),
		monitor:        NewRunnerMonitor(cfg.HeartbeatTimeout, logger),
		retry:          NewRetryManager(cfg.Retry),
		deadlock:       NewDeadlockDetector(logger),
		metrics:        NewMetricsCollector(queue, 0),
		runnerTaskMeta: make(map[string]runnerMeta),
		logger:         logger,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	return d, nil
}

// SetPolicy changes the active scheduling policy (spec §4.3 "Dynamic
// control").
func (d *Dispatcher) SetPolicy(p Policy) { d.scheduler.SetPolicy(p) }

// Start begins the main loop and the metrics sampling loop on background
// goroutines.
func (d *Dispatcher) Start() {
	d.started.Store(true)
	d.metrics.Start()
	go d.run()
}

// Stop requests a graceful shutdown and blocks until the loop exits or
// cfg.GracefulShutdownTimeout elapses, after which any still-running
// runners are force-terminated (spec §7 "Shutdown timeout"). Stop on a
// Dispatcher whose Start was never called is a no-op: there is no run()
// goroutine to wait on and nothing was ever dispatched.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if !d.started.Load() {
		return
	}
	select {
	case <-d.doneCh:
	case <-time.After(d.cfg.GracefulShutdownTimeout):
		d.forceTerminateAll()
	}
	d.metrics.Stop()
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info().Msg("dispatcher started")

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			d.logger.Info().Msg("dispatcher shutting down")
			return
		}
	}
}

// tick runs one pass of the five-step main loop (spec §4.3).
func (d *Dispatcher) tick() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("recovered from panic in dispatcher tick; loop continues")
		}
	}()

	d.pollAndEnqueue()
	d.assignUntilCapped()
	d.tickMonitor()

	d.tickCount++
	if d.tickCount%d.cfg.DeadlockDetectionTicks == 0 {
		d.tickDeadlockDetector()
	}

	metrics.QueueSize.Set(float64(d.queue.Len()))
}

// pollAndEnqueue implements step 1: poll every spec for READY tasks and
// enqueue ones not already queued.
func (d *Dispatcher) pollAndEnqueue() {
	specs, err := d.registry.ListSpecs()
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list specs")
		return
	}
	for _, spec := range specs {
		ready, err := d.registry.GetReadyTasks(spec, "")
		if err != nil {
			d.logger.Error().Err(err).Str("spec_name", spec).Msg("failed to list ready tasks")
			continue
		}
		for _, t := range ready {
			if d.queue.Enqueue(t) {
				d.registry.RecordEvent(types.TaskEvent{
					SpecName:  spec,
					TaskID:    t.ID,
					EventType: types.EventTaskReady,
				})
			}
		}
	}
}

// assignUntilCapped implements step 2: while the queue is non-empty and
// under the global cap, select a pool, allocate a slot, launch a runner.
// Tasks back in the queue after a retry-eligible failure are skipped until
// their backoff window elapses (RetryManager.IsEligible), then restored to
// the queue at tick end so their priority/created_at ordering survives.
func (d *Dispatcher) assignUntilCapped() {
	var notYetEligible []types.Task
	defer func() {
		for _, t := range notYetEligible {
			d.queue.Requeue(t)
		}
	}()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		if d.queue.Len() == 0 || !d.underGlobalCap() {
			return
		}

		task, ok := d.queue.Peek()
		if !ok {
			return
		}

		if !d.retry.IsEligible(task.ID) {
			task, _ = d.queue.Dequeue()
			notYetEligible = append(notYetEligible, task)
			continue
		}

		poolName, err := d.scheduler.SelectPool(task)
		if err != nil {
			// No pool currently has capacity; stop this tick, retry next.
			return
		}

		task, _ = d.queue.Dequeue()
		d.assignTask(task, poolName)
	}
}

func (d *Dispatcher) underGlobalCap() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.globalRunning < d.cfg.MaxGlobalConcurrency
}

func (d *Dispatcher) assignTask(task types.Task, poolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slot, err := d.workspace.AllocateSlot(ctx, poolName, "dispatcher")
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Str("pool_name", poolName).
			Msg("slot allocation failed; re-enqueueing")
		d.queue.Requeue(task)
		return
	}

	pool, _ := d.pools.Get(poolName)
	launcher, ok := d.launchers[pool.Type]
	if !ok {
		d.logger.Error().Str("pool_name", poolName).Str("pool_type", string(pool.Type)).
			Msg("no launcher registered for pool type")
		_ = d.workspace.ReleaseSlot(ctx, poolName, slot.ID, "dispatcher", true)
		d.queue.Requeue(task)
		return
	}

	binding := d.bindings[poolName]
	runnerID := SanitizeRunnerID(fmt.Sprintf("%s-%s", task.ID, uuid.NewString()[:8]))

	// The launched process/container/pod bootstraps entirely from these five
	// values: it re-reads the task's full definition (title, description,
	// acceptance criteria, required_skill) from the shared Task Registry
	// rather than threading every field through the environment.
	env := map[string]string{
		"NECROCODE_SPEC_NAME":   task.SpecName,
		"NECROCODE_TASK_ID":     task.ID,
		"NECROCODE_RUNNER_ID":   runnerID,
		"NECROCODE_SLOT_PATH":   slot.Path,
		"NECROCODE_BRANCH_NAME": slot.CurrentBranch,
	}
	for k, v := range binding.Env {
		env[k] = v
	}

	handle, err := launcher.Launch(ctx, LaunchRequest{
		RunnerID:      runnerID,
		SpecName:      task.SpecName,
		TaskID:        task.ID,
		SlotPath:      slot.Path,
		BranchName:    slot.CurrentBranch,
		Env:           env,
		Image:         binding.Image,
		Command:       binding.Command,
		MemoryQuotaMB: pool.MemoryQuotaMB,
		CPUQuota:      pool.CPUQuota,
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("runner launch failed")
		_ = d.workspace.ReleaseSlot(ctx, poolName, slot.ID, "dispatcher", true)
		d.failOrRetry(task, poolName, "launch failed: "+err.Error())
		return
	}

	d.mu.Lock()
	d.globalRunning++
	d.runnerTaskMeta[runnerID] = runnerMeta{
		SpecName: task.SpecName, TaskID: task.ID, SlotID: slot.ID, PoolName: poolName,
		Launcher: launcher, Handle: handle,
	}
	d.mu.Unlock()

	_ = d.pools.Increment(poolName)
	metrics.GlobalRunningTotal.Set(float64(d.globalRunning))
	metrics.RunnerLaunchesTotal.WithLabelValues(poolName, "success").Inc()

	d.monitor.Register(types.Runner{
		ID: runnerID, SpecName: task.SpecName, TaskID: task.ID,
		SlotID: slot.ID, PoolName: poolName, Handle: handle,
	})

	if err := d.registry.UpdateTaskState(task.SpecName, task.ID, types.TaskStateRunning, map[string]string{
		"runner_id": runnerID, "slot_id": slot.ID, "pool_name": poolName, "branch_name": slot.CurrentBranch,
	}); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to record RUNNING transition")
	}
	d.registry.RecordEvent(types.TaskEvent{SpecName: task.SpecName, TaskID: task.ID, EventType: types.EventTaskAssigned,
		Details: map[string]string{"pool_name": poolName, "slot_id": slot.ID}})
	d.registry.RecordEvent(types.TaskEvent{SpecName: task.SpecName, TaskID: task.ID, EventType: types.EventRunnerStarted,
		Details: map[string]string{"runner_id": runnerID}})
}

func (d *Dispatcher) tickMonitor() {
	for _, r := range d.monitor.Tick() {
		metrics.RunnerTimeoutsTotal.WithLabelValues(r.PoolName).Inc()
		d.onRunnerFinished(r.ID, false, "heartbeat timeout")
	}
}

func (d *Dispatcher) tickDeadlockDetector() {
	specNames, err := d.registry.ListSpecs()
	if err != nil {
		return
	}
	var groups []SpecTasks
	for _, name := range specNames {
		ts, err := d.registry.GetTaskset(name)
		if err != nil {
			continue
		}
		groups = append(groups, SpecTasks{SpecName: name, Tasks: ts.Tasks})
	}
	d.deadlock.Tick(groups)
}

// ReportCompletion is the notification path of completion handling (spec
// §4.3 "Completion handling"): invoked by whatever observes a runner finish
// (a heartbeat RPC handler, a local in-process callback for LOCAL_PROCESS
// mode, or a Job/container exit watcher).
func (d *Dispatcher) ReportCompletion(runnerID string, success bool, failureReason string) {
	d.onRunnerFinished(runnerID, success, failureReason)
}

func (d *Dispatcher) onRunnerFinished(runnerID string, success bool, failureReason string) {
	d.mu.Lock()
	meta, ok := d.runnerTaskMeta[runnerID]
	if ok {
		delete(d.runnerTaskMeta, runnerID)
		d.globalRunning--
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	d.monitor.Unregister(runnerID)
	d.pools.Decrement(meta.PoolName)
	metrics.GlobalRunningTotal.Set(float64(d.globalRunning))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.workspace.ReleaseSlot(ctx, meta.PoolName, meta.SlotID, "dispatcher", true); err != nil {
		d.logger.Error().Err(err).Str("slot_id", meta.SlotID).Msg("failed to release slot after runner finished")
	}

	if success {
		d.retry.Clear(meta.TaskID)
		d.registry.RecordEvent(types.TaskEvent{SpecName: meta.SpecName, TaskID: meta.TaskID, EventType: types.EventRunnerFinished,
			Details: map[string]string{"runner_id": runnerID, "outcome": "success"}})
		metrics.RunnerLaunchesTotal.WithLabelValues(meta.PoolName, "completed").Inc()
		return
	}

	metrics.RunnerLaunchesTotal.WithLabelValues(meta.PoolName, "failed").Inc()
	d.registry.RecordEvent(types.TaskEvent{SpecName: meta.SpecName, TaskID: meta.TaskID, EventType: types.EventRunnerFinished,
		Details: map[string]string{"runner_id": runnerID, "outcome": "failure", "reason": failureReason}})

	d.failOrRetry(types.Task{ID: meta.TaskID, SpecName: meta.SpecName}, meta.PoolName, failureReason)
}

func (d *Dispatcher) failOrRetry(task types.Task, poolName, reason string) {
	specName := task.SpecName
	rec := d.retry.RecordFailure(specName, task.ID, reason)
	if d.retry.ShouldRetry(task.ID) {
		if err := d.registry.UpdateTaskState(specName, task.ID, types.TaskStateReady, map[string]string{
			"retry_count": fmt.Sprintf("%d", rec.AttemptCount),
		}); err != nil {
			d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to re-ready task for retry")
		}
		return
	}
	if err := d.registry.UpdateTaskState(specName, task.ID, types.TaskStateFailed, map[string]string{
		"failure_reason": reason, "retry_count": fmt.Sprintf("%d", rec.AttemptCount),
	}); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to mark task FAILED")
	}
}

// forceTerminateAll terminates every still-running runner after the
// graceful shutdown deadline elapses, releasing its slot and marking its
// task FAILED with a shutdown event (spec §4.3, §7 "Shutdown timeout":
// "allocated slots are released; a shutdown event is emitted").
func (d *Dispatcher) forceTerminateAll() {
	d.mu.Lock()
	metas := make([]runnerMeta, 0, len(d.runnerTaskMeta))
	for runnerID, m := range d.runnerTaskMeta {
		metas = append(metas, m)
		delete(d.runnerTaskMeta, runnerID)
	}
	d.globalRunning -= len(metas)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, m := range metas {
		d.logger.Warn().Str("task_id", m.TaskID).Msg("force-terminating runner past graceful shutdown deadline")
		if err := m.Launcher.Terminate(ctx, m.Handle); err != nil {
			d.logger.Error().Err(err).Str("task_id", m.TaskID).Msg("force terminate failed")
		}

		if err := d.workspace.ReleaseSlot(ctx, m.PoolName, m.SlotID, "dispatcher", true); err != nil {
			d.logger.Error().Err(err).Str("slot_id", m.SlotID).Msg("failed to release slot during shutdown")
		}

		failureReason := "shutdown timeout: runner force-terminated, may have produced partial commits"
		_ = d.registry.UpdateTaskState(m.SpecName, m.TaskID, types.TaskStateFailed, map[string]string{
			"failure_reason": failureReason,
		})
		d.registry.RecordEvent(types.TaskEvent{
			SpecName:  m.SpecName,
			TaskID:    m.TaskID,
			EventType: types.EventDispatcherShutdown,
			Details:   map[string]string{"runner_id": m.Handle, "reason": failureReason},
		})
	}
}
