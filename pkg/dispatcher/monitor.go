package dispatcher

import (
	"sync"
	"time"

	"github.com/necrocode/engine/pkg/types"
	"github.com/rs/zerolog"
)

// RunnerMonitor tracks in-flight runners and detects heartbeat timeouts
// (spec §4.3 "RunnerMonitor"). Grounded on the teacher's
// pkg/reconciler/reconciler.go reconcileNodes: a ticked sweep comparing
// now - LastHeartbeat against a fixed timeout and transitioning state on
// overrun, generalized from cluster nodes to task runners.
type RunnerMonitor struct {
	mu      sync.Mutex
	runners map[string]*types.Runner
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRunnerMonitor returns a RunnerMonitor that considers a runner dead
// once timeout has elapsed since its last heartbeat.
func NewRunnerMonitor(timeout time.Duration, logger zerolog.Logger) *RunnerMonitor {
	return &RunnerMonitor{
		runners: make(map[string]*types.Runner),
		timeout: timeout,
		logger:  logger.With().Str("component", "runner_monitor").Logger(),
	}
}

// Register begins tracking a newly launched runner.
func (m *RunnerMonitor) Register(r types.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.State = types.RunnerRunning
	r.LastHeartbeat = time.Now()
	m.runners[r.ID] = &r
}

// Heartbeat refreshes runnerID's last-seen time. Returns false if the
// runner is not tracked (already finished or never registered).
func (m *RunnerMonitor) Heartbeat(runnerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return false
	}
	r.LastHeartbeat = time.Now()
	return true
}

// Unregister stops tracking a runner that finished (successfully or not)
// through the normal completion path.
func (m *RunnerMonitor) Unregister(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, runnerID)
}

// Get returns a copy of the tracked runner, if any.
func (m *RunnerMonitor) Get(runnerID string) (types.Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[runnerID]
	if !ok {
		return types.Runner{}, false
	}
	return *r, true
}

// Active returns every currently tracked runner.
func (m *RunnerMonitor) Active() []types.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Runner, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, *r)
	}
	return out
}

// Tick sweeps tracked runners for heartbeat timeouts, marks them FAILED,
// stops tracking them, and returns the ones that timed out so the caller
// can fail the task, release the slot, and emit RunnerFinished/TaskFailed
// (spec §4.3 step 4 "RunnerMonitor... detects timeouts").
func (m *RunnerMonitor) Tick() []types.Runner {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var timedOut []types.Runner
	for id, r := range m.runners {
		if now.Sub(r.LastHeartbeat) <= m.timeout {
			continue
		}
		m.logger.Warn().
			Str("runner_id", id).
			Str("task_id", r.TaskID).
			Dur("no_heartbeat_duration", now.Sub(r.LastHeartbeat)).
			Msg("runner heartbeat timed out")
		r.State = types.RunnerFailed
		timedOut = append(timedOut, *r)
		delete(m.runners, id)
	}
	return timedOut
}
