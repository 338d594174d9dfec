package dispatcher

import (
	"math"
	"sync"
	"time"

	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// RetryManager tracks per-task failure counts and computes eligibility for
// another attempt (spec §4.3 "RetryManager"). Backoff:
// min(initial_delay * base^(attempt-1), max_delay).
type RetryManager struct {
	mu           sync.Mutex
	records      map[string]*types.RetryRecord
	maxAttempts  int
	backoffBase  float64
	initialDelay time.Duration
	maxDelay     time.Duration
	nowFn        func() time.Time
}

// RetryConfig configures a RetryManager (spec §6 "Dispatcher:
// {retry_max_attempts, retry_backoff_base, retry_initial_delay, retry_max_delay}").
type RetryConfig struct {
	MaxAttempts  int
	BackoffBase  float64
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// NewRetryManager returns a RetryManager, defaulting unset fields to
// spec.md's documented defaults (base=2, initial=1s, max=300s, attempts=3).
func NewRetryManager(cfg RetryConfig) *RetryManager {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 2
	}
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 300 * time.Second
	}
	return &RetryManager{
		records:      make(map[string]*types.RetryRecord),
		maxAttempts:  cfg.MaxAttempts,
		backoffBase:  cfg.BackoffBase,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
		nowFn:        time.Now,
	}
}

// RecordFailure increments taskID's attempt count, sets the next eligible
// retry time via exponential backoff, and returns the updated record.
func (m *RetryManager) RecordFailure(specName, taskID, reason string) types.RetryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[taskID]
	if !ok {
		rec = &types.RetryRecord{TaskID: taskID}
		m.records[taskID] = rec
	}
	rec.AttemptCount++
	rec.LastFailureTime = m.nowFn()
	rec.LastFailureReason = reason

	delay := time.Duration(float64(m.initialDelay) * math.Pow(m.backoffBase, float64(rec.AttemptCount-1)))
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	rec.NextEligibleTime = rec.LastFailureTime.Add(delay)

	metrics.TaskRetriesTotal.WithLabelValues(specName).Inc()
	return *rec
}

// ShouldRetry reports whether taskID has attempts remaining under
// max_attempts. This governs the retry-vs-FAILED decision at the moment a
// failure is recorded; it does not consider next_eligible_time, since
// RecordFailure just set that to now+delay and checking it here would
// reject every retry on the spot. Timing is IsEligible's job, checked
// later at actual (re-)dispatch time.
func (m *RetryManager) ShouldRetry(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return true // never failed: always eligible
	}
	return rec.AttemptCount < m.maxAttempts
}

// IsEligible reports whether taskID's backoff window has elapsed, i.e.
// now >= next_eligible_time. Callers gate actual (re-)dispatch on this at
// assignment time, not at RecordFailure time.
func (m *RetryManager) IsEligible(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[taskID]
	if !ok {
		return true
	}
	return !m.nowFn().Before(rec.NextEligibleTime)
}

// Clear removes taskID's retry record on successful completion.
func (m *RetryManager) Clear(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, taskID)
}

// AttemptCount returns taskID's current attempt count, or 0 if it has
// never failed.
func (m *RetryManager) AttemptCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[taskID]; ok {
		return rec.AttemptCount
	}
	return 0
}
