package dispatcher

import (
	"fmt"
	"sort"
	"sync"

	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// AgentPoolManager owns the agent pool roster and per-pool running
// counters, enforcing per-pool and resource-quota caps (spec §4.3
// "AgentPoolManager"). Grounded on the teacher's pattern of a
// mutex-guarded map of named resources with atomic counter mutation
// (pkg/manager's node/service maps).
type AgentPoolManager struct {
	mu    sync.Mutex
	pools map[string]*types.AgentPool
	order []string // registration order, for FIFO/PRIORITY candidate iteration
}

// NewAgentPoolManager returns a manager seeded with pools.
func NewAgentPoolManager(pools []types.AgentPool) *AgentPoolManager {
	m := &AgentPoolManager{pools: make(map[string]*types.AgentPool)}
	for i := range pools {
		p := pools[i]
		m.pools[p.Name] = &p
		m.order = append(m.order, p.Name)
	}
	return m
}

// EnabledPoolsInOrder returns every enabled pool in registration order.
func (m *AgentPoolManager) EnabledPoolsInOrder() []*types.AgentPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.AgentPool
	for _, name := range m.order {
		if p := m.pools[name]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// CanAccept reports whether poolName is enabled, under its concurrency cap,
// and (trivially, since resource quotas are enforced at launch time by the
// launcher) has room to accept one more task.
func (m *AgentPoolManager) CanAccept(poolName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok || !p.Enabled {
		return false
	}
	return p.CurrentRunning < p.MaxConcurrency
}

// Utilization returns running/max_concurrency for poolName, used by the
// FAIR_SHARE policy and the MetricsCollector.
func (m *AgentPoolManager) Utilization(poolName string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok || p.MaxConcurrency == 0 {
		return 1
	}
	return float64(p.CurrentRunning) / float64(p.MaxConcurrency)
}

// Increment bumps poolName's running counter, updating the gauge under the
// same lock as the counter mutation (spec §5 "counters and truth never
// diverge under concurrent completion").
func (m *AgentPoolManager) Increment(poolName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPool, poolName)
	}
	p.CurrentRunning++
	metrics.PoolRunningTotal.WithLabelValues(poolName).Set(float64(p.CurrentRunning))
	metrics.PoolUtilization.WithLabelValues(poolName).Set(float64(p.CurrentRunning) / float64(p.MaxConcurrency))
	return nil
}

// Decrement reduces poolName's running counter, floored at zero.
func (m *AgentPoolManager) Decrement(poolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok {
		return
	}
	if p.CurrentRunning > 0 {
		p.CurrentRunning--
	}
	metrics.PoolRunningTotal.WithLabelValues(poolName).Set(float64(p.CurrentRunning))
	if p.MaxConcurrency > 0 {
		metrics.PoolUtilization.WithLabelValues(poolName).Set(float64(p.CurrentRunning) / float64(p.MaxConcurrency))
	}
}

// Get returns a copy of the named pool's current state.
func (m *AgentPoolManager) Get(poolName string) (types.AgentPool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[poolName]
	if !ok {
		return types.AgentPool{}, false
	}
	return *p, true
}

// SortByUtilizationAsc returns pool names sorted by ascending utilization,
// for the FAIR_SHARE policy.
func (m *AgentPoolManager) SortByUtilizationAsc(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool {
		return m.Utilization(sorted[i]) < m.Utilization(sorted[j])
	})
	return sorted
}
