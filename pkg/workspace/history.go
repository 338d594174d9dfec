package workspace

import (
	"sync"
	"time"
)

// OperationType enumerates the Workspace Pool operations tracked in a
// pool's bounded history (spec §4.2 "Metrics... Bounded history (last 1000
// operations per pool)").
type OperationType string

const (
	OpAllocate OperationType = "allocate"
	OpRelease  OperationType = "release"
	OpCleanup  OperationType = "cleanup"
)

// OperationRecord is one retained entry in a pool's operation history.
type OperationRecord struct {
	Type      OperationType
	SlotID    string
	Success   bool
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

const operationHistoryCapacity = 1000

// operationHistory is a fixed-capacity ring buffer of the most recent
// operations for one pool. Grounded on the teacher's mutex-guarded
// collection idiom also used by pkg/dispatcher's TaskQueue; unlike the
// Prometheus counters in pkg/metrics (cumulative, never reset), this
// retains the individual recent records themselves so an operator can
// inspect what actually happened, not just how many times.
type operationHistory struct {
	mu      sync.Mutex
	records []OperationRecord
}

func newOperationHistory() *operationHistory {
	return &operationHistory{records: make([]OperationRecord, 0, operationHistoryCapacity)}
}

func (h *operationHistory) record(rec OperationRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if over := len(h.records) - operationHistoryCapacity; over > 0 {
		h.records = h.records[over:]
	}
}

func (h *operationHistory) snapshot() []OperationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]OperationRecord, len(h.records))
	copy(out, h.records)
	return out
}

// historyFor returns poolName's operation history, creating it on first use.
func (m *Manager) historyFor(poolName string) *operationHistory {
	m.historiesMu.Lock()
	defer m.historiesMu.Unlock()
	h, ok := m.histories[poolName]
	if !ok {
		h = newOperationHistory()
		m.histories[poolName] = h
	}
	return h
}

func (m *Manager) recordOp(poolName string, rec OperationRecord) {
	rec.Timestamp = m.clockNow()
	m.historyFor(poolName).record(rec)
}

// PoolOperationHistory returns poolName's most recent operations, oldest
// first, capped at the last 1000 (spec §4.2).
func (m *Manager) PoolOperationHistory(poolName string) []OperationRecord {
	return m.historyFor(poolName).snapshot()
}
