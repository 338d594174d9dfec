package workspace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/necrocode/engine/pkg/filelock"
	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/metrics"
	"github.com/necrocode/engine/pkg/types"
)

// AllocateSlot selects the least-recently-used AVAILABLE slot in poolName,
// locks it, resets it to a clean state off its holding branch, and marks it
// ALLOCATED to owner (spec §4.2 "allocate_slot").
//
// Slot selection is grounded on pkg/reconciler/reconciler.go's
// mark-and-skip pattern: a cleanup failure quarantines the slot into ERROR
// and the allocator tries the next LRU candidate rather than failing the
// whole request.
func (m *Manager) AllocateSlot(ctx context.Context, poolName, owner string) (*types.Slot, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SlotAllocationLatency, poolName)

	for {
		var assigned types.Slot
		var noneLeft bool

		err := m.withPoolMetaLock(poolName, func() error {
			p, err := m.readPool(poolName)
			if err != nil {
				return err
			}

			candidates := availableSlots(p.Slots)
			if len(candidates) == 0 {
				noneLeft = true
				return nil
			}
			sort.Slice(candidates, func(i, j int) bool {
				return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
			})

			slot := p.SlotByID(candidates[0].ID)
			slot.State = types.SlotAllocated
			slot.AllocatedTo = owner
			slot.AllocatedAt = m.clockNow()
			slot.TotalAllocations++
			assigned = *slot
			return m.writePool(p)
		})
		if err != nil {
			return nil, err
		}
		if noneLeft {
			return nil, ErrNoSlotsAvailable
		}

		if err := m.cleanAndLock(ctx, poolName, &assigned); err != nil {
			log.WithPoolName(poolName).Warn().Err(err).Str("slot_id", assigned.ID).
				Msg("pre-allocation cleanup failed, quarantining slot")
			m.quarantine(poolName, assigned.ID, err)
			metrics.SlotErrorsTotal.WithLabelValues(poolName).Inc()
			m.recordOp(poolName, OperationRecord{Type: OpCleanup, SlotID: assigned.ID, Success: false, Reason: err.Error()})
			continue
		}

		metrics.SlotAllocationsTotal.WithLabelValues(poolName).Inc()
		m.recordOp(poolName, OperationRecord{Type: OpAllocate, SlotID: assigned.ID, Success: true, Duration: timer.Duration()})
		return &assigned, nil
	}
}

func (m *Manager) clockNow() time.Time { return time.Now() }

func availableSlots(slots []types.Slot) []types.Slot {
	var out []types.Slot
	for _, s := range slots {
		if s.State == types.SlotAvailable {
			out = append(out, s)
		}
	}
	return out
}

// cleanAndLock acquires the slot's advisory lockfile and resets its
// worktree to the holding branch (spec §4.2 "Cleanup contract").
func (m *Manager) cleanAndLock(ctx context.Context, poolName string, slot *types.Slot) error {
	lock, err := filelock.New(m.slotLockPath(poolName, slot.ID))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCleanupFailed, err)
	}
	if err := lock.TryLock(m.allocationLockTimeout); err != nil {
		return fmt.Errorf("%w: lock slot %s: %v", ErrCleanupFailed, slot.ID, err)
	}
	defer lock.Unlock()

	cleanCtx, cancel := context.WithTimeout(ctx, m.cleanupTimeout)
	defer cancel()

	if err := resetToHoldingBranch(cleanCtx, slot.Path, slot.CurrentBranch); err != nil {
		return fmt.Errorf("%w: %v", ErrCleanupFailed, err)
	}
	return nil
}

func (m *Manager) quarantine(poolName, slotID string, cause error) {
	_ = m.withPoolMetaLock(poolName, func() error {
		p, err := m.readPool(poolName)
		if err != nil {
			return err
		}
		slot := p.SlotByID(slotID)
		if slot == nil {
			return nil
		}
		slot.State = types.SlotError
		slot.AllocatedTo = ""
		return m.writePool(p)
	})
	log.WithPoolName(poolName).Error().Err(cause).Str("slot_id", slotID).Msg("slot quarantined")
}

// ReleaseSlot returns a slot to AVAILABLE. Post-release cleanup (reset plus
// an origin fetch so the next allocation sees fresh history) runs
// synchronously unless background is true, in which case it is handed to
// the bounded cleanup worker pool (spec §4.2 "release_slot").
func (m *Manager) ReleaseSlot(ctx context.Context, poolName, slotID, owner string, background bool) error {
	var slot types.Slot
	err := m.withPoolMetaLock(poolName, func() error {
		p, err := m.readPool(poolName)
		if err != nil {
			return err
		}
		s := p.SlotByID(slotID)
		if s == nil {
			return fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
		}
		if s.AllocatedTo != owner {
			return fmt.Errorf("%w: slot %s held by %q, not %q", ErrNotOwner, slotID, s.AllocatedTo, owner)
		}
		s.State = types.SlotAvailable
		s.AllocatedTo = ""
		s.LastUsedAt = m.clockNow()
		slot = *s
		return m.writePool(p)
	})
	if err != nil {
		return err
	}
	m.recordOp(poolName, OperationRecord{Type: OpRelease, SlotID: slot.ID, Success: true})

	release := func() {
		timer := metrics.NewTimer()

		lock, err := filelock.New(m.slotLockPath(poolName, slot.ID))
		if err != nil {
			m.quarantine(poolName, slot.ID, fmt.Errorf("%w: %v", ErrCleanupFailed, err))
			m.recordOp(poolName, OperationRecord{Type: OpCleanup, SlotID: slot.ID, Success: false, Reason: err.Error(), Duration: timer.Duration()})
			return
		}
		if err := lock.TryLock(m.allocationLockTimeout); err != nil {
			m.quarantine(poolName, slot.ID, fmt.Errorf("%w: post-release lock: %v", ErrCleanupFailed, err))
			m.recordOp(poolName, OperationRecord{Type: OpCleanup, SlotID: slot.ID, Success: false, Reason: err.Error(), Duration: timer.Duration()})
			return
		}
		defer lock.Unlock()

		cleanCtx, cancel := context.WithTimeout(context.Background(), m.cleanupTimeout)
		defer cancel()
		if err := resetToHoldingBranch(cleanCtx, slot.Path, slot.CurrentBranch); err != nil {
			m.quarantine(poolName, slot.ID, err)
			m.recordOp(poolName, OperationRecord{Type: OpCleanup, SlotID: slot.ID, Success: false, Reason: err.Error(), Duration: timer.Duration()})
			return
		}
		if err := fetchOrigin(cleanCtx, slot.Path); err != nil {
			log.WithPoolName(poolName).Warn().Err(err).Str("slot_id", slot.ID).Msg("post-release fetch failed")
		}
		m.recordOp(poolName, OperationRecord{Type: OpCleanup, SlotID: slot.ID, Success: true, Duration: timer.Duration()})
	}

	if background {
		m.cleanup.submit(release)
		return nil
	}
	release()
	return nil
}
