package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/necrocode/engine/pkg/filelock"
	"github.com/necrocode/engine/pkg/log"
	"github.com/necrocode/engine/pkg/types"
)

// Manager owns Pools and Slots on disk, per spec §6:
//
//	<pool_base>/<pool_name>/.main_repo/
//	<pool_base>/<pool_name>/worktrees/<slot-N>/
//	<pool_base>/<pool_name>/pool.json
//	<pool_base>/<pool_name>/locks/<slot-N>.lock
type Manager struct {
	basePath              string
	allocationLockTimeout time.Duration
	cleanupTimeout        time.Duration

	cleanup *cleanupPool

	historiesMu sync.Mutex
	histories   map[string]*operationHistory
}

// Config configures a workspace Manager (spec §6 "Workspace Pool").
type Config struct {
	BasePath                 string
	CleanupTimeout           time.Duration
	AllocationLockTimeout    time.Duration
	BackgroundCleanupWorkers int
}

// NewManager constructs a workspace pool Manager.
func NewManager(cfg Config) *Manager {
	if cfg.CleanupTimeout == 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.AllocationLockTimeout == 0 {
		cfg.AllocationLockTimeout = 10 * time.Second
	}
	if cfg.BackgroundCleanupWorkers == 0 {
		cfg.BackgroundCleanupWorkers = 2
	}
	m := &Manager{
		basePath:              cfg.BasePath,
		allocationLockTimeout: cfg.AllocationLockTimeout,
		cleanupTimeout:        cfg.CleanupTimeout,
		histories:             make(map[string]*operationHistory),
	}
	m.cleanup = newCleanupPool(cfg.BackgroundCleanupWorkers)
	return m
}

// Start starts the background cleanup worker pool.
func (m *Manager) Start() { m.cleanup.start() }

// Stop stops the background cleanup worker pool.
func (m *Manager) Stop() { m.cleanup.stop() }

func (m *Manager) poolDir(name string) string     { return filepath.Join(m.basePath, name) }
func (m *Manager) mainRepoDir(name string) string { return filepath.Join(m.poolDir(name), ".main_repo") }
func (m *Manager) worktreeDir(name, slotID string) string {
	return filepath.Join(m.poolDir(name), "worktrees", slotID)
}
func (m *Manager) poolJSONPath(name string) string { return filepath.Join(m.poolDir(name), "pool.json") }
func (m *Manager) slotLockPath(name, slotID string) string {
	return filepath.Join(m.poolDir(name), "locks", slotID+".lock")
}
func (m *Manager) metaLockPath(name string) string {
	return filepath.Join(m.poolDir(name), "locks", "pool.lock")
}
func (m *Manager) holdingBranch(poolName, slotID string) string {
	return fmt.Sprintf("worktree/%s/%s", poolName, slotID)
}

func (m *Manager) readPool(name string) (*types.Pool, error) {
	data, err := os.ReadFile(m.poolJSONPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workspace: read pool %s: %w", name, err)
	}
	var p types.Pool
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("workspace: decode pool %s: %w", name, err)
	}
	return &p, nil
}

func (m *Manager) writePool(p *types.Pool) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: encode pool %s: %w", p.Name, err)
	}
	tmp := m.poolJSONPath(p.Name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("workspace: write pool %s: %w", p.Name, err)
	}
	return os.Rename(tmp, m.poolJSONPath(p.Name))
}

func (m *Manager) withPoolMetaLock(name string, fn func() error) error {
	return filelock.WithLock(m.metaLockPath(name), m.allocationLockTimeout, fn)
}

// CreatePool clones repoURL once and creates numSlots worktrees, each on a
// pool-owned holding branch (spec §4.2 "create_pool").
func (m *Manager) CreatePool(ctx context.Context, name, repoURL string, numSlots int) (*types.Pool, error) {
	if _, err := m.readPool(name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, name)
	}

	if err := os.MkdirAll(m.poolDir(name), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create pool dir: %w", err)
	}

	if err := cloneMain(ctx, repoURL, m.mainRepoDir(name)); err != nil {
		return nil, fmt.Errorf("workspace: clone %s: %w", repoURL, err)
	}

	p := &types.Pool{Name: name, RepoURL: repoURL, NumSlots: numSlots, BasePath: m.poolDir(name)}

	for i := 0; i < numSlots; i++ {
		slotID := fmt.Sprintf("%s-slot-%d", name, i)
		branch := m.holdingBranch(name, slotID)
		wtPath := m.worktreeDir(name, slotID)

		if err := addWorktree(ctx, m.mainRepoDir(name), wtPath, branch); err != nil {
			return nil, fmt.Errorf("workspace: create worktree %s: %w", slotID, err)
		}

		p.Slots = append(p.Slots, types.Slot{
			ID:            slotID,
			Path:          wtPath,
			State:         types.SlotAvailable,
			CurrentBranch: branch,
		})
	}

	if err := m.writePool(p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddSlot dynamically grows a pool by one worktree (spec §4.2).
func (m *Manager) AddSlot(ctx context.Context, poolName string) (*types.Slot, error) {
	var created types.Slot
	err := m.withPoolMetaLock(poolName, func() error {
		p, err := m.readPool(poolName)
		if err != nil {
			return err
		}

		slotID := fmt.Sprintf("%s-slot-%d", poolName, len(p.Slots))
		branch := m.holdingBranch(poolName, slotID)
		wtPath := m.worktreeDir(poolName, slotID)

		if err := addWorktree(ctx, m.mainRepoDir(poolName), wtPath, branch); err != nil {
			return fmt.Errorf("workspace: add slot %s: %w", slotID, err)
		}

		created = types.Slot{ID: slotID, Path: wtPath, State: types.SlotAvailable, CurrentBranch: branch}
		p.Slots = append(p.Slots, created)
		p.NumSlots = len(p.Slots)
		return m.writePool(p)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// RemoveSlot dynamically shrinks a pool by one worktree. Fails if the slot
// is ALLOCATED unless force is set (spec §4.2).
func (m *Manager) RemoveSlot(ctx context.Context, poolName, slotID string, force bool) error {
	return m.withPoolMetaLock(poolName, func() error {
		p, err := m.readPool(poolName)
		if err != nil {
			return err
		}
		slot := p.SlotByID(slotID)
		if slot == nil {
			return fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
		}
		if slot.State == types.SlotAllocated && !force {
			return fmt.Errorf("%w: %s", ErrSlotAllocated, slotID)
		}

		if err := removeWorktree(ctx, m.mainRepoDir(poolName), slot.Path, force); err != nil {
			log.WithPoolName(poolName).Warn().Err(err).Str("slot_id", slotID).
				Msg("git worktree remove failed, removing from roster anyway")
		}

		var remaining []types.Slot
		for _, s := range p.Slots {
			if s.ID != slotID {
				remaining = append(remaining, s)
			}
		}
		p.Slots = remaining
		p.NumSlots = len(p.Slots)
		return m.writePool(p)
	})
}

// GetSlotStatus returns a slot's recorded state plus live git HEAD info.
func (m *Manager) GetSlotStatus(ctx context.Context, poolName, slotID string) (types.Slot, string, string, error) {
	p, err := m.readPool(poolName)
	if err != nil {
		return types.Slot{}, "", "", err
	}
	slot := p.SlotByID(slotID)
	if slot == nil {
		return types.Slot{}, "", "", fmt.Errorf("%w: slot %s", ErrNotFound, slotID)
	}
	branch, sha, err := headInfo(ctx, slot.Path)
	if err != nil {
		return *slot, "", "", err
	}
	return *slot, branch, sha, nil
}
