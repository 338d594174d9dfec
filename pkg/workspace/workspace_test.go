package workspace_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/workspace"
)

// newTestRepo creates a bare-ish local repository with one commit, so
// CreatePool can clone it without needing network access.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "origin")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@necrocode.local")
	run("config", "user.name", "necrocode-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "seed")

	return dir
}

func newTestManager(t *testing.T) *workspace.Manager {
	t.Helper()
	m := workspace.NewManager(workspace.Config{
		BasePath:                 filepath.Join(t.TempDir(), "pools"),
		CleanupTimeout:           5 * time.Second,
		AllocationLockTimeout:    2 * time.Second,
		BackgroundCleanupWorkers: 1,
	})
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestCreatePoolCreatesRequestedSlots(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	p, err := m.CreatePool(ctx, "demo", repo, 3)
	require.NoError(t, err)
	require.Len(t, p.Slots, 3)
	for _, s := range p.Slots {
		_, err := os.Stat(s.Path)
		require.NoError(t, err)
	}
}

func TestCreatePoolRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	_, err = m.CreatePool(ctx, "demo", repo, 1)
	require.ErrorIs(t, err, workspace.ErrPoolExists)
}

func TestAllocateAndReleaseSlotRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	slot, err := m.AllocateSlot(ctx, "demo", "runner-1")
	require.NoError(t, err)
	require.NotEmpty(t, slot.ID)

	_, err = m.AllocateSlot(ctx, "demo", "runner-2")
	require.ErrorIs(t, err, workspace.ErrNoSlotsAvailable)

	require.NoError(t, m.ReleaseSlot(ctx, "demo", slot.ID, "runner-1", false))

	slot2, err := m.AllocateSlot(ctx, "demo", "runner-2")
	require.NoError(t, err)
	require.Equal(t, slot.ID, slot2.ID)
}

func TestReleaseSlotRejectsWrongOwner(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	slot, err := m.AllocateSlot(ctx, "demo", "runner-1")
	require.NoError(t, err)

	err = m.ReleaseSlot(ctx, "demo", slot.ID, "runner-2", false)
	require.ErrorIs(t, err, workspace.ErrNotOwner)
}

func TestAddAndRemoveSlot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	newSlot, err := m.AddSlot(ctx, "demo")
	require.NoError(t, err)

	require.NoError(t, m.RemoveSlot(ctx, "demo", newSlot.ID, false))

	_, _, _, err = m.GetSlotStatus(ctx, "demo", newSlot.ID)
	require.ErrorIs(t, err, workspace.ErrNotFound)
}

func TestRemoveSlotRejectsAllocatedWithoutForce(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	slot, err := m.AllocateSlot(ctx, "demo", "runner-1")
	require.NoError(t, err)

	err = m.RemoveSlot(ctx, "demo", slot.ID, false)
	require.ErrorIs(t, err, workspace.ErrSlotAllocated)

	require.NoError(t, m.RemoveSlot(ctx, "demo", slot.ID, true))
}

func TestPoolOperationHistoryRecordsAllocateAndRelease(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	_, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	slot, err := m.AllocateSlot(ctx, "demo", "runner-1")
	require.NoError(t, err)
	require.NoError(t, m.ReleaseSlot(ctx, "demo", slot.ID, "runner-1", false))

	history := m.PoolOperationHistory("demo")
	require.Len(t, history, 3) // allocate, release, post-release cleanup

	assert.Equal(t, workspace.OpAllocate, history[0].Type)
	assert.True(t, history[0].Success)
	assert.Equal(t, workspace.OpRelease, history[1].Type)
	assert.Equal(t, workspace.OpCleanup, history[2].Type)
}

func TestGetSlotStatusReportsHeadInfo(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	m := newTestManager(t)

	p, err := m.CreatePool(ctx, "demo", repo, 1)
	require.NoError(t, err)

	_, branch, sha, err := m.GetSlotStatus(ctx, "demo", p.Slots[0].ID)
	require.NoError(t, err)
	require.Equal(t, p.Slots[0].CurrentBranch, branch)
	require.NotEmpty(t, sha)
}
