package registry_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/registry"
	"github.com/necrocode/engine/pkg/types"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Config{BasePath: filepath.Join(t.TempDir(), "registry")})
}

func TestCreateTasksetInitialStates(t *testing.T) {
	r := newTestRegistry(t)

	ts, err := r.CreateTaskset("S", []types.Task{
		{ID: "1"},
		{ID: "2", Dependencies: []string{"1"}},
		{ID: "3", Dependencies: []string{"2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Version)
	assert.Equal(t, types.TaskStateReady, ts.TaskByID("1").State)
	assert.Equal(t, types.TaskStateBlocked, ts.TaskByID("2").State)
	assert.Equal(t, types.TaskStateBlocked, ts.TaskByID("3").State)
}

func TestCreateTasksetEmptyListVersionOne(t *testing.T) {
	r := newTestRegistry(t)

	ts, err := r.CreateTaskset("Empty", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Version)
	assert.Empty(t, ts.Tasks)
}

func TestCreateTasksetRejectsExisting(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateTaskset("S", []types.Task{{ID: "1"}})
	require.NoError(t, err)

	_, err = r.CreateTaskset("S", []types.Task{{ID: "1"}})
	assert.ErrorIs(t, err, registry.ErrTasksetExists)
}

func TestCreateTasksetRejectsSelfDependency(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateTaskset("S", []types.Task{{ID: "1", Dependencies: []string{"1"}}})
	assert.ErrorIs(t, err, registry.ErrCircularDependency)
}

func TestCreateTasksetRejectsCircularDependency(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateTaskset("S", []types.Task{
		{ID: "A", Dependencies: []string{"B"}},
		{ID: "B", Dependencies: []string{"A"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrCircularDependency)

	_, getErr := r.GetTaskset("S")
	assert.ErrorIs(t, getErr, registry.ErrNotFound)
}

func TestLinearThreeTaskSpecDependencyResolution(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.CreateTaskset("S", []types.Task{
		{ID: "1"},
		{ID: "2", Dependencies: []string{"1"}},
		{ID: "3", Dependencies: []string{"2"}},
	})
	require.NoError(t, err)

	ready, err := r.GetReadyTasks("S", "")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "1", ready[0].ID)

	meta := map[string]string{"runner_id": "r1", "slot_id": "s1", "pool_name": "local", "branch_name": "b1"}
	require.NoError(t, r.UpdateTaskState("S", "1", types.TaskStateRunning, meta))
	require.NoError(t, r.UpdateTaskState("S", "1", types.TaskStateDone, nil))

	ready, err = r.GetReadyTasks("S", "")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "2", ready[0].ID)

	require.NoError(t, r.UpdateTaskState("S", "2", types.TaskStateRunning, meta))
	require.NoError(t, r.UpdateTaskState("S", "2", types.TaskStateDone, nil))

	ready, err = r.GetReadyTasks("S", "")
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "3", ready[0].ID)
}

func TestUpdateTaskStateInvalidTransitionRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateTaskset("S", []types.Task{{ID: "1"}})
	require.NoError(t, err)

	err = r.UpdateTaskState("S", "1", types.TaskStateDone, nil)
	assert.ErrorIs(t, err, registry.ErrInvalidTransition)

	ts, _ := r.GetTaskset("S")
	assert.Equal(t, types.TaskStateReady, ts.TaskByID("1").State)
}

func TestUpdateTaskStateRunningRequiresAssignmentMetadata(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateTaskset("S", []types.Task{{ID: "1"}})
	require.NoError(t, err)

	err = r.UpdateTaskState("S", "1", types.TaskStateRunning, nil)
	assert.ErrorIs(t, err, registry.ErrMissingAssignment)
}

func TestGetReadyTasksOrdering(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateTaskset("S", []types.Task{
		{ID: "A", Priority: 1},
		{ID: "B", Priority: 10},
	})
	require.NoError(t, err)

	ready, err := r.GetReadyTasks("S", "")
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "B", ready[0].ID)
	assert.Equal(t, "A", ready[1].ID)
}

func TestTasksetVersionIncreasesMonotonically(t *testing.T) {
	r := newTestRegistry(t)
	ts, err := r.CreateTaskset("S", []types.Task{{ID: "1"}})
	require.NoError(t, err)
	require.Equal(t, 1, ts.Version)

	meta := map[string]string{"runner_id": "r1", "slot_id": "s1", "pool_name": "local", "branch_name": "b1"}
	require.NoError(t, r.UpdateTaskState("S", "1", types.TaskStateRunning, meta))

	ts2, err := r.GetTaskset("S")
	require.NoError(t, err)
	assert.Greater(t, ts2.Version, ts.Version)
}

func TestSyncFromTasksMDIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateTaskset("S", nil)
	require.NoError(t, err)

	doc := "- [ ] 1 First task skill:backend priority:5\n- [ ] 2 Second task [deps: 1]\n"

	res1, err := r.SyncFromTasksMD("S", doc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, res1.Added)

	res2, err := r.SyncFromTasksMD("S", doc)
	require.NoError(t, err)
	assert.Empty(t, res2.Added)
	assert.Empty(t, res2.Updated)
}

func TestSyncFromTasksMDReportsRemovedWithoutDeleting(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateTaskset("S", []types.Task{{ID: "1"}})
	require.NoError(t, err)

	res, err := r.SyncFromTasksMD("S", "- [ ] 2 Only this one now\n")
	require.NoError(t, err)
	assert.Contains(t, res.Removed, "1")

	ts, err := r.GetTaskset("S")
	require.NoError(t, err)
	assert.NotNil(t, ts.TaskByID("1"), "removed tasks are reported, not auto-deleted")
}
