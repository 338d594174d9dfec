package dispatcher_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/necrocode/engine/pkg/dispatcher"
	"github.com/necrocode/engine/pkg/types"
)

func TestTaskQueueOrdersByPriorityThenCreatedAtThenSequence(t *testing.T) {
	q := dispatcher.NewTaskQueue()
	base := time.Now()

	low := types.Task{SpecName: "S", ID: "low", Priority: 1, CreatedAt: base}
	high := types.Task{SpecName: "S", ID: "high", Priority: 5, CreatedAt: base.Add(time.Second)}
	earlier := types.Task{SpecName: "S", ID: "earlier", Priority: 1, CreatedAt: base.Add(-time.Second)}

	require.True(t, q.Enqueue(low))
	require.True(t, q.Enqueue(high))
	require.True(t, q.Enqueue(earlier))

	first, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "high", first.ID)

	second, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "earlier", second.ID)

	third, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "low", third.ID)
}

func TestTaskQueueEnqueueDedupesBySpecAndID(t *testing.T) {
	q := dispatcher.NewTaskQueue()
	task := types.Task{SpecName: "S", ID: "1"}

	assert.True(t, q.Enqueue(task))
	assert.False(t, q.Enqueue(task))
	assert.Equal(t, 1, q.Len())
}

func TestTaskQueueAllowsSameIDAcrossDifferentSpecs(t *testing.T) {
	q := dispatcher.NewTaskQueue()

	assert.True(t, q.Enqueue(types.Task{SpecName: "A", ID: "1"}))
	assert.True(t, q.Enqueue(types.Task{SpecName: "B", ID: "1"}))
	assert.Equal(t, 2, q.Len())
}

func TestTaskQueueRemoveAndContains(t *testing.T) {
	q := dispatcher.NewTaskQueue()
	task := types.Task{SpecName: "S", ID: "1"}
	require.True(t, q.Enqueue(task))

	assert.True(t, q.Contains("S", "1"))
	assert.True(t, q.Remove("S", "1"))
	assert.False(t, q.Contains("S", "1"))
	assert.False(t, q.Remove("S", "1"))
}

func TestTaskQueueUpdatePriorityReordersHeap(t *testing.T) {
	q := dispatcher.NewTaskQueue()
	base := time.Now()
	require.True(t, q.Enqueue(types.Task{SpecName: "S", ID: "a", Priority: 1, CreatedAt: base}))
	require.True(t, q.Enqueue(types.Task{SpecName: "S", ID: "b", Priority: 1, CreatedAt: base}))

	require.True(t, q.UpdatePriority("S", "b", 10))

	top, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", top.ID)
}

func TestTaskQueuePeekDoesNotRemove(t *testing.T) {
	q := dispatcher.NewTaskQueue()
	require.True(t, q.Enqueue(types.Task{SpecName: "S", ID: "1"}))

	_, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, q.Len())
}
