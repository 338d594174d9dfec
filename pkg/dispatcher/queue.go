package dispatcher

import (
	"container/heap"
	"sync"
	"time"

	"github.com/necrocode/engine/pkg/types"
)

// queuedItem is one entry in the underlying heap: the task plus a
// monotonic insertion sequence used to break priority/created_at ties
// (spec §4.3 "TaskQueue": priority DESC, created_at ASC, sequence ASC).
type queuedItem struct {
	task types.Task
	seq  uint64
	idx  int
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	if !h[i].task.CreatedAt.Equal(h[j].task.CreatedAt) {
		return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx, h[j].idx = i, j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queuedItem)
	item.idx = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.idx = -1
	*h = old[:n-1]
	return item
}

// TaskQueue is a thread-safe priority queue of READY tasks awaiting
// assignment, grounded on the teacher's mutex-guarded collection idiom
// (scheduler.go's s.mu around schedule()), built on stdlib container/heap
// since no pack repo carries a priority-queue library (see DESIGN.md).
type TaskQueue struct {
	mu      sync.Mutex
	heap    itemHeap
	byID    map[string]*queuedItem
	nextSeq uint64
}

// NewTaskQueue returns an empty TaskQueue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{byID: make(map[string]*queuedItem)}
}

// key returns the composite identity a task is deduplicated/looked up by:
// task IDs are only unique within one spec's taskset (spec §9 "Hierarchical
// task IDs"), so cross-spec polling must key on (spec_name, task_id).
func key(specName, taskID string) string { return specName + "/" + taskID }

// Enqueue adds task if it is not already present. Returns false if the
// task's (spec_name, id) was already queued (spec §4.3 step 1 "enqueue
// ones not already in the queue").
func (q *TaskQueue) Enqueue(task types.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	k := key(task.SpecName, task.ID)
	if _, exists := q.byID[k]; exists {
		return false
	}
	item := &queuedItem{task: task, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, item)
	q.byID[k] = item
	return true
}

// Peek returns the highest-priority task without removing it.
func (q *TaskQueue) Peek() (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return types.Task{}, false
	}
	return q.heap[0].task, true
}

// Dequeue removes and returns the highest-priority task.
func (q *TaskQueue) Dequeue() (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return types.Task{}, false
	}
	item := heap.Pop(&q.heap).(*queuedItem)
	delete(q.byID, key(item.task.SpecName, item.task.ID))
	return item.task, true
}

// Requeue re-adds a task that failed allocation/launch, preserving its
// original priority and created_at so it does not jump the tie-break order
// (spec §4.3 step 2 "re-enqueue with priority unchanged").
func (q *TaskQueue) Requeue(task types.Task) bool {
	return q.Enqueue(task)
}

// Remove drops (specName, taskID) from the queue if present, reporting
// whether it was found.
func (q *TaskQueue) Remove(specName, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[key(specName, taskID)]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, item.idx)
	delete(q.byID, key(specName, taskID))
	return true
}

// UpdatePriority re-keys a queued task to a new priority value, per spec
// §4.3 "Dynamic control": the queue is rebuilt (re-keyed) rather than
// requiring a fresh dequeue/enqueue from the caller.
func (q *TaskQueue) UpdatePriority(specName, taskID string, newPriority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[key(specName, taskID)]
	if !ok {
		return false
	}
	item.task.Priority = newPriority
	heap.Fix(&q.heap, item.idx)
	return true
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Contains reports whether (specName, taskID) is currently queued.
func (q *TaskQueue) Contains(specName, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[key(specName, taskID)]
	return ok
}

// oldestWaitAge returns how long the oldest queued task has been waiting,
// used by the MetricsCollector's wait-time distribution.
func (q *TaskQueue) oldestWaitAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0
	}
	oldest := q.heap[0].task.CreatedAt
	for _, item := range q.heap {
		if item.task.CreatedAt.Before(oldest) {
			oldest = item.task.CreatedAt
		}
	}
	return now.Sub(oldest)
}
