package stream

import (
	"container/heap"

	"voxelstream.dev/internal/world"
)

// taskQueue is a priority heap of streaming tasks with a per-coordinate
// side index so cancellation and duplicate suppression are O(1) lookups.
// Callers provide their own locking.
type taskQueue struct {
	heap    taskHeap
	byCoord map[world.ChunkCoord][]*task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byCoord: make(map[world.ChunkCoord][]*task)}
}

func (q *taskQueue) len() int { return q.heap.Len() }

func (q *taskQueue) push(t *task) {
	heap.Push(&q.heap, t)
	q.byCoord[t.coord] = append(q.byCoord[t.coord], t)
}

func (q *taskQueue) pop() *task {
	if q.heap.Len() == 0 {
		return nil
	}
	t := heap.Pop(&q.heap).(*task)
	q.dropIndex(t)
	return t
}

// tasksFor returns the queued tasks for a coordinate.
func (q *taskQueue) tasksFor(coord world.ChunkCoord) []*task {
	return q.byCoord[coord]
}

// hasOp reports whether a task with the given coord and op is queued.
func (q *taskQueue) hasOp(coord world.ChunkCoord, op Op) bool {
	for _, t := range q.byCoord[coord] {
		if t.op == op {
			return true
		}
	}
	return false
}

// remove deletes a specific task from the queue.
func (q *taskQueue) remove(t *task) {
	if t.index < 0 || t.index >= q.heap.Len() || q.heap[t.index] != t {
		return
	}
	heap.Remove(&q.heap, t.index)
	q.dropIndex(t)
}

func (q *taskQueue) dropIndex(t *task) {
	ts := q.byCoord[t.coord]
	for i, qt := range ts {
		if qt == t {
			ts[i] = ts[len(ts)-1]
			ts = ts[:len(ts)-1]
			break
		}
	}
	if len(ts) == 0 {
		delete(q.byCoord, t.coord)
	} else {
		q.byCoord[t.coord] = ts
	}
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
