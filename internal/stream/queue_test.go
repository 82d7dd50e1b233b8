package stream

import (
	"sync/atomic"
	"testing"

	"voxelstream.dev/internal/world"
)

func mkTask(id uint64, coord world.ChunkCoord, op Op, p Priority, seq uint64) *task {
	return &task{id: id, coord: coord, op: op, priority: p, seq: seq, canceled: &atomic.Bool{}}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newTaskQueue()
	// Submission order: Low, Critical, Medium.
	q.push(mkTask(1, world.ChunkCoord{X: 1}, OpLoad, PriorityLow, 1))
	q.push(mkTask(2, world.ChunkCoord{X: 2}, OpLoad, PriorityCritical, 2))
	q.push(mkTask(3, world.ChunkCoord{X: 3}, OpLoad, PriorityMedium, 3))

	want := []Priority{PriorityCritical, PriorityMedium, PriorityLow}
	for i, p := range want {
		got := q.pop()
		if got == nil || got.priority != p {
			t.Fatalf("pop %d: got %v, want priority %v", i, got, p)
		}
	}
	if q.pop() != nil {
		t.Fatal("queue should be empty")
	}
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := newTaskQueue()
	for seq := uint64(1); seq <= 5; seq++ {
		q.push(mkTask(seq, world.ChunkCoord{X: int(seq)}, OpLoad, PriorityMedium, seq))
	}
	for seq := uint64(1); seq <= 5; seq++ {
		got := q.pop()
		if got.seq != seq {
			t.Fatalf("pop returned seq %d, want %d", got.seq, seq)
		}
	}
}

func TestQueueCoordIndex(t *testing.T) {
	q := newTaskQueue()
	coord := world.ChunkCoord{X: 1}
	q.push(mkTask(1, coord, OpLoad, PriorityLow, 1))
	q.push(mkTask(2, coord, OpMesh, PriorityLow, 2))

	if !q.hasOp(coord, OpLoad) || !q.hasOp(coord, OpMesh) {
		t.Fatal("both ops should be indexed")
	}
	if q.hasOp(coord, OpSave) {
		t.Fatal("no save task was queued")
	}
	if got := len(q.tasksFor(coord)); got != 2 {
		t.Fatalf("tasksFor = %d entries, want 2", got)
	}

	first := q.pop()
	if q.hasOp(coord, first.op) {
		t.Fatal("popped op should leave the index")
	}
	q.pop()
	if len(q.tasksFor(coord)) != 0 {
		t.Fatal("index should be empty")
	}
}

func TestQueueRemove(t *testing.T) {
	q := newTaskQueue()
	keep := mkTask(1, world.ChunkCoord{X: 1}, OpLoad, PriorityLow, 1)
	drop := mkTask(2, world.ChunkCoord{X: 2}, OpLoad, PriorityCritical, 2)
	q.push(keep)
	q.push(drop)

	q.remove(drop)
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
	if got := q.pop(); got != keep {
		t.Fatalf("pop = %v, want the kept task", got)
	}
}
