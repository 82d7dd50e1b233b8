package stream

import (
	"sync/atomic"

	"voxelstream.dev/internal/world"
)

// Priority bands for streaming tasks. Lower value runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityVeryLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityVeryLow:
		return "verylow"
	default:
		return "unknown"
	}
}

// Op is the kind of work a streaming task performs.
type Op int

const (
	OpLoad Op = iota
	OpGenerate
	OpMesh
	OpSave
	OpUnload
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpGenerate:
		return "generate"
	case OpMesh:
		return "mesh"
	case OpSave:
		return "save"
	case OpUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// task is one unit of queued streaming work. seq breaks priority ties so
// equal-priority tasks run in submission order.
type task struct {
	id        uint64
	coord     world.ChunkCoord
	op        Op
	priority  Priority
	seq       uint64
	estMemory int64
	retries   int

	// Shared with CancelChunkTasks; workers check it at safe points.
	canceled *atomic.Bool

	// heap index, maintained by taskQueue.
	index int
}

func (t *task) isCanceled() bool {
	return t.canceled != nil && t.canceled.Load()
}
