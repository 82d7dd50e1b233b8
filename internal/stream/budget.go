package stream

import "sync"

// MemoryBudget caps resident chunk and mesh memory. A reserve on top of
// the caps is granted only to high-priority operations, half per pool, so
// urgent work near the focus can proceed when the pools are full.
type MemoryBudget struct {
	mu sync.Mutex

	maxChunk int64
	maxMesh  int64
	reserve  int64

	usedChunk int64
	usedMesh  int64
}

func NewMemoryBudget(maxChunk, maxMesh, reserve int64) *MemoryBudget {
	return &MemoryBudget{maxChunk: maxChunk, maxMesh: maxMesh, reserve: reserve}
}

// SetLimits replaces the caps. Existing usage is kept; over-limit pools
// drain naturally as chunks unload.
func (b *MemoryBudget) SetLimits(maxChunk, maxMesh, reserve int64) {
	b.mu.Lock()
	b.maxChunk = maxChunk
	b.maxMesh = maxMesh
	b.reserve = reserve
	b.mu.Unlock()
}

// Reserve attempts to claim estimated memory from both pools atomically.
// High-priority callers may additionally dip into half the reserve per
// pool. Returns false, leaving usage untouched, when either pool would
// overflow.
func (b *MemoryBudget) Reserve(chunkBytes, meshBytes int64, highPriority bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	chunkCap := b.maxChunk
	meshCap := b.maxMesh
	if highPriority {
		chunkCap += b.reserve / 2
		meshCap += b.reserve / 2
	}
	if b.usedChunk+chunkBytes > chunkCap || b.usedMesh+meshBytes > meshCap {
		return false
	}
	b.usedChunk += chunkBytes
	b.usedMesh += meshBytes
	return true
}

// Adjust applies signed corrections once actual usage is known, clamping
// each pool at zero.
func (b *MemoryBudget) Adjust(chunkDelta, meshDelta int64) {
	b.mu.Lock()
	b.usedChunk += chunkDelta
	if b.usedChunk < 0 {
		b.usedChunk = 0
	}
	b.usedMesh += meshDelta
	if b.usedMesh < 0 {
		b.usedMesh = 0
	}
	b.mu.Unlock()
}

// Usage returns the current pool usage in bytes.
func (b *MemoryBudget) Usage() (chunk, mesh int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedChunk, b.usedMesh
}

// Limits returns the configured caps and reserve.
func (b *MemoryBudget) Limits() (maxChunk, maxMesh, reserve int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxChunk, b.maxMesh, b.reserve
}
