// Package registry owns the set of loaded chunks. It is the single strong
// reference holder: chunks enter through LoadChunk/CreateChunk and leave
// through UnloadChunk, with dirty chunks written back to the store before
// their memory is released.
package registry

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"voxelstream.dev/internal/persistence/chunkstore"
	"voxelstream.dev/internal/persistence/indexdb"
	"voxelstream.dev/internal/world"
)

const defaultSavesPerUpdate = 4

// Registry tracks loaded chunks, their dirty state, and neighbor links.
type Registry struct {
	store *chunkstore.Store
	index *indexdb.Index
	log   *zap.Logger

	chunkSize      int
	savesPerUpdate int

	mu     sync.RWMutex
	chunks map[world.ChunkCoord]*world.Chunk

	dirtyMu sync.Mutex
	dirty   map[world.ChunkCoord]struct{}

	saveQueue chan *world.Chunk
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithIndex attaches a best-effort save index. Index failures never affect
// the save path.
func WithIndex(idx *indexdb.Index) Option {
	return func(r *Registry) { r.index = idx }
}

// WithSavesPerUpdate bounds how many dirty chunks one Update tick hands to
// the background saver.
func WithSavesPerUpdate(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.savesPerUpdate = n
		}
	}
}

func New(store *chunkstore.Store, chunkSize int, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if chunkSize <= 0 {
		chunkSize = world.DefaultChunkSize
	}
	r := &Registry{
		store:          store,
		log:            logger,
		chunkSize:      chunkSize,
		savesPerUpdate: defaultSavesPerUpdate,
		chunks:         make(map[world.ChunkCoord]*world.Chunk),
		dirty:          make(map[world.ChunkCoord]struct{}),
		saveQueue:      make(chan *world.Chunk, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.saveLoop()
	return r
}

func (r *Registry) Name() string             { return "registry" }
func (r *Registry) Dependencies() []string   { return []string{"chunkstore"} }
func (r *Registry) Initialize() error        { return nil }
func (r *Registry) ChunkSize() int           { return r.chunkSize }
func (r *Registry) Store() *chunkstore.Store { return r.store }

// LoadChunk returns the loaded chunk for coord, reading it from the store
// when necessary. A coordinate with no persisted file yields a fresh empty
// chunk that is marked dirty so it reaches disk on the next save pass.
// Concurrent loads of the same coordinate are safe: the loser of the insert
// race discards its copy and returns the winner's chunk.
func (r *Registry) LoadChunk(coord world.ChunkCoord) (*world.Chunk, error) {
	r.mu.RLock()
	if c, ok := r.chunks[coord]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	c := world.NewChunk(coord, r.chunkSize)
	fresh := false

	// Disk I/O happens outside the registry lock.
	err := r.store.LoadChunk(coord, c)
	switch {
	case err == nil:
	case errors.Is(err, chunkstore.ErrNotFound):
		fresh = true
	case errors.Is(err, chunkstore.ErrCorrupted):
		r.log.Warn("corrupt chunk file, attempting repair", zap.String("coord", coord.String()))
		if r.store.RepairChunk(coord) {
			c = world.NewChunk(coord, r.chunkSize)
			if rerr := r.store.LoadChunk(coord, c); rerr != nil {
				if !errors.Is(rerr, chunkstore.ErrNotFound) {
					return nil, fmt.Errorf("load chunk %s after repair: %w", coord, rerr)
				}
				fresh = true
			}
		} else {
			fresh = true
		}
	default:
		return nil, fmt.Errorf("load chunk %s: %w", coord, err)
	}

	r.mu.Lock()
	if existing, ok := r.chunks[coord]; ok {
		// Another goroutine won the race while we were on disk.
		r.mu.Unlock()
		return existing, nil
	}
	r.chunks[coord] = c
	r.linkNeighborsLocked(c)
	r.mu.Unlock()

	if fresh {
		c.MarkDirty()
		r.noteDirty(coord)
	}
	return c, nil
}

// CreateChunk inserts a fresh empty chunk at coord, failing when one is
// already loaded. The new chunk is dirty from birth.
func (r *Registry) CreateChunk(coord world.ChunkCoord) (*world.Chunk, error) {
	c := world.NewChunk(coord, r.chunkSize)

	r.mu.Lock()
	if _, ok := r.chunks[coord]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("chunk %s already loaded", coord)
	}
	r.chunks[coord] = c
	r.linkNeighborsLocked(c)
	r.mu.Unlock()

	c.MarkDirty()
	r.noteDirty(coord)
	return c, nil
}

// linkNeighborsLocked wires coordinate links between c and any loaded
// neighbor, in both directions. Caller holds r.mu.
func (r *Registry) linkNeighborsLocked(c *world.Chunk) {
	for dir := 0; dir < 6; dir++ {
		nc := c.Coord().Neighbor(dir)
		n, ok := r.chunks[nc]
		if !ok {
			continue
		}
		c.SetNeighbor(dir, nc)
		n.SetNeighbor(dir^1, c.Coord())
	}
}

// UnloadChunk removes coord from the registry, saving it first when dirty.
// Unloading an absent chunk is a no-op. When the save fails the chunk stays
// loaded and the error is returned; data is never dropped on the floor.
func (r *Registry) UnloadChunk(coord world.ChunkCoord) error {
	r.mu.RLock()
	c, ok := r.chunks[coord]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if c.IsDirty() {
		if err := r.SerializeChunk(c); err != nil {
			return fmt.Errorf("save before unload of %s: %w", coord, err)
		}
	}

	r.mu.Lock()
	// Re-check: a concurrent unload may have beaten us here.
	if cur, still := r.chunks[coord]; !still || cur != c {
		r.mu.Unlock()
		return nil
	}
	delete(r.chunks, coord)
	for dir := 0; dir < 6; dir++ {
		if n, ok := r.chunks[coord.Neighbor(dir)]; ok {
			n.ClearNeighbor(dir ^ 1)
		}
	}
	r.mu.Unlock()

	r.dirtyMu.Lock()
	delete(r.dirty, coord)
	r.dirtyMu.Unlock()
	return nil
}

// GetChunk returns the loaded chunk for coord, nil when not loaded.
func (r *Registry) GetChunk(coord world.ChunkCoord) *world.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunks[coord]
}

func (r *Registry) IsChunkLoaded(coord world.ChunkCoord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chunks[coord]
	return ok
}

// SerializeChunk writes the chunk to the store and clears its dirty state
// only after the write succeeded.
func (r *Registry) SerializeChunk(c *world.Chunk) error {
	if err := r.store.SaveChunk(c); err != nil {
		return err
	}
	c.ClearDirty()
	coord := c.Coord()
	r.dirtyMu.Lock()
	delete(r.dirty, coord)
	r.dirtyMu.Unlock()

	if r.index != nil {
		if m, ok := r.store.GetChunkMetadata(coord); ok {
			r.index.RecordSave(coord, m.Size)
		} else {
			r.index.RecordSave(coord, c.MemoryUsage())
		}
	}
	return nil
}

// DeserializeChunk re-reads the chunk's payload from disk, discarding any
// in-memory modifications.
func (r *Registry) DeserializeChunk(c *world.Chunk) error {
	if err := r.store.LoadChunk(c.Coord(), c); err != nil {
		return err
	}
	c.ClearDirty()
	r.dirtyMu.Lock()
	delete(r.dirty, c.Coord())
	r.dirtyMu.Unlock()
	return nil
}

// MarkChunkDirty records a chunk as needing a save. Chunks mark themselves
// dirty on voxel writes; this is for callers that mutate through other paths.
func (r *Registry) MarkChunkDirty(coord world.ChunkCoord) {
	r.mu.RLock()
	c, ok := r.chunks[coord]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.MarkDirty()
	r.noteDirty(coord)
}

func (r *Registry) noteDirty(coord world.ChunkCoord) {
	r.dirtyMu.Lock()
	r.dirty[coord] = struct{}{}
	r.dirtyMu.Unlock()
}

// SaveModifiedChunks synchronously saves every dirty chunk, collecting
// errors rather than stopping at the first.
func (r *Registry) SaveModifiedChunks() error {
	r.mu.RLock()
	var pending []*world.Chunk
	for _, c := range r.chunks {
		if c.IsDirty() {
			pending = append(pending, c)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range pending {
		if err := r.SerializeChunk(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Update runs one incremental save pass: it reconciles chunk dirty flags
// into the dirty set, then hands at most savesPerUpdate dirty chunks to the
// background saver.
func (r *Registry) Update(dt float64) {
	_ = dt

	r.mu.RLock()
	for coord, c := range r.chunks {
		if c.IsDirty() {
			r.dirtyMu.Lock()
			r.dirty[coord] = struct{}{}
			r.dirtyMu.Unlock()
		}
	}
	r.mu.RUnlock()

	r.dirtyMu.Lock()
	sampled := make([]world.ChunkCoord, 0, r.savesPerUpdate)
	for coord := range r.dirty {
		sampled = append(sampled, coord)
		if len(sampled) >= r.savesPerUpdate {
			break
		}
	}
	for _, coord := range sampled {
		delete(r.dirty, coord)
	}
	r.dirtyMu.Unlock()

	for _, coord := range sampled {
		r.mu.RLock()
		c, ok := r.chunks[coord]
		r.mu.RUnlock()
		if !ok || !c.IsDirty() {
			continue
		}
		select {
		case r.saveQueue <- c:
		default:
			// Saver is busy; put the coordinate back for a later tick.
			r.noteDirty(coord)
		}
	}
}

func (r *Registry) saveLoop() {
	defer r.wg.Done()
	for c := range r.saveQueue {
		if c == nil {
			return
		}
		if !c.IsDirty() {
			continue
		}
		if err := r.SerializeChunk(c); err != nil {
			r.log.Error("background chunk save failed",
				zap.String("coord", c.Coord().String()),
				zap.Error(err))
			r.noteDirty(c.Coord())
		}
	}
}

// GetChunksAroundPoint returns loaded chunks whose cell intersects the
// sphere at center with the given radius in world units.
func (r *Registry) GetChunksAroundPoint(center world.Vec3, radius float64) []*world.Chunk {
	// A chunk intersects the sphere when its center lies within radius plus
	// half the cell diagonal.
	reach := radius + float64(r.chunkSize)*math.Sqrt(3)/2

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*world.Chunk
	for _, c := range r.chunks {
		if c.Coord().Center(r.chunkSize).DistanceTo(center) <= reach {
			out = append(out, c)
		}
	}
	return out
}

// LoadedChunks returns a snapshot of all loaded chunk coordinates.
func (r *Registry) LoadedChunks() []world.ChunkCoord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coords := make([]world.ChunkCoord, 0, len(r.chunks))
	for coord := range r.chunks {
		coords = append(coords, coord)
	}
	return coords
}

// LoadedCount reports how many chunks are resident.
func (r *Registry) LoadedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chunks)
}

// DirtyCount reports how many chunks await saving.
func (r *Registry) DirtyCount() int {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	return len(r.dirty)
}

// Shutdown flushes all dirty chunks and stops the background saver.
func (r *Registry) Shutdown() error {
	var err error
	r.closeOnce.Do(func() {
		r.saveQueue <- nil
		r.wg.Wait()
		err = r.SaveModifiedChunks()
	})
	return err
}
