package world

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultChunkSize is the edge length of a chunk in voxels.
const DefaultChunkSize = 16

// Chunk is a fixed-size cube of voxel data identified by a chunk coordinate.
// The registry owns the strong reference; neighbor links are coordinates
// resolved through the registry, never direct pointers, so they go stale
// harmlessly when a neighbor is unloaded.
type Chunk struct {
	coord ChunkCoord
	size  int

	mu       sync.RWMutex
	voxels   []uint16
	dirty    bool
	mesh     *ChunkMesh
	neighbor [6]ChunkCoord
	linked   [6]bool
}

func NewChunk(coord ChunkCoord, size int) *Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Chunk{
		coord:  coord,
		size:   size,
		voxels: make([]uint16, size*size*size),
	}
}

func (c *Chunk) Coord() ChunkCoord { return c.coord }
func (c *Chunk) Size() int         { return c.size }

func (c *Chunk) index(x, y, z int) int {
	// x fastest, then z, then y
	return x + z*c.size + y*c.size*c.size
}

func (c *Chunk) Voxel(x, y, z int) uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.voxels[c.index(x, y, z)]
}

// SetVoxel writes one voxel and marks the chunk dirty when the value changed.
// Any change invalidates the derived mesh.
func (c *Chunk) SetVoxel(x, y, z int, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.index(x, y, z)
	if c.voxels[i] == v {
		return
	}
	c.voxels[i] = v
	c.dirty = true
	c.mesh = nil
}

func (c *Chunk) IsDirty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

func (c *Chunk) MarkDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *Chunk) ClearDirty() {
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
}

// SetNeighbor records the coordinate of the adjacent chunk in direction dir.
func (c *Chunk) SetNeighbor(dir int, coord ChunkCoord) {
	c.mu.Lock()
	c.neighbor[dir] = coord
	c.linked[dir] = true
	c.mesh = nil
	c.mu.Unlock()
}

// ClearNeighbor drops the link in direction dir.
func (c *Chunk) ClearNeighbor(dir int) {
	c.mu.Lock()
	c.linked[dir] = false
	c.mesh = nil
	c.mu.Unlock()
}

// NeighborCoord reports the linked neighbor coordinate for dir, if any.
func (c *Chunk) NeighborCoord(dir int) (ChunkCoord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.neighbor[dir], c.linked[dir]
}

// MemoryUsage returns the approximate resident size of the voxel payload.
func (c *Chunk) MemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.voxels) * 2)
}

// MeshMemoryUsage returns the resident size of the derived mesh, zero when
// no mesh has been generated.
func (c *Chunk) MeshMemoryUsage() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mesh == nil {
		return 0
	}
	return c.mesh.MemoryUsage()
}

// GenerateMesh rebuilds the derived mesh from current voxel occupancy. It is
// a no-op when a mesh is already current.
func (c *Chunk) GenerateMesh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mesh != nil {
		return nil
	}
	m, err := buildMesh(c.size, c.voxels)
	if err != nil {
		return fmt.Errorf("mesh chunk %s: %w", c.coord, err)
	}
	c.mesh = m
	return nil
}

// Mesh returns the current mesh, nil when not generated or invalidated.
func (c *Chunk) Mesh() *ChunkMesh {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mesh
}

func (c *Chunk) InvalidateMesh() {
	c.mu.Lock()
	c.mesh = nil
	c.mu.Unlock()
}

// Serialize writes the chunk payload: uint32 edge size followed by the raw
// little-endian voxel array. Neighbor links and the dirty flag are runtime
// state and are not persisted.
func (c *Chunk) Serialize(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(c.size))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write size: %w", err)
	}

	buf := make([]byte, len(c.voxels)*2)
	for i, v := range c.voxels {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write voxels: %w", err)
	}
	return nil
}

// Deserialize replaces the chunk payload from a serialized stream. The edge
// size in the stream must match the chunk's configured size.
func (c *Chunk) Deserialize(r io.Reader) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("read size: %w", err)
	}
	size := int(binary.LittleEndian.Uint32(hdr[:]))
	if size <= 0 || size > 256 {
		return fmt.Errorf("bad chunk size %d", size)
	}

	buf := make([]byte, size*size*size*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read voxels: %w", err)
	}

	voxels := make([]uint16, size*size*size)
	for i := range voxels {
		voxels[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if size != c.size {
		return fmt.Errorf("chunk size mismatch: file %d, expected %d", size, c.size)
	}
	c.voxels = voxels
	c.mesh = nil
	return nil
}
