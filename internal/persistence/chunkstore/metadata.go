package chunkstore

import (
	"sync"
	"time"

	"voxelstream.dev/internal/world"
)

// Metadata is the cached per-chunk file information, kept to avoid repeated
// filesystem stats on the streaming path.
type Metadata struct {
	LastModified time.Time
	Size         int64
}

// metadataCache is a bounded map. When full, an arbitrary entry is evicted;
// the cache is an accelerator, not a source of truth.
type metadataCache struct {
	mu      sync.Mutex
	cap     int
	entries map[world.ChunkCoord]Metadata
}

func newMetadataCache(cap int) *metadataCache {
	return &metadataCache{
		cap:     cap,
		entries: make(map[world.ChunkCoord]Metadata),
	}
}

func (c *metadataCache) get(coord world.ChunkCoord) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[coord]
	return m, ok
}

func (c *metadataCache) put(coord world.ChunkCoord, m Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cap <= 0 {
		return
	}
	if _, exists := c.entries[coord]; !exists && len(c.entries) >= c.cap {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[coord] = m
}

func (c *metadataCache) evict(coord world.ChunkCoord) {
	c.mu.Lock()
	delete(c.entries, coord)
	c.mu.Unlock()
}

func (c *metadataCache) setCap(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cap = n
	for len(c.entries) > c.cap {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}

func (c *metadataCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
