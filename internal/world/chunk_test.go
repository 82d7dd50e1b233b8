package world

import (
	"bytes"
	"testing"
)

func TestSetVoxelMarksDirty(t *testing.T) {
	c := NewChunk(ChunkCoord{}, 8)
	if c.IsDirty() {
		t.Fatal("fresh chunk should not be dirty")
	}
	c.SetVoxel(1, 2, 3, 5)
	if !c.IsDirty() {
		t.Fatal("chunk should be dirty after voxel write")
	}
	if got := c.Voxel(1, 2, 3); got != 5 {
		t.Fatalf("Voxel = %d, want 5", got)
	}

	c.ClearDirty()
	// Writing the same value is a no-op.
	c.SetVoxel(1, 2, 3, 5)
	if c.IsDirty() {
		t.Fatal("identical write should not re-dirty the chunk")
	}
}

func TestVoxelWriteInvalidatesMesh(t *testing.T) {
	c := NewChunk(ChunkCoord{}, 4)
	c.SetVoxel(0, 0, 0, 1)
	if err := c.GenerateMesh(); err != nil {
		t.Fatalf("GenerateMesh: %v", err)
	}
	if c.Mesh() == nil {
		t.Fatal("mesh should exist after generation")
	}
	c.SetVoxel(1, 0, 0, 1)
	if c.Mesh() != nil {
		t.Fatal("voxel write should invalidate the mesh")
	}
}

func TestGenerateMeshFaceCount(t *testing.T) {
	c := NewChunk(ChunkCoord{}, 4)
	c.SetVoxel(1, 1, 1, 1)
	if err := c.GenerateMesh(); err != nil {
		t.Fatalf("GenerateMesh: %v", err)
	}
	if got := c.Mesh().Faces(); got != 6 {
		t.Fatalf("isolated voxel should expose 6 faces, got %d", got)
	}

	// Two adjacent voxels hide one face each.
	c2 := NewChunk(ChunkCoord{}, 4)
	c2.SetVoxel(1, 1, 1, 1)
	c2.SetVoxel(2, 1, 1, 1)
	if err := c2.GenerateMesh(); err != nil {
		t.Fatalf("GenerateMesh: %v", err)
	}
	if got := c2.Mesh().Faces(); got != 10 {
		t.Fatalf("adjacent pair should expose 10 faces, got %d", got)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	src := NewChunk(ChunkCoord{X: 1, Y: 2, Z: 3}, 8)
	src.SetVoxel(0, 0, 0, 1)
	src.SetVoxel(7, 7, 7, 42)
	src.SetVoxel(3, 4, 5, 1000)

	var buf bytes.Buffer
	if err := src.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	dst := NewChunk(ChunkCoord{X: 1, Y: 2, Z: 3}, 8)
	if err := dst.Deserialize(&buf); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	for _, p := range [][3]int{{0, 0, 0}, {7, 7, 7}, {3, 4, 5}, {1, 1, 1}} {
		if got, want := dst.Voxel(p[0], p[1], p[2]), src.Voxel(p[0], p[1], p[2]); got != want {
			t.Fatalf("voxel %v = %d, want %d", p, got, want)
		}
	}
}

func TestDeserializeSizeMismatch(t *testing.T) {
	src := NewChunk(ChunkCoord{}, 8)
	var buf bytes.Buffer
	if err := src.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	dst := NewChunk(ChunkCoord{}, 16)
	if err := dst.Deserialize(&buf); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestNeighborLinks(t *testing.T) {
	c := NewChunk(ChunkCoord{}, 4)
	if _, ok := c.NeighborCoord(DirPosX); ok {
		t.Fatal("fresh chunk should have no neighbor links")
	}
	n := ChunkCoord{X: 1}
	c.SetNeighbor(DirPosX, n)
	got, ok := c.NeighborCoord(DirPosX)
	if !ok || got != n {
		t.Fatalf("NeighborCoord = %v, %v", got, ok)
	}
	c.ClearNeighbor(DirPosX)
	if _, ok := c.NeighborCoord(DirPosX); ok {
		t.Fatal("link should be cleared")
	}
}

func TestMemoryUsage(t *testing.T) {
	c := NewChunk(ChunkCoord{}, 8)
	if got := c.MemoryUsage(); got != 8*8*8*2 {
		t.Fatalf("MemoryUsage = %d", got)
	}
	if got := c.MeshMemoryUsage(); got != 0 {
		t.Fatalf("MeshMemoryUsage without mesh = %d", got)
	}
	c.SetVoxel(0, 0, 0, 1)
	if err := c.GenerateMesh(); err != nil {
		t.Fatalf("GenerateMesh: %v", err)
	}
	if c.MeshMemoryUsage() == 0 {
		t.Fatal("MeshMemoryUsage should be nonzero after generation")
	}
}
