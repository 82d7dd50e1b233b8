package world

import "fmt"

// ChunkMesh is the derived render data for one chunk: one quad per exposed
// face of a solid voxel. The rest of the engine treats it as opaque; only
// its memory footprint matters to streaming.
type ChunkMesh struct {
	faces    int
	vertices []float32
}

func (m *ChunkMesh) Faces() int { return m.faces }

// MemoryUsage returns the resident size of the vertex data.
func (m *ChunkMesh) MemoryUsage() int64 {
	return int64(len(m.vertices) * 4)
}

// buildMesh emits four corner vertices per face whose neighboring cell is
// empty. Faces on the chunk boundary are always emitted; cross-chunk
// occlusion is a rendering concern, not a streaming one.
func buildMesh(size int, voxels []uint16) (*ChunkMesh, error) {
	if len(voxels) != size*size*size {
		return nil, fmt.Errorf("voxel array length %d does not match size %d", len(voxels), size)
	}

	idx := func(x, y, z int) int { return x + z*size + y*size*size }
	empty := func(x, y, z int) bool {
		if x < 0 || y < 0 || z < 0 || x >= size || y >= size || z >= size {
			return true
		}
		return voxels[idx(x, y, z)] == 0
	}

	m := &ChunkMesh{}
	for y := 0; y < size; y++ {
		for z := 0; z < size; z++ {
			for x := 0; x < size; x++ {
				if voxels[idx(x, y, z)] == 0 {
					continue
				}
				for dir := 0; dir < 6; dir++ {
					o := dirOffsets[dir]
					if !empty(x+o.X, y+o.Y, z+o.Z) {
						continue
					}
					m.faces++
					m.vertices = appendFace(m.vertices, x, y, z, dir)
				}
			}
		}
	}
	return m, nil
}

// Quad corner offsets per direction, wound facing outward.
var faceCorners = [6][4][3]int{
	DirNegX: {{0, 0, 0}, {0, 0, 1}, {0, 1, 1}, {0, 1, 0}},
	DirPosX: {{1, 0, 1}, {1, 0, 0}, {1, 1, 0}, {1, 1, 1}},
	DirNegY: {{0, 0, 0}, {1, 0, 0}, {1, 0, 1}, {0, 0, 1}},
	DirPosY: {{0, 1, 1}, {1, 1, 1}, {1, 1, 0}, {0, 1, 0}},
	DirNegZ: {{1, 0, 0}, {0, 0, 0}, {0, 1, 0}, {1, 1, 0}},
	DirPosZ: {{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1}},
}

func appendFace(verts []float32, x, y, z, dir int) []float32 {
	for _, corner := range faceCorners[dir] {
		verts = append(verts,
			float32(x+corner[0]),
			float32(y+corner[1]),
			float32(z+corner[2]),
		)
	}
	return verts
}
