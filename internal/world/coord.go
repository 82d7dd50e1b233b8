package world

import (
	"fmt"
	"math"
)

// Direction indices for chunk neighbors. Opposite directions differ in the
// lowest bit, so the opposite of dir is always dir^1.
const (
	DirNegX = 0
	DirPosX = 1
	DirNegY = 2
	DirPosY = 3
	DirNegZ = 4
	DirPosZ = 5
)

var dirOffsets = [6]ChunkCoord{
	{X: -1}, {X: 1},
	{Y: -1}, {Y: 1},
	{Z: -1}, {Z: 1},
}

// ChunkCoord identifies a chunk in chunk-space (not world units).
type ChunkCoord struct {
	X, Y, Z int
}

func (c ChunkCoord) Add(o ChunkCoord) ChunkCoord {
	return ChunkCoord{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
}

func (c ChunkCoord) Sub(o ChunkCoord) ChunkCoord {
	return ChunkCoord{X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z}
}

// Neighbor returns the coordinate adjacent to c in the given direction index.
func (c ChunkCoord) Neighbor(dir int) ChunkCoord {
	return c.Add(dirOffsets[dir])
}

// Less is a total order over coordinates, for sorted listings.
func (c ChunkCoord) Less(o ChunkCoord) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.Z < o.Z
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// CoordFromWorld returns the chunk coordinate containing a world position.
func CoordFromWorld(pos Vec3, chunkSize int) ChunkCoord {
	s := float64(chunkSize)
	return ChunkCoord{
		X: int(math.Floor(pos.X / s)),
		Y: int(math.Floor(pos.Y / s)),
		Z: int(math.Floor(pos.Z / s)),
	}
}

// Center returns the world-space center of the chunk cell.
func (c ChunkCoord) Center(chunkSize int) Vec3 {
	s := float64(chunkSize)
	return Vec3{
		X: (float64(c.X) + 0.5) * s,
		Y: (float64(c.Y) + 0.5) * s,
		Z: (float64(c.Z) + 0.5) * s,
	}
}

// Origin returns the world-space minimum corner of the chunk cell.
func (c ChunkCoord) Origin(chunkSize int) Vec3 {
	s := float64(chunkSize)
	return Vec3{X: float64(c.X) * s, Y: float64(c.Y) * s, Z: float64(c.Z) * s}
}

// Vec3 is a position in world units.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

func (v Vec3) DistanceTo(o Vec3) float64 {
	return v.Sub(o).Length()
}
