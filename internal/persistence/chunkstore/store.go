// Package chunkstore persists one chunk per file beneath a world directory,
// grouped into fixed-size coordinate regions so no single directory
// accumulates an unbounded number of files.
package chunkstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"voxelstream.dev/internal/world"
)

const (
	// RegionSize is the chunk-count edge of one on-disk region directory.
	RegionSize = 32

	fileVersion = 1

	codecRaw  = 0
	codecZstd = 1

	defaultCompressionLevel = 6
	defaultMetadataCap      = 1000
)

// fileMagic opens every chunk file.
var fileMagic = [4]byte{'V', 'X', 'S', 'C'}

var (
	// ErrNotFound means no persisted data exists for the coordinate.
	ErrNotFound = errors.New("chunk not found")
	// ErrCorrupted means the file exists but failed header or payload validation.
	ErrCorrupted = errors.New("chunk file corrupted")
)

// Store reads and writes chunk files under a world root.
type Store struct {
	root string
	log  *zap.Logger

	levelMu sync.Mutex
	level   int

	meta *metadataCache

	pendMu  sync.Mutex
	pending map[world.ChunkCoord]struct{}

	hookMu    sync.Mutex
	afterSave func(coord world.ChunkCoord, path string)
}

func New(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:    root,
		log:     logger,
		level:   defaultCompressionLevel,
		meta:    newMetadataCache(defaultMetadataCap),
		pending: make(map[world.ChunkCoord]struct{}),
	}
}

func (s *Store) Root() string { return s.root }

func (s *Store) Name() string           { return "chunkstore" }
func (s *Store) Dependencies() []string { return nil }
func (s *Store) Update(dt float64)      {}
func (s *Store) Shutdown() error        { return s.Flush() }

// Initialize creates the on-disk skeleton: the world root, the chunks
// subtree, and the regions subtree reserved for consolidated region files.
func (s *Store) Initialize() error {
	for _, dir := range []string{s.root, filepath.Join(s.root, "chunks"), filepath.Join(s.root, "regions")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create world directory %s: %w", dir, err)
		}
	}
	s.log.Info("chunk store initialized", zap.String("root", s.root))
	return nil
}

// SetCompressionLevel clamps level to 0..9; 0 disables compression.
func (s *Store) SetCompressionLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 9 {
		level = 9
	}
	s.levelMu.Lock()
	s.level = level
	s.levelMu.Unlock()
}

// SetMetadataCacheSize bounds the metadata cache entry count.
func (s *Store) SetMetadataCacheSize(n int) {
	s.meta.setCap(n)
}

// SetAfterSave registers a hook invoked after each successful chunk write,
// used for off-site mirroring. The hook must not block.
func (s *Store) SetAfterSave(fn func(coord world.ChunkCoord, path string)) {
	s.hookMu.Lock()
	s.afterSave = fn
	s.hookMu.Unlock()
}

func (s *Store) compressionLevel() int {
	s.levelMu.Lock()
	defer s.levelMu.Unlock()
	return s.level
}

func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 3:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 8:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// SaveChunk serializes the chunk to its file path. The previous file version,
// if any, becomes the .bak sibling used by RepairChunk. The metadata cache
// entry is refreshed on success.
func (s *Store) SaveChunk(c *world.Chunk) error {
	coord := c.Coord()
	path := s.chunkPath(coord)

	s.pendMu.Lock()
	s.pending[coord] = struct{}{}
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		delete(s.pending, coord)
		s.pendMu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create region directory: %w", err)
	}

	var payload bytes.Buffer
	if err := c.Serialize(&payload); err != nil {
		return fmt.Errorf("serialize chunk %s: %w", coord, err)
	}

	level := s.compressionLevel()
	var file bytes.Buffer
	file.Write(fileMagic[:])
	writeUint32(&file, fileVersion)
	if level == 0 {
		file.WriteByte(codecRaw)
		file.Write(payload.Bytes())
	} else {
		file.WriteByte(codecZstd)
		enc, err := zstd.NewWriter(&file, zstd.WithEncoderLevel(encoderLevel(level)))
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := enc.Write(payload.Bytes()); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compress chunk %s: %w", coord, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("compress chunk %s: %w", coord, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, file.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write chunk file: %w", err)
	}
	// Keep the previous version as the repair source.
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".bak")
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit chunk file: %w", err)
	}

	if fi, err := os.Stat(path); err == nil {
		s.meta.put(coord, Metadata{LastModified: fi.ModTime(), Size: fi.Size()})
	}

	s.hookMu.Lock()
	hook := s.afterSave
	s.hookMu.Unlock()
	if hook != nil {
		hook(coord, path)
	}
	return nil
}

// LoadChunk populates the chunk from its file. ErrNotFound when no file
// exists; ErrCorrupted when the header or payload fails validation.
func (s *Store) LoadChunk(coord world.ChunkCoord, c *world.Chunk) error {
	path := s.chunkPath(coord)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read chunk file: %w", err)
	}

	payload, err := decodeFile(raw)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", coord, err)
	}
	if err := c.Deserialize(bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("chunk %s: %w: %v", coord, ErrCorrupted, err)
	}

	if fi, err := os.Stat(path); err == nil {
		s.meta.put(coord, Metadata{LastModified: fi.ModTime(), Size: fi.Size()})
	}
	return nil
}

// decodeFile validates the header and returns the uncompressed payload.
func decodeFile(raw []byte) ([]byte, error) {
	if len(raw) < 9 {
		return nil, fmt.Errorf("%w: short file", ErrCorrupted)
	}
	if !bytes.Equal(raw[:4], fileMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	version := readUint32(raw[4:8])
	if version == 0 || version > fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupted, version)
	}
	codec := raw[8]
	body := raw[9:]
	switch codec {
	case codecRaw:
		return body, nil
	case codecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		defer dec.Close()
		payload, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupted, codec)
	}
}

// ChunkExists reports whether a chunk file is present on disk.
func (s *Store) ChunkExists(coord world.ChunkCoord) bool {
	_, err := os.Stat(s.chunkPath(coord))
	return err == nil
}

// DeleteChunk removes the chunk file along with its cache and pending-write
// bookkeeping. Deleting a missing file succeeds.
func (s *Store) DeleteChunk(coord world.ChunkCoord) error {
	path := s.chunkPath(coord)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete chunk file: %w", err)
	}
	_ = os.Remove(path + ".bak")
	s.meta.evict(coord)
	s.pendMu.Lock()
	delete(s.pending, coord)
	s.pendMu.Unlock()
	return nil
}

// GetChunkMetadata answers from the cache when possible, otherwise stats the
// file and backfills the cache.
func (s *Store) GetChunkMetadata(coord world.ChunkCoord) (Metadata, bool) {
	if m, ok := s.meta.get(coord); ok {
		return m, true
	}
	fi, err := os.Stat(s.chunkPath(coord))
	if err != nil {
		return Metadata{}, false
	}
	m := Metadata{LastModified: fi.ModTime(), Size: fi.Size()}
	s.meta.put(coord, m)
	return m, true
}

// RepairChunk validates the chunk file, restoring from the .bak sibling when
// the primary is invalid. A file that cannot be restored is deleted; the
// coordinate is then indistinguishable from one that never existed. Returns
// true when a valid file is present afterward.
func (s *Store) RepairChunk(coord world.ChunkCoord) bool {
	path := s.chunkPath(coord)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if s.isValidChunkFile(path) {
		return true
	}

	backup := path + ".bak"
	if _, err := os.Stat(backup); err == nil {
		if err := copyFile(backup, path); err == nil && s.isValidChunkFile(path) {
			s.meta.evict(coord)
			s.log.Info("repaired chunk file from backup", zap.String("path", path))
			return true
		}
	}

	_ = os.Remove(path)
	s.meta.evict(coord)
	s.log.Warn("deleted corrupted chunk file", zap.String("path", path))
	return false
}

func (s *Store) isValidChunkFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var hdr [9]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return false
	}
	if !bytes.Equal(hdr[:4], fileMagic[:]) {
		return false
	}
	version := readUint32(hdr[4:8])
	return version > 0 && version <= fileVersion
}

// GetAllChunkCoords walks the chunks subtree and recovers coordinates from
// the c.<x>.<y>.<z>.chunk filename convention. Unparseable names are skipped
// with a warning. Intended for tools, not the streaming hot path.
func (s *Store) GetAllChunkCoords() ([]world.ChunkCoord, error) {
	chunksDir := filepath.Join(s.root, "chunks")
	var coords []world.ChunkCoord
	err := filepath.WalkDir(chunksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".chunk") {
			return nil
		}
		coord, ok := parseChunkFilename(d.Name())
		if !ok {
			s.log.Warn("invalid chunk filename", zap.String("name", d.Name()))
			return nil
		}
		coords = append(coords, coord)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}
	return coords, nil
}

// TotalStorageSize sums the size of every chunk file under the world root.
func (s *Store) TotalStorageSize() (int64, error) {
	chunksDir := filepath.Join(s.root, "chunks")
	var total int64
	err := filepath.WalkDir(chunksDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".chunk") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan chunks: %w", err)
	}
	return total, nil
}

// ForEachChunkInRegion calls fn for every persisted coordinate in the
// inclusive [min, max] box. fn returning false stops the iteration.
func (s *Store) ForEachChunkInRegion(min, max world.ChunkCoord, fn func(world.ChunkCoord) bool) {
	for x := min.X; x <= max.X; x++ {
		for y := min.Y; y <= max.Y; y++ {
			for z := min.Z; z <= max.Z; z++ {
				coord := world.ChunkCoord{X: x, Y: y, Z: z}
				if !s.ChunkExists(coord) {
					continue
				}
				if !fn(coord) {
					return
				}
			}
		}
	}
}

// Flush is a hook for a future write buffer; writes are currently synchronous.
func (s *Store) Flush() error { return nil }

// regionIndex maps a chunk axis value to its region index, rounding toward
// the negative region for negative coordinates.
func regionIndex(v int) int {
	if v < 0 {
		return (v - RegionSize + 1) / RegionSize
	}
	return v / RegionSize
}

func (s *Store) chunkPath(coord world.ChunkCoord) string {
	rx := regionIndex(coord.X)
	rz := regionIndex(coord.Z)
	dir := filepath.Join(s.root, "chunks", strconv.Itoa(rx)+"."+strconv.Itoa(rz))
	name := fmt.Sprintf("c.%d.%d.%d.chunk", coord.X, coord.Y, coord.Z)
	return filepath.Join(dir, name)
}

// regionPath is the reserved consolidated region file path for a coordinate.
func (s *Store) regionPath(coord world.ChunkCoord) string {
	rx := regionIndex(coord.X)
	rz := regionIndex(coord.Z)
	return filepath.Join(s.root, "regions", fmt.Sprintf("r.%d.%d.region", rx, rz))
}

func parseChunkFilename(name string) (world.ChunkCoord, bool) {
	// c.<x>.<y>.<z>.chunk
	parts := strings.Split(name, ".")
	if len(parts) != 5 || parts[0] != "c" || parts[4] != "chunk" {
		return world.ChunkCoord{}, false
	}
	x, err1 := strconv.Atoi(parts[1])
	y, err2 := strconv.Atoi(parts[2])
	z, err3 := strconv.Atoi(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return world.ChunkCoord{}, false
	}
	return world.ChunkCoord{X: x, Y: y, Z: z}, true
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0o644)
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
