// worldtool inspects and repairs a chunk world directory.
//
// Usage:
//
//	worldtool list   -world ./world
//	worldtool stats  -world ./world [-index ./world/index.db]
//	worldtool verify -world ./world
//	worldtool repair -world ./world [-coord x,y,z]
//	worldtool mirror -world ./world -endpoint https://... -bucket chunks
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"voxelstream.dev/internal/persistence/chunkstore"
	"voxelstream.dev/internal/persistence/indexdb"
	"voxelstream.dev/internal/persistence/mirror"
	"voxelstream.dev/internal/world"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	worldDir := fs.String("world", "./world", "world directory")
	indexPath := fs.String("index", "", "chunk index db path (stats only)")
	coordArg := fs.String("coord", "", "single chunk coordinate as x,y,z (repair only)")
	chunkSize := fs.Int("size", world.DefaultChunkSize, "chunk edge size in voxels")
	endpoint := fs.String("endpoint", "", "s3-compatible endpoint (mirror only)")
	bucket := fs.String("bucket", "", "bucket name (mirror only)")
	accessKey := fs.String("access", os.Getenv("VS_MIRROR_ACCESS_KEY"), "access key id (mirror only)")
	secretKey := fs.String("secret", os.Getenv("VS_MIRROR_SECRET_KEY"), "secret access key (mirror only)")
	prefix := fs.String("prefix", "", "object key prefix (mirror only)")
	_ = fs.Parse(os.Args[2:])

	store := chunkstore.New(*worldDir, zap.NewNop())

	var err error
	switch cmd {
	case "list":
		err = runList(store)
	case "stats":
		err = runStats(store, *indexPath)
	case "verify":
		err = runVerify(store, *chunkSize)
	case "repair":
		err = runRepair(store, *coordArg, *chunkSize)
	case "mirror":
		err = runMirror(*worldDir, *endpoint, *bucket, *accessKey, *secretKey, *prefix)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldtool %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: worldtool <list|stats|verify|repair|mirror> [flags]")
}

func runList(store *chunkstore.Store) error {
	coords, err := store.GetAllChunkCoords()
	if err != nil {
		return err
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })
	for _, c := range coords {
		fmt.Println(c)
	}
	fmt.Fprintf(os.Stderr, "%d chunks\n", len(coords))
	return nil
}

func runStats(store *chunkstore.Store, indexPath string) error {
	coords, err := store.GetAllChunkCoords()
	if err != nil {
		return err
	}
	size, err := store.TotalStorageSize()
	if err != nil {
		return err
	}
	fmt.Printf("chunks:       %d\n", len(coords))
	fmt.Printf("total bytes:  %d\n", size)

	if indexPath != "" {
		idx, err := indexdb.Open(indexPath, zap.NewNop())
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		st, err := idx.Stats()
		if err != nil {
			return err
		}
		fmt.Printf("indexed:      %d chunks, %d bytes, %d saves\n", st.Chunks, st.TotalBytes, st.TotalSaves)
		if !st.LastSave.IsZero() {
			fmt.Printf("last save:    %s\n", st.LastSave.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func runVerify(store *chunkstore.Store, chunkSize int) error {
	coords, err := store.GetAllChunkCoords()
	if err != nil {
		return err
	}
	bad := 0
	for _, coord := range coords {
		c := world.NewChunk(coord, chunkSize)
		if err := store.LoadChunk(coord, c); err != nil {
			if errors.Is(err, chunkstore.ErrCorrupted) {
				fmt.Printf("CORRUPT %s\n", coord)
				bad++
				continue
			}
			fmt.Printf("ERROR   %s: %v\n", coord, err)
			bad++
		}
	}
	fmt.Fprintf(os.Stderr, "%d chunks checked, %d bad\n", len(coords), bad)
	if bad > 0 {
		return fmt.Errorf("%d bad chunks", bad)
	}
	return nil
}

func runRepair(store *chunkstore.Store, coordArg string, chunkSize int) error {
	if coordArg != "" {
		coord, err := parseCoord(coordArg)
		if err != nil {
			return err
		}
		if store.RepairChunk(coord) {
			fmt.Printf("repaired %s\n", coord)
		} else {
			fmt.Printf("unrecoverable %s (file removed)\n", coord)
		}
		return nil
	}

	coords, err := store.GetAllChunkCoords()
	if err != nil {
		return err
	}
	repaired, removed := 0, 0
	for _, coord := range coords {
		c := world.NewChunk(coord, chunkSize)
		err := store.LoadChunk(coord, c)
		if err == nil || errors.Is(err, chunkstore.ErrNotFound) {
			continue
		}
		if store.RepairChunk(coord) {
			fmt.Printf("repaired %s\n", coord)
			repaired++
		} else {
			fmt.Printf("removed %s\n", coord)
			removed++
		}
	}
	fmt.Fprintf(os.Stderr, "%d repaired, %d removed\n", repaired, removed)
	return nil
}

func runMirror(worldDir, endpoint, bucket, accessKey, secretKey, prefix string) error {
	client, err := mirror.NewClient(endpoint, bucket, accessKey, secretKey)
	if err != nil {
		return err
	}
	m := mirror.New(client, worldDir, prefix, 4, 0, zap.NewNop())
	n, err := m.MirrorTree()
	if err != nil {
		return err
	}
	m.Close()
	st := m.Stats()
	fmt.Fprintf(os.Stderr, "%d files enqueued, %d uploaded, %d failed\n", n, st.UploadSuccess, st.UploadFailures)
	if st.UploadFailures > 0 {
		return fmt.Errorf("%d uploads failed", st.UploadFailures)
	}
	return nil
}

func parseCoord(s string) (world.ChunkCoord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return world.ChunkCoord{}, fmt.Errorf("coord must be x,y,z")
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return world.ChunkCoord{}, fmt.Errorf("bad coordinate %q", p)
		}
		vals[i] = v
	}
	return world.ChunkCoord{X: vals[0], Y: vals[1], Z: vals[2]}, nil
}
