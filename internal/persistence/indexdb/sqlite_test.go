package indexdb

import (
	"path/filepath"
	"sync"
	"testing"

	"voxelstream.dev/internal/world"
)

func TestRecordSaveAndStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idx.RecordSave(world.ChunkCoord{X: 1}, 100)
	idx.RecordSave(world.ChunkCoord{X: 2}, 200)
	// Re-saving the same coordinate bumps the save counter, not the row count.
	idx.RecordSave(world.ChunkCoord{X: 1}, 150)

	// Close drains the write queue.
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	st, err := idx.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Chunks != 2 {
		t.Fatalf("Chunks = %d, want 2", st.Chunks)
	}
	if st.TotalBytes != 350 {
		t.Fatalf("TotalBytes = %d, want 350", st.TotalBytes)
	}
	if st.TotalSaves != 3 {
		t.Fatalf("TotalSaves = %d, want 3", st.TotalSaves)
	}
	if st.LastSave.IsZero() {
		t.Fatal("LastSave should be set")
	}
}

func TestRecordDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx.RecordSave(world.ChunkCoord{X: 1}, 100)
	idx.RecordDelete(world.ChunkCoord{X: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	st, err := idx.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Chunks != 0 {
		t.Fatalf("Chunks = %d, want 0 after delete", st.Chunks)
	}
}

func TestClosedIndexDropsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic or block.
	idx.RecordSave(world.ChunkCoord{X: 1}, 1)
	idx.RecordDelete(world.ChunkCoord{X: 1})
	if err := idx.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}
}

func TestConcurrentRecordAndClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		path := filepath.Join(t.TempDir(), "index.db")
		idx, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for n := 0; n < 50; n++ {
					idx.RecordSave(world.ChunkCoord{X: g, Z: n}, 64)
					idx.RecordDelete(world.ChunkCoord{X: g, Z: n})
				}
			}(g)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := idx.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		}()

		// Recorders racing Close must drop silently, never panic on the
		// closed channel.
		close(start)
		wg.Wait()
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
