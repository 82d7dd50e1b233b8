// Package indexdb keeps a secondary SQLite index of persisted chunks so
// tools can answer "how many chunks, how big, when last saved" without
// walking the world directory. It is strictly best-effort: index failures
// never fail the save path, and the index can always be rebuilt from the
// chunk files on disk.
package indexdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"voxelstream.dev/internal/world"
)

type reqKind int

const (
	reqSave reqKind = iota + 1
	reqDelete
)

type req struct {
	kind  reqKind
	coord world.ChunkCoord
	size  int64
	at    time.Time
}

// Index is a single-writer asynchronous chunk index. All writes funnel
// through one goroutine so SQLite never sees concurrent writers.
type Index struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// closeMu serializes channel sends against Close, so a recorder can
	// never hit the channel after it is closed.
	closeMu sync.RWMutex
	closed  bool
}

// Stats is an aggregate view over the indexed chunks.
type Stats struct {
	Chunks     int64
	TotalBytes int64
	TotalSaves int64
	LastSave   time.Time
}

func Open(path string, logger *zap.Logger) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	idx := &Index{
		db:  db,
		log: logger,
		// Buffered so a save burst from the streamer does not stall on the indexer.
		ch: make(chan req, 4096),
	}
	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		idx.loop()
	}()
	return idx, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			saved_at INTEGER NOT NULL,
			saves INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (x, y, z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_saved_at ON chunks(saved_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

// RecordSave enqueues an index update for a saved chunk. The record is
// dropped when the index is closed or the queue is full.
func (i *Index) RecordSave(coord world.ChunkCoord, size int64) {
	i.record(req{kind: reqSave, coord: coord, size: size, at: time.Now()})
}

// RecordDelete enqueues removal of a chunk's index row.
func (i *Index) RecordDelete(coord world.ChunkCoord) {
	i.record(req{kind: reqDelete, coord: coord})
}

func (i *Index) record(r req) {
	if i == nil {
		return
	}
	i.closeMu.RLock()
	defer i.closeMu.RUnlock()
	if i.closed {
		return
	}
	select {
	case i.ch <- r:
	default:
		// Drop if the indexer falls behind; chunk files remain the source of truth.
	}
}

// Stats reads the aggregate state synchronously. Intended for tools and the
// status feed, not the streaming hot path.
func (i *Index) Stats() (Stats, error) {
	if i == nil {
		return Stats{}, fmt.Errorf("nil index")
	}
	var st Stats
	var last sql.NullInt64
	row := i.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes),0), COALESCE(SUM(saves),0), MAX(saved_at) FROM chunks`)
	if err := row.Scan(&st.Chunks, &st.TotalBytes, &st.TotalSaves, &last); err != nil {
		return Stats{}, fmt.Errorf("index stats: %w", err)
	}
	if last.Valid {
		st.LastSave = time.Unix(0, last.Int64)
	}
	return st, nil
}

// Close drains pending records and closes the database.
func (i *Index) Close() error {
	if i == nil {
		return nil
	}
	var err error
	i.once.Do(func() {
		i.closeMu.Lock()
		i.closed = true
		close(i.ch)
		i.closeMu.Unlock()
		i.wg.Wait()
		err = i.db.Close()
	})
	return err
}

func (i *Index) loop() {
	upsert, _ := i.db.Prepare(`INSERT INTO chunks(x,y,z,size_bytes,saved_at,saves) VALUES(?,?,?,?,?,1)
		ON CONFLICT(x,y,z) DO UPDATE SET
			size_bytes=excluded.size_bytes,
			saved_at=excluded.saved_at,
			saves=saves+1`)
	del, _ := i.db.Prepare(`DELETE FROM chunks WHERE x=? AND y=? AND z=?`)
	defer func() {
		if upsert != nil {
			_ = upsert.Close()
		}
		if del != nil {
			_ = del.Close()
		}
	}()

	for r := range i.ch {
		switch r.kind {
		case reqSave:
			if upsert == nil {
				continue
			}
			if _, err := upsert.Exec(r.coord.X, r.coord.Y, r.coord.Z, r.size, r.at.UnixNano()); err != nil {
				i.log.Warn("chunk index write failed",
					zap.String("coord", r.coord.String()),
					zap.Error(err))
			}
		case reqDelete:
			if del == nil {
				continue
			}
			if _, err := del.Exec(r.coord.X, r.coord.Y, r.coord.Z); err != nil {
				i.log.Warn("chunk index delete failed",
					zap.String("coord", r.coord.String()),
					zap.Error(err))
			}
		}
	}
}
