package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Stats is a point-in-time view of the upload pipeline.
type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	Enqueued       uint64
	Dropped        uint64
	UploadSuccess  uint64
	UploadFailures uint64
}

// Mirror ships chunk files from the world directory to the bucket. Chunk
// saves enqueue their file path; a small worker pool uploads with retry.
// When the queue is saturated the newest path is dropped after a short
// bounded wait, never stalling the save path.
type Mirror struct {
	client    *Client
	worldRoot string
	prefix    string
	log       *zap.Logger

	jobs        chan string
	enqueueWait time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
}

func New(client *Client, worldRoot, prefix string, workers, queueCapacity int, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 2048
	}
	m := &Mirror{
		client:      client,
		worldRoot:   worldRoot,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         logger,
		jobs:        make(chan string, queueCapacity),
		enqueueWait: 25 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

// Enqueue schedules one chunk file for upload. Safe to call from the save
// path; bounded wait, then drop.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueued.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		m.dropped.Add(1)
		m.log.Warn("mirror queue saturated, dropping upload", zap.String("path", localPath))
	}
}

// MirrorTree enqueues every chunk file under the world root. Used by the
// tool for a full re-sync.
func (m *Mirror) MirrorTree() (int, error) {
	chunksDir := filepath.Join(m.worldRoot, "chunks")
	n := 0
	err := filepath.WalkDir(chunksDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".chunk") {
			return nil
		}
		m.Enqueue(p)
		n++
		return nil
	})
	return n, err
}

// Close drains the queue and stops the workers.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		close(m.jobs)
		m.wg.Wait()
	})
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		Enqueued:       m.enqueued.Load(),
		Dropped:        m.dropped.Load(),
		UploadSuccess:  m.successes.Load(),
		UploadFailures: m.failures.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		// A save followed by an unload-delete can race; a vanished file is
		// not an upload failure.
		m.log.Debug("mirror skip", zap.String("path", localPath), zap.Error(err))
		return
	}

	// The client retries transient failures itself; the deadline bounds the
	// whole attempt sequence.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := m.client.PutFile(ctx, key, localPath); err != nil {
		m.failures.Add(1)
		m.log.Warn("mirror upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	m.successes.Add(1)
	m.log.Debug("mirror uploaded", zap.String("key", key))
}

// objectKey maps a local chunk file to its bucket key, relative to the
// world root with the optional prefix prepended.
func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.worldRoot)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside world root %s", absLocal, absBase)
	}

	if m.prefix != "" {
		return path.Join(m.prefix, rel), nil
	}
	return rel, nil
}
