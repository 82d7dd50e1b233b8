package mirror

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestNormalizeObjectKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"chunks/0.0/c.0.0.0.chunk", "chunks/0.0/c.0.0.0.chunk"},
		{"/chunks/a.chunk", "chunks/a.chunk"},
		{"chunks\\0.0\\c.1.2.3.chunk", "chunks/0.0/c.1.2.3.chunk"},
		{"chunks//a//b.chunk", "chunks/a/b.chunk"},
		{"../etc/passwd", ""},
		{"", ""},
		{"   ", ""},
	}
	for _, tc := range cases {
		if got := normalizeObjectKey(tc.in); got != tc.want {
			t.Errorf("normalizeObjectKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestObjectKey(t *testing.T) {
	root := t.TempDir()
	chunkPath := filepath.Join(root, "chunks", "0.0", "c.1.2.3.chunk")
	if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(chunkPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := &Mirror{worldRoot: root}
	key, err := m.objectKey(chunkPath)
	if err != nil {
		t.Fatalf("objectKey: %v", err)
	}
	if key != "chunks/0.0/c.1.2.3.chunk" {
		t.Fatalf("key = %q, want chunks/0.0/c.1.2.3.chunk", key)
	}

	m.prefix = "backup/world1"
	key, err = m.objectKey(chunkPath)
	if err != nil {
		t.Fatalf("objectKey with prefix: %v", err)
	}
	if key != "backup/world1/chunks/0.0/c.1.2.3.chunk" {
		t.Fatalf("prefixed key = %q", key)
	}

	if _, err := m.objectKey(filepath.Join(root, "missing.chunk")); err == nil {
		t.Fatal("expected error for missing file")
	}
	outside := filepath.Join(t.TempDir(), "c.chunk")
	if err := os.WriteFile(outside, []byte("x"), 0o644); err != nil {
		t.Fatalf("write outside: %v", err)
	}
	if _, err := m.objectKey(outside); err == nil {
		t.Fatal("expected error for path outside world root")
	}
}

func TestPutFileSignsRequest(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  []byte
		gotAuth  string
		gotSHA   string
		gotDate  string
		gotCType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		gotAuth = r.Header.Get("Authorization")
		gotSHA = r.Header.Get("x-amz-content-sha256")
		gotDate = r.Header.Get("x-amz-date")
		gotCType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	local := filepath.Join(t.TempDir(), "c.0.0.0.chunk")
	payload := []byte("VXSC fake chunk payload")
	if err := os.WriteFile(local, payload, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := client.PutFile(context.Background(), "chunks/0.0/c.0.0.0.chunk", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/worlds/chunks/0.0/c.0.0.0.chunk" {
		t.Fatalf("request path = %q", gotPath)
	}
	if string(gotBody) != string(payload) {
		t.Fatalf("body = %q, want %q", gotBody, payload)
	}
	if gotSHA != sha256Hex(payload) {
		t.Fatalf("x-amz-content-sha256 = %q, want payload hash", gotSHA)
	}
	if gotDate == "" {
		t.Fatal("missing x-amz-date")
	}
	if gotCType != "application/octet-stream" {
		t.Fatalf("content type = %q", gotCType)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/") {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if !strings.Contains(gotAuth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date") {
		t.Fatalf("authorization missing signed headers: %q", gotAuth)
	}
	if !strings.Contains(gotAuth, "Signature=") {
		t.Fatalf("authorization missing signature: %q", gotAuth)
	}
}

func TestPutFileClientErrorFailsFast(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "access denied", http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	local := filepath.Join(t.TempDir(), "c.chunk")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = client.PutFile(context.Background(), "c.chunk", local)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
	// A rejected request stays rejected; retrying it only burns quota.
	if n := attempts.Load(); n != 1 {
		t.Fatalf("403 retried %d times, want a single attempt", n)
	}
}

func TestPutFileRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	local := filepath.Join(t.TempDir(), "c.chunk")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := client.PutFile(context.Background(), "c.chunk", local); err != nil {
		t.Fatalf("PutFile should survive transient 503s: %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Fatalf("attempts = %d, want 3", n)
	}
}

func TestPutFileStopsRetryingWhenContextCanceled(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	local := filepath.Join(t.TempDir(), "c.chunk")
	if err := os.WriteFile(local, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.PutFile(ctx, "c.chunk", local); err == nil {
		t.Fatal("expected error with canceled context")
	}
	// One attempt goes out, the backoff sees the canceled context and stops.
	if n := attempts.Load(); n > 1 {
		t.Fatalf("attempts = %d after cancel, want at most 1", n)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient("", "b", "a", "s"); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := NewClient("example.com", "b", "", "s"); err == nil {
		t.Fatal("expected error for empty access key")
	}
	c, err := NewClient("example.com", "b", "a", "s")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.endpoint != "https://example.com" {
		t.Fatalf("endpoint = %q, want https scheme default", c.endpoint)
	}
}

func TestMirrorTreeUploads(t *testing.T) {
	root := t.TempDir()
	files := []string{
		filepath.Join("chunks", "0.0", "c.0.0.0.chunk"),
		filepath.Join("chunks", "0.0", "c.1.0.0.chunk"),
		filepath.Join("chunks", "0.-1", "c.2.3.-1.chunk"),
	}
	for _, f := range files {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("chunk "+f), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Non-chunk junk must be skipped.
	if err := os.WriteFile(filepath.Join(root, "chunks", "0.0", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	m := New(client, root, "", 2, 16, zap.NewNop())

	n, err := m.MirrorTree()
	if err != nil {
		t.Fatalf("MirrorTree: %v", err)
	}
	if n != 3 {
		t.Fatalf("enqueued %d files, want 3", n)
	}
	m.Close()

	st := m.Stats()
	if st.UploadSuccess != 3 || st.UploadFailures != 0 {
		t.Fatalf("stats = %+v, want 3 successes", st)
	}

	mu.Lock()
	defer mu.Unlock()
	want := map[string]bool{
		"/worlds/chunks/0.0/c.0.0.0.chunk":   true,
		"/worlds/chunks/0.0/c.1.0.0.chunk":   true,
		"/worlds/chunks/0.-1/c.2.3.-1.chunk": true,
	}
	for _, k := range keys {
		if !want[k] {
			t.Fatalf("unexpected upload key %s", k)
		}
		delete(want, k)
	}
	if len(want) != 0 {
		t.Fatalf("missing uploads: %v", want)
	}
}

func TestEnqueueVanishedFileSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "worlds", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	root := t.TempDir()
	m := New(client, root, "", 1, 4, zap.NewNop())
	m.Enqueue(filepath.Join(root, "chunks", "0.0", "c.9.9.9.chunk"))
	m.Close()

	st := m.Stats()
	if st.UploadSuccess != 0 || st.UploadFailures != 0 {
		t.Fatalf("stats = %+v, vanished file should be neither success nor failure", st)
	}
	if st.Enqueued != 1 {
		t.Fatalf("enqueued = %d, want 1", st.Enqueued)
	}
}
