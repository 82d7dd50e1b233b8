// Package status serves a read-only websocket feed of streaming statistics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelstream.dev/internal/stream"
)

const broadcastInterval = time.Second

// Server pushes a JSON stats snapshot to every connected client once per
// second. Clients that cannot keep up are dropped.
type Server struct {
	streamer *stream.Streamer
	log      *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte

	httpSrv *http.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewServer(s *stream.Streamer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		streamer: s,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// Start begins listening on addr and broadcasting snapshots. An empty addr
// disables the feed.
func (s *Server) Start(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.broadcastLoop(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", zap.Error(err))
		}
	}()
	s.log.Info("status feed listening", zap.String("addr", addr))
	return nil
}

// Stop shuts the listener down and disconnects all clients.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)

	s.mu.Lock()
	for conn, ch := range s.clients {
		close(ch)
		_ = conn.Close()
		delete(s.clients, conn)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleStatus(rw http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	out := make(chan []byte, 8)
	s.mu.Lock()
	s.clients[conn] = out
	s.mu.Unlock()

	// Writer goroutine; the reader loop below only consumes control frames.
	go func() {
		defer conn.Close()
		for b := range out {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.drop(conn)
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.drop(conn)
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if ch, ok := s.clients[conn]; ok {
		close(ch)
		delete(s.clients, conn)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := json.Marshal(s.streamer.Snapshot())
			if err != nil {
				continue
			}
			s.mu.Lock()
			for conn, ch := range s.clients {
				select {
				case ch <- b:
				default:
					// Slow client; closing the channel stops its writer.
					close(ch)
					delete(s.clients, conn)
					_ = conn.Close()
				}
			}
			s.mu.Unlock()
		}
	}
}
