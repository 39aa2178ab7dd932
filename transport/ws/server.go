// Package ws serves the streaming synthesis protocol over WebSocket, plus
// health, readiness and metrics endpoints on the same listener.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/velocity-tts/velocity/transport"
)

// Config tunes the server.
type Config struct {
	Path              string        // WebSocket endpoint, default /v1/stream
	MaxStreamsPerConn int64         // concurrent requests per connection, default 4
	ReadLimit         int64         // max inbound message size in bytes, default 1 MiB
	WriteTimeout      time.Duration // per-message write deadline, default 10s
	ReadBufferSize    int
	WriteBufferSize   int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "/v1/stream",
		MaxStreamsPerConn: 4,
		ReadLimit:         1 << 20,
		WriteTimeout:      10 * time.Second,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MaxStreamsPerConn <= 0 {
		c.MaxStreamsPerConn = d.MaxStreamsPerConn
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Server upgrades connections and runs each synthesize request on the streamer.
type Server struct {
	cfg      Config
	streamer *transport.Streamer
	metrics  http.Handler
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	connectionsMu sync.RWMutex
	connections   map[string]*conn
	wg            sync.WaitGroup
}

// NewServer creates a server. metrics may be nil.
func NewServer(cfg Config, streamer *transport.Streamer, metrics http.Handler) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		streamer: streamer,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*conn),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done, then closes every connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("ws: listening on %s%s", addr, s.cfg.Path)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ws server: %w", err)
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	return nil
}

// Close cancels every stream, closes every connection and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.connectionsMu.RLock()
	for _, c := range s.connections {
		_ = c.ws.Close()
	}
	s.connectionsMu.RUnlock()
	s.wg.Wait()
}

// ActiveConnections returns the number of open WebSocket connections.
func (s *Server) ActiveConnections() int {
	s.connectionsMu.RLock()
	defer s.connectionsMu.RUnlock()
	return len(s.connections)
}

type readiness struct {
	Ready       bool    `json:"ready"`
	Engine      string  `json:"engine"`
	Tick        int     `json:"tick"`
	Queued      int     `json:"queued"`
	Active      int     `json:"active"`
	FreeBlocks  int     `json:"free_blocks"`
	Utilization float64 `json:"utilization"`
	Connections int     `json:"connections"`
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.streamer.Engine.Stats()
	body, err := sonic.Marshal(readiness{
		Ready:       !st.Stopped,
		Engine:      st.Name,
		Tick:        st.Tick,
		Queued:      st.Queued,
		Active:      st.Active,
		FreeBlocks:  st.FreeBlocks,
		Utilization: st.Utilization,
		Connections: s.ActiveConnections(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if st.Stopped {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write(body)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("ws: failed to upgrade connection: %v", err)
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)

	c := newConn(s, uuid.NewString(), ws)
	s.connectionsMu.Lock()
	s.connections[c.id] = c
	s.connectionsMu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.connectionsMu.Lock()
		delete(s.connections, c.id)
		s.connectionsMu.Unlock()
		s.wg.Done()
	}()

	logrus.Debugf("ws: connection %s opened from %s", c.id, r.RemoteAddr)
	c.serve()
	logrus.Debugf("ws: connection %s closed", c.id)
}
