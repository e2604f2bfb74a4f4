package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ratelimit"
)

// Path is where the signaling endpoint is mounted.
const Path = "/mesh/signal"

const (
	wsWriteWait    = 1 * time.Second
	wsDrainWait    = 2 * time.Second
	closeGoingAway = "server shutting down"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second
	DefaultJoinTimeout          = 10 * time.Second
	DefaultSendQueueMessages    = 256
)

type Config struct {
	Hub    *mesh.Hub
	Origin origin.Policy

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	// IdleTimeout closes a connection that has sent nothing, pongs included,
	// for this long. PingInterval should be well below it.
	IdleTimeout  time.Duration
	PingInterval time.Duration
	// JoinTimeout bounds the time between upgrade and a successful join.
	JoinTimeout       time.Duration
	SendQueueMessages int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Clock drives the per-connection rate limiter. Nil means wall time.
	Clock ratelimit.Clock
}

// Server upgrades requests to signaling WebSockets and attaches each one to
// the hub.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	conns  map[*wsConn]struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.SendQueueMessages <= 0 {
		cfg.SendQueueMessages = DefaultSendQueueMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := cfg.Origin.Check(r)
			return ok
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	c := newWSConn(s, conn, r.RemoteAddr)
	id, err := s.cfg.Hub.Attach(c)
	if err != nil {
		code := CodeUnavailable
		if errors.Is(err, mesh.ErrTooManyPeers) {
			code = CodeTooManyPeers
		}
		s.cfg.Metrics.ProtocolError(code)
		c.rejectAndClose(code, err.Error(), websocket.CloseTryAgainLater, "too many peers")
		return
	}
	c.id = id
	c.log = c.log.With("conn_id", id)

	if !s.track(c) {
		s.cfg.Hub.Disconnect(context.WithoutCancel(r.Context()), id)
		c.rejectAndClose(CodeUnavailable, "server shutting down", websocket.CloseGoingAway, closeGoingAway)
		return
	}
	defer s.untrack(c)

	c.run(r.Context())
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Connections returns the number of live signaling sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections and closes every open one with
// CloseGoingAway. It waits for their teardown until ctx is done.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.abort(websocket.CloseGoingAway, closeGoingAway)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
