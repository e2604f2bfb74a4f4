package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric/cluster"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Deps are the components the routes are served from. Hub and Fabric are
// required; the rest are optional.
type Deps struct {
	Hub    *mesh.Hub
	Fabric fabric.Fabric
	// Signaling serves the WebSocket endpoint at signaling.Path.
	Signaling http.Handler
	Metrics   *metrics.Metrics
	// TURN mints per-request TURN credentials for /webrtc/ice.
	TURN *turnrest.Issuer
	// FabricApply receives commands forwarded by cluster followers.
	FabricApply http.Handler
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	deps   Deps
	policy origin.Policy

	ready atomic.Bool

	router chi.Router
	srv    *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	policy, _ := origin.NewPolicy(cfg.AllowedOrigins)
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		deps:   deps,
		policy: policy,
		router: chi.NewRouter(),
	}

	s.router.Use(
		recoverMiddleware(s.log),
		middleware.RequestID,
		requestIDHeader,
		requestLoggerMiddleware(s.log),
	)
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		// Other timeouts stay zero: signaling connections are long-lived.
	}

	return s
}

// Handler returns the routed handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

// Shutdown stops accepting requests. Hijacked signaling connections are not
// tracked by net/http and must be closed through the signaling server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Metrics))

	r.Group(func(r chi.Router) {
		r.Use(s.originMiddleware, middleware.NoCache)
		for path, h := range map[string]http.HandlerFunc{
			"/webrtc/ice": s.handleICE,
			"/mesh/peers": s.handlePeers,
		} {
			r.Get(path, h)
			// Preflights are answered by originMiddleware.
			r.Options(path, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
	})

	if s.deps.Signaling != nil {
		// The signaling server answers non-GET methods and origin failures
		// itself.
		r.Handle(signaling.Path, s.deps.Signaling)
	}
	if s.deps.FabricApply != nil {
		r.Handle(cluster.ApplyPath, s.deps.FabricApply)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if s.deps.Fabric != nil {
		if err := s.deps.Fabric.Healthy(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
		return
	}

	creds, err := s.deps.TURN.Issue("")
	if err != nil {
		s.log.Error("issue turn credentials", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "turn credentials unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"iceServers": turnrest.Apply(servers, creds),
		"expiresAt":  creds.ExpiresAt,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "mesh not configured"})
		return
	}
	st, err := s.deps.Hub.Stats(r.Context())
	if err != nil {
		s.log.Warn("mesh stats", "err", err)
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": mesh.ErrUnavailable.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDHeader echoes the id chosen by middleware.RequestID.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			switch {
			case status != 0:
			case websocket.IsWebSocketUpgrade(r):
				// Upgraded connections never call WriteHeader on the wrapper.
				status = http.StatusSwitchingProtocols
			default:
				status = http.StatusOK
			}
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
