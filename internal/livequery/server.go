package livequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"launchpad/internal/domain"
	"launchpad/internal/subscription"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	defaultPath            = "/graphql-ws"
	defaultPingInterval    = 30 * time.Second
	defaultMaxSubs         = 64
	defaultShutdownTimeout = 10 * time.Second
	maxSignalBody          = 1 << 20
)

// Bus is the notification bus as seen by the server.
type Bus interface {
	domain.Notifier
	Names() []string
}

// Config configures the live-query server.
type Config struct {
	Host                    string
	Port                    int
	Path                    string        // websocket endpoint (default: /graphql-ws)
	PingInterval            time.Duration // websocket keepalive (default: 30s)
	MaxSubscriptionsPerConn int           // default: 64
	AllowedOrigins          []string      // empty = allow all
	ShutdownTimeout         time.Duration // default: 10s

	Bus     Bus
	Manager *subscription.Manager

	// Mounts are extra handlers served on the same listener, keyed by path
	// (output channels, /metrics).
	Mounts map[string]http.Handler

	Logger *slog.Logger
}

// Server exposes subscriptions over websocket and SSE.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	router   chi.Router
	logger   *slog.Logger
	started  time.Time

	conns atomic.Int64
}

func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxSubscriptionsPerConn <= 0 {
		cfg.MaxSubscriptionsPerConn = defaultMaxSubs
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Manager == nil {
		cfg.Manager = subscription.NewManager(cfg.Bus, cfg.Logger)
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		started: time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get(s.cfg.Path, s.handleWebSocket)
	r.Get("/events/{event}", s.handleSSE)
	r.Post("/api/signal/{event}", s.handleSignal)
	r.Get("/api/events", s.handleEvents)
	r.Get("/status", s.handleStatus)

	for path, h := range s.cfg.Mounts {
		r.Handle(path, h)
	}
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Manager returns the subscription manager used by the server.
func (s *Server) Manager() *subscription.Manager { return s.cfg.Manager }

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int { return int(s.conns.Load()) }

// Start listens on Host:Port and serves until ctx is done, then shuts down
// gracefully and cancels every subscription it opened.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("live-query server started",
		"addr", "http://"+ln.Addr().String(),
		"path", s.cfg.Path,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Releasing every subscription unblocks the pumps of hijacked websocket
	// connections and SSE streams, which Shutdown does not track.
	s.cfg.Manager.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("live-query shutdown: %w", err)
	}
	s.logger.Info("live-query server stopped")
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}
