package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/movebroker/movebroker/pkg/broker"
	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/logging"
	"github.com/movebroker/movebroker/pkg/metrics"
	"github.com/movebroker/movebroker/pkg/protocol"
	"github.com/movebroker/movebroker/pkg/ratelimit"
	"github.com/movebroker/movebroker/pkg/validation"
)

// Broker is what the handlers need from *broker.Broker.
type Broker interface {
	Evaluate(ctx context.Context, req protocol.Request) (protocol.Result, error)
	Ready() bool
	Status() broker.Status
	Restart(ctx context.Context) error
}

// Server is the HTTP front end of the broker.
type Server struct {
	cfg      config.ServerConfig
	maxDepth int
	broker   Broker
	log      *slog.Logger
	registry *metrics.Registry

	moveSchema *validation.Validator
	wsSchema   *validation.Validator
	limiter    *ratelimit.Limiter
	static     http.Handler
	handler    http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	running    bool
	startTime  time.Time
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithLogger sets the operational logger for the server.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithRegistry sets the registry served on /metrics. The default registry
// is initialized and used otherwise.
func WithRegistry(r *metrics.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithMaxDepth sets the deepest search a request may ask for.
func WithMaxDepth(depth int) Option {
	return func(s *Server) {
		s.maxDepth = depth
	}
}

// New builds a server in front of b. The listener is not opened until Start.
func New(cfg config.ServerConfig, b Broker, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		maxDepth: config.DefaultEngine().MaxDepth,
		broker:   b,
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = metrics.Init()
	}

	var err error
	if s.moveSchema, err = validation.NewMoveValidator(s.maxDepth, false); err != nil {
		return nil, err
	}
	if s.wsSchema, err = validation.NewMoveValidator(s.maxDepth, true); err != nil {
		return nil, err
	}

	if s.static, err = newStatic(cfg.StaticDir, cfg.StaticExclude, s.log); err != nil {
		return nil, err
	}

	if cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(ratelimit.Config{
			Rate:           cfg.RateLimit,
			Burst:          cfg.RateBurst,
			TrustedProxies: cfg.TrustedProxies,
		})
	}

	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start opens the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("server is already running")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.running = true
	s.startTime = time.Now()
	s.log.Info("HTTP server started", "addr", ln.Addr().String(), "static_dir", s.cfg.StaticDir)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down. In-flight requests get until
// ctx is done to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limiter != nil {
		s.limiter.Stop()
	}
	if !s.running {
		return nil
	}
	s.running = false

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	s.log.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Uptime returns how long the server has been serving.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}
