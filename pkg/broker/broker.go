package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/notnil/chess"

	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/engine"
	"github.com/movebroker/movebroker/pkg/logging"
	"github.com/movebroker/movebroker/pkg/protocol"
)

// Broker is the entry point for evaluations. It owns the current engine
// session (persistent mode) or the per-call runner (one-shot mode).
type Broker struct {
	cfg     config.EngineConfig
	log     *slog.Logger
	oneShot *oneShot

	mu       sync.Mutex
	session  *Session
	ever     bool // a session was installed at least once
	started  bool
	closed   bool
	lastErr  error
	restarts int

	// restartMu serializes Restart and lazy starts.
	restartMu sync.Mutex
	restartCh chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) {
		if log != nil {
			b.log = log
		}
	}
}

// New creates a broker for cfg. Nothing is started until Start.
func New(cfg config.EngineConfig, opts ...Option) *Broker {
	b := &Broker{
		cfg:       cfg,
		log:       logging.Nop(),
		restartCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.Mode == config.ModeOneShot {
		b.oneShot = newOneShot(cfg, b.log)
	}
	return b
}

// Start prepares the broker. In persistent mode it launches the engine
// unless lazy start is configured.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrClosed
	case b.started:
		b.mu.Unlock()
		return engine.ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	if b.oneShot != nil {
		if _, err := b.oneShot.check(); err != nil {
			b.setErr(err)
			return err
		}
		setEngineUp(true)
		b.log.Info("engine ready", "mode", b.cfg.Mode, "path", b.cfg.Path)
		return nil
	}

	if !b.cfg.Lazy {
		b.restartMu.Lock()
		s, err := b.spawn(ctx)
		if err == nil {
			b.install(s, false)
		}
		b.restartMu.Unlock()
		if err != nil {
			b.setErr(err)
			return err
		}
	}

	if b.cfg.AutoRestart {
		sctx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.supervise(sctx)
		}()
	}
	return nil
}

// Evaluate asks the engine for the best move in req. Invalid requests fail
// with ErrInvalidRequest before the engine is involved. Failed calls are
// never retried.
func (b *Broker) Evaluate(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	start := time.Now()
	res, err := b.evaluate(ctx, req)
	elapsed := time.Since(start)
	recordEvaluation(string(b.cfg.Mode), err, elapsed)

	switch {
	case err == nil:
		b.log.Debug("evaluation done", "move", res.Move, "evaluation", res.Score, "duration", elapsed)
	case errors.Is(err, ErrInvalidRequest):
		b.log.Debug("evaluation rejected", "error", err)
	default:
		b.log.Warn("evaluation failed", "code", Code(err), "error", err, "duration", elapsed)
	}
	return res, err
}

func (b *Broker) evaluate(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	if err := b.Validate(req); err != nil {
		return protocol.Result{}, err
	}
	if b.oneShot != nil {
		if b.isClosed() {
			return protocol.Result{}, ErrClosed
		}
		return b.oneShot.evaluate(ctx, req)
	}
	s, err := b.current(ctx)
	if err != nil {
		return protocol.Result{}, err
	}
	return s.Submit(ctx, req)
}

// Validate checks req against the position rules and the depth limit.
func (b *Broker) Validate(req protocol.Request) error {
	if strings.TrimSpace(req.FEN) == "" {
		return &FieldError{Field: "fen", Message: "is required"}
	}
	if strings.ContainsAny(req.FEN, "\r\n") {
		return &FieldError{Field: "fen", Message: "must be a single line"}
	}
	if _, err := chess.FEN(req.FEN); err != nil {
		return &FieldError{Field: "fen", Message: err.Error()}
	}
	if req.Color != protocol.White && req.Color != protocol.Black {
		return &FieldError{Field: "color", Message: fmt.Sprintf("%q is not white or black", req.Color)}
	}
	if req.Depth < 1 || req.Depth > b.cfg.MaxDepth {
		return &FieldError{Field: "depth", Message: fmt.Sprintf("must be between 1 and %d", b.cfg.MaxDepth)}
	}
	return nil
}

// current returns the session to dispatch on, starting it first when the
// broker is lazy and no session has existed yet.
func (b *Broker) current(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	s, ever, lastErr, closed := b.session, b.ever, b.lastErr, b.closed
	b.mu.Unlock()

	switch {
	case closed:
		return nil, ErrClosed
	case s != nil:
		return s, nil
	case b.cfg.Lazy && !ever:
		return b.lazyStart(ctx)
	case lastErr != nil:
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, lastErr)
	default:
		return nil, unavailable("engine is not running")
	}
}

func (b *Broker) lazyStart(ctx context.Context) (*Session, error) {
	b.restartMu.Lock()
	defer b.restartMu.Unlock()

	// Another caller may have won the race.
	b.mu.Lock()
	if s := b.session; s != nil {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	b.log.Info("starting engine on first request")
	s, err := b.spawn(ctx)
	if err != nil {
		b.setErr(err)
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	if !b.install(s, false) {
		return nil, ErrClosed
	}
	return s, nil
}

// Restart replaces the current session with a fresh engine process.
// Calls waiting on the old session fail with ErrEngineUnavailable. In
// one-shot mode there is nothing to restart.
func (b *Broker) Restart(ctx context.Context) error {
	if b.oneShot != nil {
		_, err := b.oneShot.check()
		return err
	}

	b.restartMu.Lock()
	defer b.restartMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.session
	b.session = nil
	b.mu.Unlock()
	setEngineUp(false)

	if old != nil {
		b.log.Info("stopping engine session", "session", old.ID)
		if err := old.Stop(ctx); err != nil {
			b.log.Warn("engine session did not stop cleanly", "session", old.ID, "error", err)
		}
	}

	s, err := b.spawn(ctx)
	if err != nil {
		b.setErr(err)
		return err
	}
	if !b.install(s, true) {
		return ErrClosed
	}
	countRestart()
	return nil
}

// spawn starts a session within the configured start timeout. A session
// that comes up after the deadline is stopped.
func (b *Broker) spawn(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer cancel()

	type started struct {
		s   *Session
		err error
	}
	ch := make(chan started, 1)
	go func() {
		s, err := startSession(b.cfg, b.log, b.onDead)
		ch <- started{s, err}
	}()

	select {
	case r := <-ch:
		return r.s, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Stop(context.Background())
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrEngineStart, ctx.Err())
	}
}

// install makes s the current session. It stops s and reports false when
// the broker was closed meanwhile.
func (b *Broker) install(s *Session, restart bool) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = s.Stop(context.Background())
		return false
	}
	b.session = s
	b.ever = true
	b.lastErr = nil
	if restart {
		b.restarts++
	}
	b.mu.Unlock()
	setEngineUp(true)
	return true
}

func (b *Broker) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	setEngineUp(false)
}

// onDead runs when a session's process exits or its output can no longer
// be trusted. The session stays installed so callers keep getting its
// error until something replaces it.
func (b *Broker) onDead(s *Session, err error) {
	b.mu.Lock()
	if b.session != s || b.closed {
		b.mu.Unlock()
		return
	}
	b.lastErr = err
	b.mu.Unlock()
	setEngineUp(false)

	if b.cfg.AutoRestart {
		b.requestRestart()
	}
}

func (b *Broker) requestRestart() {
	select {
	case b.restartCh <- struct{}{}:
	default:
	}
}

// supervise replaces dead sessions after the restart backoff.
func (b *Broker) supervise(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.restartCh:
		}

		timer := time.NewTimer(b.cfg.RestartBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if b.Ready() {
			continue
		}
		b.log.Info("restarting engine", "backoff", b.cfg.RestartBackoff)
		if err := b.Restart(ctx); err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			b.log.Error("engine restart failed", "error", err)
			b.requestRestart()
		}
	}
}

// Close stops the supervisor and the engine. Later calls fail with ErrClosed.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	s := b.session
	b.session = nil
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	setEngineUp(false)

	if s == nil {
		return nil
	}
	b.log.Info("stopping engine session", "session", s.ID)
	return s.Stop(ctx)
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Ready reports whether an evaluation could be dispatched now. A lazy
// broker that has not started its engine yet counts as ready.
func (b *Broker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.closed || !b.started:
		return false
	case b.oneShot != nil:
		return b.oneShot.resolved()
	case b.session != nil:
		return b.session.Alive()
	default:
		return b.cfg.Lazy && !b.ever
	}
}

// Status describes the broker for operators.
type Status struct {
	Mode        config.Mode `json:"mode"`
	Tagged      bool        `json:"tagged"`
	Alive       bool        `json:"alive"`
	SessionID   string      `json:"session_id,omitempty"`
	PID         int         `json:"pid,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	Restarts    int         `json:"restarts"`
	AutoRestart bool        `json:"auto_restart"`
	LastError   string      `json:"last_error,omitempty"`
}

// Status returns a snapshot of the broker state.
func (b *Broker) Status() Status {
	st := Status{
		Mode:        b.cfg.Mode,
		Tagged:      b.cfg.Tagged,
		AutoRestart: b.cfg.AutoRestart,
		Alive:       b.Ready(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st.Restarts = b.restarts
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	if s := b.session; s != nil {
		st.SessionID = s.ID
		st.PID = s.PID()
		started := s.StartedAt
		st.StartedAt = &started
		if err := s.Err(); err != nil && st.LastError == "" {
			st.LastError = err.Error()
		}
	}
	return st
}
