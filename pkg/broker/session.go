package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/movebroker/movebroker/internal/id"
	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/engine"
	"github.com/movebroker/movebroker/pkg/protocol"
)

// Session is one engine process generation and its correlator.
type Session struct {
	ID        string
	StartedAt time.Time

	proc *engine.Process
	corr Correlator
	log  *slog.Logger

	// dead fires onDead at most once, and never for a requested Stop.
	dead   sync.Once
	onDead func(*Session, error)
}

// startSession launches the engine and wires its correlator. onDead runs
// when the process exits on its own or the correlator becomes unusable.
func startSession(cfg config.EngineConfig, log *slog.Logger, onDead func(*Session, error)) (*Session, error) {
	sid := id.Session()
	log = log.With("session", sid)

	proc := engine.New(engine.FromConfig(cfg), engine.WithLogger(log))
	if err := proc.Start(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:        sid,
		StartedAt: time.Now(),
		proc:      proc,
		log:       log,
		onDead:    onDead,
	}

	ccfg := correlatorConfig{
		timeout:     cfg.Timeout,
		slotTimeout: cfg.SlotTimeout,
		log:         log.With("component", "correlator"),
		onFail:      s.died,
	}
	if cfg.Tagged {
		s.corr = newTagged(proc, cfg.MaxInFlight, ccfg)
	} else {
		s.corr = newSerial(proc, ccfg)
	}

	proc.OnUnexpectedExit(func(err error) {
		s.corr.Close(fmt.Errorf("%w: %w", ErrEngineUnavailable, err))
	})

	log.Info("engine session started", "pid", proc.PID(), "tagged", cfg.Tagged)
	return s, nil
}

func (s *Session) died(err error) {
	s.dead.Do(func() {
		s.log.Warn("engine session unusable", "error", err)
		if s.onDead != nil {
			s.onDead(s, err)
		}
	})
}

// Submit forwards req to the correlator.
func (s *Session) Submit(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	return s.corr.Submit(ctx, req)
}

// Alive reports whether the session can still serve requests.
func (s *Session) Alive() bool {
	return s.proc.IsAlive() && s.corr.Err() == nil
}

// Err explains why the session cannot serve requests, or is nil.
func (s *Session) Err() error {
	if err := s.corr.Err(); err != nil {
		return err
	}
	if !s.proc.IsAlive() {
		return unavailable("engine process is not running")
	}
	return nil
}

// PID returns the engine process id.
func (s *Session) PID() int {
	return s.proc.PID()
}

// Stop fails outstanding calls and stops the engine process.
func (s *Session) Stop(ctx context.Context) error {
	s.dead.Do(func() {})
	s.corr.Close(unavailable("engine session %s stopped", s.ID))
	return s.proc.Stop(ctx)
}
