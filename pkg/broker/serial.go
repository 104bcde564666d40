package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/movebroker/movebroker/pkg/protocol"
)

// serial admits one request at a time. The engine does not tag its
// replies, so the first non-diagnostic line after a request line is its
// answer. A request abandoned on timeout leaves one reply owed; owed
// replies are discarded as they arrive so they never reach a later caller.
type serial struct {
	conn conn
	cfg  correlatorConfig
	slot chan struct{}

	mu      sync.Mutex
	pending *ticket
	owed    int
	err     error
	failed  chan struct{}
}

func newSerial(c conn, cfg correlatorConfig) *serial {
	s := &serial{
		conn:   c,
		cfg:    cfg,
		slot:   make(chan struct{}, 1),
		failed: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *serial) Submit(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	line, err := protocol.Encode(req)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := acquire(ctx, s.slot, s.cfg.slotTimeout, s.failed, s.Err); err != nil {
		return protocol.Result{}, err
	}
	defer func() { <-s.slot }()

	if !s.conn.IsAlive() {
		return protocol.Result{}, unavailable("engine process is not running")
	}

	t := newTicket("")
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return protocol.Result{}, err
	}
	s.pending = t
	s.mu.Unlock()

	if err := s.conn.WriteLine(line); err != nil {
		err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		s.fail(err)
		return protocol.Result{}, err
	}

	timer := time.NewTimer(s.cfg.timeout)
	defer timer.Stop()
	select {
	case o := <-t.reply:
		return o.res, o.err
	case <-timer.C:
	}

	s.mu.Lock()
	if s.pending == t {
		s.pending = nil
		s.owed++
		s.mu.Unlock()
		s.cfg.log.Warn("engine reply timed out, its late reply will be discarded", "timeout", s.cfg.timeout)
		return protocol.Result{}, fmt.Errorf("%w: no reply within %s", ErrEngineTimeout, s.cfg.timeout)
	}
	s.mu.Unlock()

	// The reader resolved the ticket while the timer fired.
	o := <-t.reply
	return o.res, o.err
}

func (s *serial) readLoop() {
	for line := range s.conn.Lines() {
		s.handle(line)
	}
	s.fail(unavailable("engine output closed"))
}

func (s *serial) handle(line string) {
	if protocol.IsDiagnostic(line) {
		s.cfg.log.Debug("engine diagnostic", "line", line)
		return
	}

	s.mu.Lock()
	if s.owed > 0 {
		s.owed--
		s.mu.Unlock()
		discarded("owed", line, s.cfg.log)
		return
	}
	t := s.pending
	if t == nil {
		s.mu.Unlock()
		discarded("unsolicited", line, s.cfg.log)
		return
	}
	s.pending = nil

	res, err := protocol.Decode(line)
	if err != nil {
		s.mu.Unlock()
		s.fail(unavailable("engine output desynchronized by %q", line))
		t.reply <- outcome{err: err}
		return
	}
	s.mu.Unlock()
	t.reply <- outcome{res: res}
}

// fail marks the correlator unusable and fails the waiting ticket.
func (s *serial) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	t := s.pending
	s.pending = nil
	close(s.failed)
	s.mu.Unlock()

	if t != nil {
		t.reply <- outcome{err: err}
	}
	if s.cfg.onFail != nil {
		s.cfg.onFail(err)
	}
}

func (s *serial) Close(err error) {
	s.fail(err)
}

func (s *serial) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
