package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/movebroker/movebroker/internal/id"
	"github.com/movebroker/movebroker/pkg/protocol"
)

// tagged sends an id with every request and routes replies by the id the
// engine echoes, so up to maxInFlight requests share the engine at once.
// A timed-out ticket is forgotten; its late reply then has an unknown id
// and is discarded.
type tagged struct {
	conn  conn
	cfg   correlatorConfig
	slots chan struct{}

	mu      sync.Mutex
	pending map[string]*ticket
	err     error
	failed  chan struct{}
}

func newTagged(c conn, maxInFlight int, cfg correlatorConfig) *tagged {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	t := &tagged{
		conn:    c,
		cfg:     cfg,
		slots:   make(chan struct{}, maxInFlight),
		pending: make(map[string]*ticket),
		failed:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (c *tagged) Submit(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	tk := newTicket(id.Ticket())
	line, err := protocol.EncodeTagged(tk.id, req)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := acquire(ctx, c.slots, c.cfg.slotTimeout, c.failed, c.Err); err != nil {
		return protocol.Result{}, err
	}
	defer func() { <-c.slots }()

	if !c.conn.IsAlive() {
		return protocol.Result{}, unavailable("engine process is not running")
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Result{}, err
	}
	c.pending[tk.id] = tk
	c.mu.Unlock()

	if err := c.conn.WriteLine(line); err != nil {
		err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		c.fail(err, nil)
		return protocol.Result{}, err
	}

	timer := time.NewTimer(c.cfg.timeout)
	defer timer.Stop()
	select {
	case o := <-tk.reply:
		return o.res, o.err
	case <-timer.C:
	}

	c.mu.Lock()
	if _, ok := c.pending[tk.id]; ok {
		delete(c.pending, tk.id)
		c.mu.Unlock()
		c.cfg.log.Warn("engine reply timed out", "ticket", tk.id, "timeout", c.cfg.timeout)
		return protocol.Result{}, fmt.Errorf("%w: no reply within %s", ErrEngineTimeout, c.cfg.timeout)
	}
	c.mu.Unlock()

	o := <-tk.reply
	return o.res, o.err
}

func (c *tagged) readLoop() {
	for line := range c.conn.Lines() {
		c.handle(line)
	}
	c.fail(unavailable("engine output closed"), nil)
}

func (c *tagged) handle(line string) {
	if protocol.IsDiagnostic(line) {
		c.cfg.log.Debug("engine diagnostic", "line", line)
		return
	}

	tid, res, err := protocol.DecodeTagged(line)
	if err != nil {
		poisoned := unavailable("engine output desynchronized by %q", line)
		c.mu.Lock()
		owner := c.pending[tid]
		c.mu.Unlock()

		c.fail(poisoned, func(tk *ticket) error {
			// Without a known id nobody can tell whose reply this was.
			if owner == nil || tk == owner {
				return err
			}
			return poisoned
		})
		return
	}

	c.mu.Lock()
	tk, ok := c.pending[tid]
	if ok {
		delete(c.pending, tid)
	}
	c.mu.Unlock()

	if !ok {
		discarded("unknown_id", line, c.cfg.log)
		return
	}
	tk.reply <- outcome{res: res}
}

// fail marks the correlator unusable with err. Pending tickets fail with
// ticketErr(ticket) when it is given, with err otherwise.
func (c *tagged) fail(err error, ticketErr func(*ticket) error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[string]*ticket)
	close(c.failed)
	c.mu.Unlock()

	for _, tk := range pending {
		e := err
		if ticketErr != nil {
			e = ticketErr(tk)
		}
		tk.reply <- outcome{err: e}
	}
	if c.cfg.onFail != nil {
		c.cfg.onFail(err)
	}
}

func (c *tagged) Close(err error) {
	c.fail(err, nil)
}

func (c *tagged) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
