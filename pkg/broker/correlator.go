package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/movebroker/movebroker/pkg/protocol"
)

// Correlator matches engine replies to the requests that produced them.
type Correlator interface {
	// Submit sends req and waits for its reply. Once the request line is
	// written, ctx is no longer consulted: the call ends with the reply,
	// a failure, or the reply timeout.
	Submit(ctx context.Context, req protocol.Request) (protocol.Result, error)
	// Close fails the waiting and all later calls with err.
	Close(err error)
	// Err is non-nil once the correlator is unusable.
	Err() error
}

// conn is the part of *engine.Process a correlator needs.
type conn interface {
	Lines() <-chan string
	WriteLine(line []byte) error
	IsAlive() bool
}

type correlatorConfig struct {
	timeout     time.Duration
	slotTimeout time.Duration
	log         *slog.Logger
	// onFail runs once, when the correlator first becomes unusable.
	onFail func(error)
}

type outcome struct {
	res protocol.Result
	err error
}

// ticket is one outstanding request. reply has room for exactly one
// outcome so fulfilling it never blocks the reader.
type ticket struct {
	id    string
	reply chan outcome
}

func newTicket(id string) *ticket {
	return &ticket{id: id, reply: make(chan outcome, 1)}
}

// acquire takes a slot from slots within slotTimeout.
func acquire(ctx context.Context, slots chan struct{}, slotTimeout time.Duration, dead <-chan struct{}, deadErr func() error) error {
	start := time.Now()
	defer func() { observeDispatchWait(time.Since(start)) }()

	select {
	case slots <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(slotTimeout)
	defer timer.Stop()
	select {
	case slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for dispatch slot: %w", ErrEngineTimeout, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: dispatch slot still busy after %s", ErrEngineTimeout, slotTimeout)
	case <-dead:
		return deadErr()
	}
}
