package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/protocol"
)

const maxOneShotOutput = 1 << 20

// oneShot runs the engine once per evaluation with the position on its
// command line: path args... <fen fields> <w|b> <depth>. The process's
// stdout belongs to that call alone, so there is nothing to correlate.
type oneShot struct {
	cfg config.EngineConfig
	log *slog.Logger
	sem *semaphore.Weighted

	mu   sync.Mutex
	path string
}

func newOneShot(cfg config.EngineConfig, log *slog.Logger) *oneShot {
	return &oneShot{
		cfg: cfg,
		log: log.With("component", "engine", "mode", string(config.ModeOneShot)),
		sem: semaphore.NewWeighted(int64(max(cfg.MaxInFlight, 1))),
	}
}

// check resolves the executable so a missing binary is reported at startup.
func (o *oneShot) check() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.path != "" {
		return o.path, nil
	}
	path, err := exec.LookPath(o.cfg.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngineStart, err)
	}
	o.path = path
	return path, nil
}

func (o *oneShot) resolved() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.path != ""
}

func (o *oneShot) evaluate(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	path, err := o.check()
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, o.cfg.SlotTimeout)
	err = o.sem.Acquire(actx, 1)
	cancel()
	observeDispatchWait(time.Since(start))
	if err != nil {
		return protocol.Result{}, fmt.Errorf("%w: waiting for a free engine slot: %w", ErrEngineTimeout, err)
	}
	defer o.sem.Release(1)

	// Like the persistent mode, a started search is not abandoned when
	// the caller goes away; only the timeout ends it.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, o.cfg.Args...), protocol.Args(req)...)
	cmd := exec.CommandContext(rctx, path, args...)
	cmd.Dir = o.cfg.Dir
	cmd.Env = append(os.Environ(), o.cfg.Env...)
	cmd.WaitDelay = time.Second

	var stdout, stderr limitedBuffer
	stdout.limit, stderr.limit = maxOneShotOutput, 64*1024
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	runErr := cmd.Run()
	for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
		if line != "" {
			o.log.Warn("engine diagnostic", "stream", "stderr", "line", line)
		}
	}

	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return protocol.Result{}, fmt.Errorf("%w: no reply within %s", ErrEngineTimeout, o.cfg.Timeout)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return protocol.Result{}, unavailable("engine exited with %s", exitErr.ProcessState)
		}
		return protocol.Result{}, fmt.Errorf("%w: %w: %w", ErrEngineUnavailable, ErrEngineStart, runErr)
	}

	line, ok := lastReply(stdout.Bytes())
	if !ok {
		return protocol.Result{}, fmt.Errorf("%w: engine printed no reply", ErrMalformedEngineOutput)
	}
	return protocol.Decode(line)
}

// lastReply returns the last non-diagnostic line of out.
func lastReply(out []byte) (string, bool) {
	var last string
	found := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 4096), maxOneShotOutput)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if protocol.IsDiagnostic(line) {
			continue
		}
		last, found = line, true
	}
	return last, found
}

// limitedBuffer keeps the first limit bytes written and drops the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
