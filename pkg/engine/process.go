package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/movebroker/movebroker/pkg/config"
	"github.com/movebroker/movebroker/pkg/logging"
	"github.com/movebroker/movebroker/pkg/protocol"
)

// Errors returned by Process.
var (
	// ErrStart means the executable could not be launched.
	ErrStart          = errors.New("engine start failed")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotRunning     = errors.New("engine not running")
	// ErrExited is passed to exit handlers when the process ends on its own.
	ErrExited = errors.New("engine exited unexpectedly")
)

const (
	maxLineBytes = 1 << 20
	killGrace    = 2 * time.Second
)

// Config describes how to launch the engine.
type Config struct {
	Path string
	Args []string
	// Env entries (KEY=value) are appended to the inherited environment.
	Env         []string
	Dir         string
	StopTimeout time.Duration
}

// FromConfig extracts the process settings from the engine section.
func FromConfig(ec config.EngineConfig) Config {
	return Config{
		Path:        ec.Path,
		Args:        ec.Args,
		Env:         ec.Env,
		Dir:         ec.Dir,
		StopTimeout: ec.StopTimeout,
	}
}

// Option configures a Process.
type Option func(*Process)

// WithLogger sets the operator log. Engine stderr is written here at WARN.
func WithLogger(log *slog.Logger) Option {
	return func(p *Process) {
		if log != nil {
			p.log = log
		}
	}
}

// Process is one run of the engine executable.
type Process struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  bool
	stopping bool
	handlers []func(error)
	exitErr  error

	writeMu   sync.Mutex
	stdin     io.WriteCloser
	stdinOnce sync.Once

	alive atomic.Bool
	lines chan string
	done  chan struct{}
}

// New creates an unstarted Process.
func New(cfg Config, opts ...Option) *Process {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	p := &Process{
		cfg:   cfg,
		log:   logging.Nop(),
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "engine")
	return p
}

// Start launches the executable. It fails with ErrStart when the binary is
// missing, not executable, or cannot be spawned.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	path, err := exec.LookPath(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	cmd := exec.Command(path, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %w", ErrStart, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %w", ErrStart, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %w", ErrStart, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.started = true
	p.alive.Store(true)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()
	go p.wait(&readers)

	p.log.Info("engine started", "pid", cmd.Process.Pid, "path", path)
	return nil
}

// wait reaps the process once both pipes are drained, since cmd.Wait
// closes them.
func (p *Process) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	p.alive.Store(false)

	p.mu.Lock()
	p.exitErr = err
	stopping := p.stopping
	handlers := slices.Clone(p.handlers)
	close(p.done)
	p.mu.Unlock()

	if stopping {
		p.log.Info("engine stopped", "pid", p.cmd.Process.Pid)
		return
	}

	cause := unexpectedExit(err)
	p.log.Warn("engine exited unexpectedly", "pid", p.cmd.Process.Pid, "error", cause)
	for _, h := range handlers {
		h(cause)
	}
}

func unexpectedExit(err error) error {
	if err == nil {
		return fmt.Errorf("%w: exit status 0", ErrExited)
	}
	return fmt.Errorf("%w: %w", ErrExited, err)
}

func (p *Process) readStdout(r io.Reader) {
	defer close(p.lines)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		p.lines <- strings.TrimSuffix(sc.Text(), "\r")
	}
	if err := sc.Err(); err != nil {
		p.log.Warn("engine stdout unreadable, discarding the rest", "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) readStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4*1024), maxLineBytes)
	for sc.Scan() {
		p.log.Warn("engine diagnostic", "stream", "stderr", "line", sc.Text())
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// IsAlive reports whether the process is running.
func (p *Process) IsAlive() bool {
	return p.alive.Load()
}

// OnUnexpectedExit registers fn to run when the process terminates outside
// Stop. If that has already happened fn runs right away in a new goroutine.
func (p *Process) OnUnexpectedExit(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		if !p.stopping {
			go fn(unexpectedExit(p.exitErr))
		}
		return
	default:
	}
	p.handlers = append(p.handlers, fn)
}

// Lines returns the engine's stdout, one value per line without the line
// terminator. The channel is closed at EOF.
func (p *Process) Lines() <-chan string {
	return p.lines
}

// WriteLine writes line to the engine's stdin, adding a trailing newline
// if it is missing. Concurrent writes are serialized.
func (p *Process) WriteLine(line []byte) error {
	if !p.IsAlive() {
		return ErrNotRunning
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(slices.Clip(line), '\n')
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("write to engine: %w", err)
	}
	return nil
}

// Stop asks the engine to quit, closes its stdin and waits up to
// StopTimeout. A process that is still running is then terminated, and
// killed if it ignores that. Stop returns once the process has been reaped.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.WriteLine([]byte(protocol.QuitLine)); err != nil {
		p.log.Debug("failed to send quit", "error", err)
	}
	p.closeStdin()

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	pid := p.cmd.Process.Pid
	p.log.Warn("engine did not quit, terminating", "pid", pid)
	if err := terminate(p.cmd.Process); err != nil {
		p.log.Debug("terminate failed", "pid", pid, "error", err)
	}
	select {
	case <-p.done:
		return fmt.Errorf("engine %d terminated after %s", pid, p.cfg.StopTimeout)
	case <-time.After(killGrace):
	}

	p.log.Warn("engine ignored termination, killing", "pid", pid)
	if err := kill(p.cmd.Process); err != nil {
		p.log.Debug("kill failed", "pid", pid, "error", err)
	}
	<-p.done
	return fmt.Errorf("engine %d killed after %s", pid, p.cfg.StopTimeout+killGrace)
}

func (p *Process) closeStdin() {
	p.stdinOnce.Do(func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		_ = p.stdin.Close()
	})
}

// PID returns the process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error from cmd.Wait. It is only meaningful after Done
// is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
