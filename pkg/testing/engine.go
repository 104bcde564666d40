package testing

import (
	"os"
	"testing"
	"time"

	"github.com/movebroker/movebroker/pkg/config"
)

// FakeEngine builds the configuration for a fake engine process.
type FakeEngine struct {
	t        testing.TB
	behavior Behavior
	env      map[string]string
	cfg      config.EngineConfig
}

// New starts a fake engine description with short test timeouts.
func New(t testing.TB, b Behavior) *FakeEngine {
	t.Helper()

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("failed to locate test binary: %v", err)
	}

	cfg := config.DefaultEngine()
	cfg.Path = exe
	cfg.Timeout = 5 * time.Second
	cfg.SlotTimeout = 10 * time.Second
	cfg.StartTimeout = 5 * time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.RestartBackoff = 50 * time.Millisecond
	if b == OneShot {
		cfg.Mode = config.ModeOneShot
	}

	return &FakeEngine{
		t:        t,
		behavior: b,
		env:      map[string]string{EnvBehavior: string(b)},
		cfg:      cfg,
	}
}

// WithReply sets the line a Fixed or OneShot engine answers with.
func (f *FakeEngine) WithReply(line string) *FakeEngine {
	f.env[EnvReply] = line
	return f
}

// WithDelay delays the first answer of a SlowFirst engine, or every
// OneShot answer.
func (f *FakeEngine) WithDelay(d time.Duration) *FakeEngine {
	f.env[EnvDelay] = d.String()
	return f
}

// WithBanner makes the engine print line at startup.
func (f *FakeEngine) WithBanner(line string) *FakeEngine {
	f.env[EnvBanner] = line
	return f
}

// WithStderr makes the engine print line to stderr at startup.
func (f *FakeEngine) WithStderr(line string) *FakeEngine {
	f.env[EnvStderr] = line
	return f
}

// WithInfo makes the engine print an "info" line before each answer.
func (f *FakeEngine) WithInfo() *FakeEngine {
	f.env[EnvInfo] = "1"
	return f
}

// WithTimeout sets the per-request reply timeout.
func (f *FakeEngine) WithTimeout(d time.Duration) *FakeEngine {
	f.cfg.Timeout = d
	return f
}

// WithStopTimeout sets how long Stop waits after "quit".
func (f *FakeEngine) WithStopTimeout(d time.Duration) *FakeEngine {
	f.cfg.StopTimeout = d
	return f
}

// Tagged switches the configuration to the tagged protocol.
func (f *FakeEngine) Tagged(maxInFlight int) *FakeEngine {
	f.cfg.Tagged = true
	f.cfg.MaxInFlight = maxInFlight
	return f
}

// Configure applies fn to the engine configuration.
func (f *FakeEngine) Configure(fn func(*config.EngineConfig)) *FakeEngine {
	fn(&f.cfg)
	return f
}

// EngineConfig returns the configuration that launches this fake engine.
func (f *FakeEngine) EngineConfig() config.EngineConfig {
	cfg := f.cfg
	cfg.Env = make([]string, 0, len(f.env))
	for k, v := range f.env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	return cfg
}
