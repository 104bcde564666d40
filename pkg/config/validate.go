package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// writeMargin is the time left to write a response after the longest engine
// wait.
const writeMargin = time.Second

// Validate checks the whole configuration and returns every problem found,
// joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := c.Server
	if s.Port < 0 || s.Port > 65535 {
		add("server.port: %d is out of range 0-65535", s.Port)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		add("server: timeouts must not be negative")
	}
	if budget := c.Engine.RequestBudget(); s.WriteTimeout > 0 && s.WriteTimeout < budget+writeMargin {
		add("server.write_timeout (%s) must exceed the longest engine wait (%s) by at least %s", s.WriteTimeout, budget, writeMargin)
	}
	if s.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}
	if s.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}
	if s.RateBurst < 0 {
		add("server.rate_burst must not be negative")
	}
	for _, p := range s.StaticExclude {
		if !doublestar.ValidatePattern(p) {
			add("server.static_exclude: invalid pattern %q", p)
		}
	}

	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level: unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format: unknown format %q", c.Log.Format)
	}
	if c.Log.LokiEndpoint != "" {
		if u, err := url.Parse(c.Log.LokiEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("log.loki_endpoint: %q is not an absolute URL", c.Log.LokiEndpoint)
		}
	}

	return errors.Join(errs...)
}

// Validate checks the engine section.
func (e EngineConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch e.Mode {
	case ModePersistent, ModeOneShot:
	default:
		add("engine.mode: %q is not one of %q, %q", e.Mode, ModePersistent, ModeOneShot)
	}
	if e.Path == "" {
		add("engine.path is required")
	}
	if e.Tagged && e.Mode == ModeOneShot {
		add("engine.tagged has no meaning in one-shot mode")
	}
	if e.MaxInFlight < 1 {
		add("engine.max_in_flight must be at least 1")
	}
	if e.Timeout <= 0 {
		add("engine.timeout must be positive")
	}
	if e.SlotTimeout <= 0 {
		add("engine.slot_timeout must be positive")
	}
	if e.StartTimeout <= 0 {
		add("engine.start_timeout must be positive")
	}
	if e.StopTimeout <= 0 {
		add("engine.stop_timeout must be positive")
	}
	if e.AutoRestart && e.RestartBackoff <= 0 {
		add("engine.restart_backoff must be positive when auto_restart is set")
	}
	if e.MaxDepth < 1 {
		add("engine.max_depth must be at least 1")
	}
	return errors.Join(errs...)
}

// RequestBudget is the longest a single evaluation can keep a request
// waiting: the dispatch slot wait plus the reply wait, plus the engine start
// when it is started lazily.
func (e EngineConfig) RequestBudget() time.Duration {
	d := e.SlotTimeout + e.Timeout
	if e.Lazy {
		d += e.StartTimeout
	}
	return d
}
