package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Environment variable names.
const (
	EnvPort          = "MOVEBROKER_PORT"
	EnvStaticDir     = "MOVEBROKER_STATIC_DIR"
	EnvEnginePath    = "MOVEBROKER_ENGINE_PATH"
	EnvEngineMode    = "MOVEBROKER_ENGINE_MODE"
	EnvEngineTimeout = "MOVEBROKER_ENGINE_TIMEOUT"
	EnvLogLevel      = "MOVEBROKER_LOG_LEVEL"
	EnvLogFormat     = "MOVEBROKER_LOG_FORMAT"
	EnvConfig        = "MOVEBROKER_CONFIG"
)

// ApplyEnv overrides cfg with the MOVEBROKER_* variables that getenv
// returns non-empty. Unparsable values are reported together and leave the
// field untouched.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	if v := getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
			c.SetSource("server.port", SourceEnv)
		} else {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", EnvPort, v))
		}
	}

	if v := getenv(EnvStaticDir); v != "" {
		c.Server.StaticDir = v
		c.SetSource("server.static_dir", SourceEnv)
	}

	if v := getenv(EnvEnginePath); v != "" {
		c.Engine.Path = v
		c.SetSource("engine.path", SourceEnv)
	}

	if v := getenv(EnvEngineMode); v != "" {
		c.Engine.Mode = Mode(v)
		c.SetSource("engine.mode", SourceEnv)
	}

	if v := getenv(EnvEngineTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.Timeout = d
			c.SetSource("engine.timeout", SourceEnv)
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", EnvEngineTimeout, err))
		}
	}

	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
		c.SetSource("log.level", SourceEnv)
	}

	if v := getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
		c.SetSource("log.format", SourceEnv)
	}

	return errors.Join(errs...)
}
