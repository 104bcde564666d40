package config

import "time"

// Mode selects how the broker talks to the engine.
type Mode string

// Engine modes.
const (
	// ModePersistent keeps one engine process alive and exchanges lines
	// over its stdin/stdout.
	ModePersistent Mode = "persistent"
	// ModeOneShot spawns the engine once per evaluation with the position
	// on its command line. Correlation is trivial but every call pays the
	// process startup cost.
	ModeOneShot Mode = "one-shot"
)

// Value sources recorded in Config.Sources.
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

// Config is the complete movebroker configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Log    LogConfig    `json:"log" yaml:"log"`

	// Sources maps dotted keys (for example "engine.timeout") to the layer
	// that last set them. Keys absent from the map hold defaults.
	Sources map[string]string `json:"-" yaml:"-"`
}

// ServerConfig configures the HTTP listener and static file serving.
type ServerConfig struct {
	Port         int           `json:"port" yaml:"port"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	StaticDir     string   `json:"static_dir" yaml:"static_dir"`
	StaticExclude []string `json:"static_exclude" yaml:"static_exclude"`

	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	// RateLimit is requests per second per client on /move and /ws. Zero
	// disables limiting.
	RateLimit      float64  `json:"rate_limit" yaml:"rate_limit"`
	RateBurst      int      `json:"rate_burst" yaml:"rate_burst"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty"`

	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// connections. Same-origin connections are always accepted.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// EngineConfig configures the engine process and the broker in front of it.
type EngineConfig struct {
	Mode Mode     `json:"mode" yaml:"mode"`
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env  []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir  string   `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Tagged enables the id-echoing protocol and concurrent dispatch. The
	// engine must support it.
	Tagged bool `json:"tagged" yaml:"tagged"`
	// MaxInFlight bounds concurrent requests in tagged and one-shot modes.
	MaxInFlight int `json:"max_in_flight" yaml:"max_in_flight"`

	// Timeout bounds the wait for one engine reply.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// SlotTimeout bounds the wait for the dispatch slot.
	SlotTimeout  time.Duration `json:"slot_timeout" yaml:"slot_timeout"`
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`
	StopTimeout  time.Duration `json:"stop_timeout" yaml:"stop_timeout"`

	// Lazy defers starting the engine until the first evaluation.
	Lazy           bool          `json:"lazy" yaml:"lazy"`
	AutoRestart    bool          `json:"auto_restart" yaml:"auto_restart"`
	RestartBackoff time.Duration `json:"restart_backoff" yaml:"restart_backoff"`

	MaxDepth int `json:"max_depth" yaml:"max_depth"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level        string `json:"level" yaml:"level"`
	Format       string `json:"format" yaml:"format"`
	LokiEndpoint string `json:"loki_endpoint,omitempty" yaml:"loki_endpoint,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  60 * time.Second,
			StaticDir:     "./web",
			StaticExclude: []string{"**/.*"},
			MaxBodyBytes:  64 << 10,
			RateBurst:     10,
		},
		Engine: DefaultEngine(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sources: make(map[string]string),
	}
}

// DefaultEngine returns the built-in engine configuration.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		Mode:           ModePersistent,
		Path:           "./engine",
		MaxInFlight:    4,
		Timeout:        30 * time.Second,
		SlotTimeout:    15 * time.Second,
		StartTimeout:   10 * time.Second,
		StopTimeout:    3 * time.Second,
		RestartBackoff: 2 * time.Second,
		MaxDepth:       32,
	}
}

// SetSource records that key was last set by source.
func (c *Config) SetSource(key, source string) {
	if c.Sources == nil {
		c.Sources = make(map[string]string)
	}
	c.Sources[key] = source
}

// Source returns the layer that set key.
func (c *Config) Source(key string) string {
	if s, ok := c.Sources[key]; ok {
		return s
	}
	return SourceDefault
}
