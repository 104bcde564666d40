package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a log level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the log output format.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or json).
	Format Format

	// Output is the writer to send logs to. Defaults to os.Stderr.
	Output io.Writer

	// AddSource adds source file and line to log entries.
	AddSource bool

	// LokiURL, when set, also ships every record to a Loki push endpoint.
	LokiURL string
}

// DefaultConfig returns the logging defaults.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New creates a logger from cfg.
func New(cfg Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}

// NewHandler builds the handler behind New. The returned handler is a
// *MultiHandler when cfg.LokiURL is set.
func NewHandler(cfg Config) slog.Handler {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var console slog.Handler
	switch cfg.Format {
	case FormatJSON:
		console = slog.NewJSONHandler(cfg.Output, opts)
	default:
		console = slog.NewTextHandler(cfg.Output, opts)
	}

	if cfg.LokiURL == "" {
		return console
	}
	return NewMultiHandler(console, NewLokiHandler(cfg.LokiURL, WithLokiLevel(cfg.Level)))
}

// Nop returns a logger that discards all output.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel parses debug, info, warn/warning or error in any case.
// Anything else yields LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat parses "json" in any case; anything else is FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// Closer flushes handlers that buffer records. It is a no-op for handlers
// that do not.
func Closer(h slog.Handler) func() error {
	switch v := h.(type) {
	case *MultiHandler:
		return v.Close
	case *LokiHandler:
		return v.Close
	default:
		return func() error { return nil }
	}
}
