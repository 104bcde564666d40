// Package logging configures the structured loggers used across movebroker.
//
// It wraps log/slog. Components take a *slog.Logger through a WithLogger
// option and fall back to Nop() when none is given:
//
//	logger := logging.New(logging.Config{
//	    Level:  logging.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//	logger.Info("engine started", "pid", pid)
//
// Engine diagnostics (the engine's stderr) are logged at warn level with
// component=engine so operators can filter them; they are never shown to
// HTTP clients.
//
// When a Loki push endpoint is configured, NewLokiHandler ships records in
// batches and MultiHandler fans each record out to the console handler and
// Loki.
package logging
