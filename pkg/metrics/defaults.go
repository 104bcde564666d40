package metrics

import "sync"

// Default metrics, created by Init. Call sites check for nil so that
// packages work with metrics disabled.
//
// Label values:
//   - method: uppercase HTTP method
//   - path: route pattern (/move, /ws, /health, /ready, /metrics, /engine/status,
//     /engine/restart) or "static" for the file server
//   - mode: persistent, one-shot
//   - outcome: ok, invalid_request, engine_unavailable, engine_timeout,
//     malformed_engine_output, error
//   - reason: unsolicited, owed, unknown_id
var (
	// HTTPRequestsTotal counts HTTP requests. Labels: method, path, status.
	HTTPRequestsTotal *Counter

	// HTTPRequestDuration tracks HTTP request latency. Labels: method, path.
	HTTPRequestDuration *Histogram

	// EvaluationsTotal counts broker evaluations. Labels: mode, outcome.
	EvaluationsTotal *Counter

	// EvaluationDuration tracks broker evaluation latency. Labels: mode.
	EvaluationDuration *Histogram

	// DispatchWait tracks time spent waiting for the serial dispatch slot.
	DispatchWait *Histogram

	// EngineUp is 1 while a healthy engine session exists.
	EngineUp *Gauge

	// EngineRestartsTotal counts session replacements.
	EngineRestartsTotal *Counter

	// LinesDiscardedTotal counts engine stdout lines matched to no request.
	// Labels: reason.
	LinesDiscardedTotal *Counter
)

var (
	defaultRegistry *Registry
	initOnce        sync.Once
)

// Init creates the default registry and metrics. It is safe to call more
// than once.
func Init() *Registry {
	initOnce.Do(func() {
		r := NewRegistry()

		HTTPRequestsTotal = r.NewCounter("movebroker_http_requests_total",
			"Total number of HTTP requests", "method", "path", "status")
		HTTPRequestDuration = r.NewHistogram("movebroker_http_request_duration_seconds",
			"HTTP request duration in seconds", DefaultBuckets, "method", "path")
		EvaluationsTotal = r.NewCounter("movebroker_evaluations_total",
			"Total number of move evaluations", "mode", "outcome")
		EvaluationDuration = r.NewHistogram("movebroker_evaluation_duration_seconds",
			"Move evaluation duration in seconds", EngineBuckets, "mode")
		DispatchWait = r.NewHistogram("movebroker_dispatch_wait_seconds",
			"Time spent waiting for the engine dispatch slot", EngineBuckets)
		EngineUp = r.NewGauge("movebroker_engine_up",
			"Whether a healthy engine session exists (1) or not (0)")
		EngineRestartsTotal = r.NewCounter("movebroker_engine_restarts_total",
			"Total number of engine session restarts")
		LinesDiscardedTotal = r.NewCounter("movebroker_engine_lines_discarded_total",
			"Engine output lines that matched no pending request", "reason")

		defaultRegistry = r
	})
	return defaultRegistry
}

// DefaultRegistry returns the default registry, or nil before Init.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset drops the default metrics so Init builds fresh ones. Used by tests.
func Reset() {
	initOnce = sync.Once{}
	defaultRegistry = nil
	HTTPRequestsTotal = nil
	HTTPRequestDuration = nil
	EvaluationsTotal = nil
	EvaluationDuration = nil
	DispatchWait = nil
	EngineUp = nil
	EngineRestartsTotal = nil
	LinesDiscardedTotal = nil
}
