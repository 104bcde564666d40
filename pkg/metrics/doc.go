// Package metrics provides Prometheus-compatible metrics for movebroker.
//
// It writes the Prometheus text exposition format (text/plain; version=0.0.4)
// itself. Counters, gauges and histograms are safe for concurrent use.
//
// # Default Metrics
//
//   - movebroker_http_requests_total{method,path,status}
//   - movebroker_http_request_duration_seconds{method,path}
//   - movebroker_evaluations_total{mode,outcome}
//   - movebroker_evaluation_duration_seconds{mode}
//   - movebroker_dispatch_wait_seconds
//   - movebroker_engine_up
//   - movebroker_engine_restarts_total
//   - movebroker_engine_lines_discarded_total{reason}
//
// # Usage
//
//	reg := metrics.Init()
//	mux.Handle("GET /metrics", reg.Handler())
//
//	if metrics.EngineUp != nil {
//		_ = metrics.EngineUp.Set(1)
//	}
package metrics
