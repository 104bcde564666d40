// Package server exposes the broker over HTTP.
//
// Routes:
//
//	POST /move            evaluate one position
//	GET  /ws              evaluate positions over a websocket
//	GET  /health          liveness
//	GET  /ready           readiness, 503 while the engine is down
//	GET  /metrics         Prometheus text exposition
//	GET  /engine/status   broker and engine state
//	POST /engine/restart  replace the engine process
//
// Every other GET or HEAD is served from the static directory.
package server
