package server

import (
	"net/http"

	"github.com/movebroker/movebroker/pkg/ratelimit"
)

// routePaths are the paths reported as-is in metrics labels. Everything
// else is a static file and is labelled "static".
var routePaths = map[string]bool{
	"/move":           true,
	"/ws":             true,
	"/health":         true,
	"/ready":          true,
	"/metrics":        true,
	"/engine/status":  true,
	"/engine/restart": true,
}

func (s *Server) routes() http.Handler {
	limit := ratelimit.Middleware(s.limiter)

	mux := http.NewServeMux()
	mux.Handle("/move", limit(http.HandlerFunc(s.handleMove)))
	mux.Handle("GET /ws", limit(http.HandlerFunc(s.handleWebSocket)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", s.registry.Handler())
	mux.HandleFunc("GET /engine/status", s.handleStatus)
	mux.HandleFunc("POST /engine/restart", s.handleRestart)
	mux.Handle("/", s.static)

	// Order, outermost first: request id, metrics, access log, recovery.
	var h http.Handler = mux
	h = recoverer(h, s.log)
	h = accessLog(h, s.log)
	h = metricsMiddleware(h)
	h = requestID(h)
	return h
}
