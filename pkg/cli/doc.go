// Package cli provides the command-line interface for movebroker.
//
// Commands:
//   - serve: start the engine and the HTTP/websocket broker in front of it
//   - eval: evaluate one position without opening a listener
//   - validate: load and check the effective configuration
//   - version: show build information
//
// serve, eval and validate share one configuration pipeline: defaults, an
// optional file (--config or MOVEBROKER_CONFIG), MOVEBROKER_* environment
// variables, then the flags the user actually set.
package cli
