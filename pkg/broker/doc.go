// Package broker turns move-evaluation requests into engine exchanges.
//
// A Broker owns at most one engine Session at a time. Each Session pairs
// an engine process with a Correlator that matches the engine's output
// lines to the requests that caused them:
//
//   - the serial correlator admits one request at a time and takes the
//     next reply line as its answer;
//   - the tagged correlator sends an id with every request and routes
//     replies by the id the engine echoes back.
//
// A session that dies or desynchronizes is never repaired in place. Calls
// fail with ErrEngineUnavailable until Restart (or the auto-restart loop)
// installs a new one.
//
// In one-shot mode no session exists: every evaluation runs the engine
// binary once with the position on its command line.
package broker
