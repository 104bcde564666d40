// Package engine supervises the external evaluation engine process.
//
// A Process launches the engine once, exposes its stdout as a channel of
// lines, serializes writes to its stdin and logs its stderr. Termination
// outside Stop is reported to handlers registered with OnUnexpectedExit.
// A Process is never restarted; a new generation needs a new Process.
package engine
