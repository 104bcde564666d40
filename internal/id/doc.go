// Package id generates the identifiers used by movebroker.
//
//   - Session: a UUID naming one engine process generation
//   - Ticket: a compact, whitespace-free id carried on tagged engine requests
//   - Request: a UUID attached to each HTTP request and log line
package id
