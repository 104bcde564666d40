package id

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Session returns an id for a new engine session.
func Session() string {
	return uuid.NewString()
}

// Ticket returns an id for a tagged engine request. It is the UUID with
// dashes removed so the engine sees a single 32-character token.
func Ticket() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Request returns an id for HTTP request correlation. Clients may send
// one back in X-Request-ID; it is accepted because it passes Valid.
func Request() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID, dashed or not.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
