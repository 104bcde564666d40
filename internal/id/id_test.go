package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession(t *testing.T) {
	t.Parallel()

	s := Session()
	assert.Len(t, s, 36)
	assert.True(t, Valid(s))
	assert.NotEqual(t, s, Session())
}

func TestTicket(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		tk := Ticket()
		assert.Len(t, tk, 32)
		assert.False(t, strings.ContainsAny(tk, " \t-"), "ticket must be a single token")
		assert.True(t, Valid(tk))
		seen[tk] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestRequest(t *testing.T) {
	t.Parallel()

	r := Request()
	assert.True(t, Valid(r))
	assert.NotEqual(t, r, Request())

	assert.False(t, Valid(""))
	assert.False(t, Valid("not an id"))
}
