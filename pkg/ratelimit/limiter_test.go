package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := NewLimiter(cfg)
	t.Cleanup(l.Stop)
	clock := newFakeClock()
	l.now = clock.Now
	return l, clock
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{Rate: 1, Burst: 1})

	ok, _, _ := l.Allow("10.0.0.1")
	assert.True(t, ok)
	ok, _, _ = l.Allow("10.0.0.1")
	assert.False(t, ok)

	ok, _, _ = l.Allow("10.0.0.2")
	assert.True(t, ok, "a second client has its own bucket")
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_RemoveIdle(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(t, Config{Rate: 1, Burst: 1, EntryTTL: time.Minute})

	l.Allow("10.0.0.1")
	clock.Advance(30 * time.Second)
	l.Allow("10.0.0.2")
	clock.Advance(45 * time.Second)

	l.removeIdle()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_ClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		proxies []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote with port", nil, "192.0.2.1:5555", nil, "192.0.2.1"},
		{"remote without port", nil, "192.0.2.1", nil, "192.0.2.1"},
		{"untrusted xff ignored", nil, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.1"},
		{"trusted cidr xff", []string{"192.0.2.0/24"}, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, "203.0.113.9"},
		{"trusted single ip real-ip", []string{"192.0.2.1"}, "192.0.2.1:1", map[string]string{"X-Real-IP": "203.0.113.7"}, "203.0.113.7"},
		{"xff wins over real-ip", []string{"192.0.2.1"}, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "203.0.113.1", "X-Real-IP": "203.0.113.2"}, "203.0.113.1"},
		{"invalid xff falls back", []string{"192.0.2.1"}, "192.0.2.1:1", map[string]string{"X-Forwarded-For": "not-an-ip"}, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, _ := newTestLimiter(t, Config{Rate: 1, TrustedProxies: tt.proxies})
			r := httptest.NewRequest(http.MethodPost, "/move", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, l.ClientIP(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{Rate: 0.5, Burst: 2})

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/move", nil)
		r.RemoteAddr = "198.51.100.4:1234"
		h.ServeHTTP(rec, r)
		return rec
	}

	require.Equal(t, http.StatusOK, do().Code)
	rec := do()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"rate_limited"`)
}

func TestMiddleware_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	called := false
	h := Middleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, called)
}
