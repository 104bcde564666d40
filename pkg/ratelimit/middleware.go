package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/movebroker/movebroker/pkg/httputil"
)

// Middleware enforces per-client rate limiting. A nil limiter passes every
// request through.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, remaining, retry := l.Allow(l.ClientIP(r))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Burst()))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(retry), 10))
			httputil.WriteTooManyRequests(w, "rate_limited", "too many requests, slow down")
		})
	}
}

func retrySeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
