package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// Default limiter values.
const (
	DefaultCleanupInterval = time.Minute
	DefaultEntryTTL        = 5 * time.Minute
)

// Config configures a Limiter.
type Config struct {
	Rate  float64 // tokens per second per client
	Burst int     // bucket capacity per client

	// TrustedProxies lists CIDRs or single addresses whose X-Forwarded-For
	// and X-Real-IP headers are believed.
	TrustedProxies []string

	CleanupInterval time.Duration
	EntryTTL        time.Duration
}

// Limiter keeps one Bucket per client IP.
type Limiter struct {
	cfg     Config
	proxies []netip.Prefix
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*Bucket

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLimiter creates a limiter and starts its cleanup goroutine. Invalid
// proxy entries are ignored. Call Stop to release it.
func NewLimiter(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultEntryTTL
	}

	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*Bucket),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, p := range cfg.TrustedProxies {
		if prefix, err := netip.ParsePrefix(p); err == nil {
			l.proxies = append(l.proxies, prefix.Masked())
		} else if addr, err := netip.ParseAddr(p); err == nil {
			l.proxies = append(l.proxies, netip.PrefixFrom(addr, addr.BitLen()))
		}
	}

	go l.cleanup()
	return l
}

// Burst returns the per-client bucket capacity.
func (l *Limiter) Burst() int {
	return int(capacity(l.cfg.Rate, l.cfg.Burst))
}

// Allow consumes one token for client.
func (l *Limiter) Allow(client string) (ok bool, remaining int, retryAfter time.Duration) {
	return l.bucket(client).Take()
}

func (l *Limiter) bucket(client string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[client]
	if !ok {
		b = newBucket(l.cfg.Rate, l.cfg.Burst, l.now)
		l.buckets[client] = b
	}
	return b
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ClientIP returns the address the request is accounted to. Forwarding
// headers are honored only when the peer is a trusted proxy.
func (l *Limiter) ClientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !l.trusted(remote) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String()
		}
	}
	return remote
}

func (l *Limiter) trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
}

func (l *Limiter) cleanup() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) removeIdle() {
	cutoff := l.now().Add(-l.cfg.EntryTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, b := range l.buckets {
		if b.idleSince().Before(cutoff) {
			delete(l.buckets, client)
		}
	}
}
