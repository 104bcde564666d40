package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNewBucket_StartsFull(t *testing.T) {
	t.Parallel()
	b := NewBucket(50, 10)

	if b.Burst() != 10 {
		t.Errorf("expected burst 10, got %d", b.Burst())
	}
	if got := b.Available(); got < 9.9 {
		t.Errorf("expected bucket to start full (~10), got %v", got)
	}
}

func TestNewBucket_ZeroBurstDefaultsToRate(t *testing.T) {
	t.Parallel()

	if got := NewBucket(25, 0).Burst(); got != 25 {
		t.Errorf("expected burst to default to rate (25), got %d", got)
	}
	if got := NewBucket(0.5, 0).Burst(); got != 1 {
		t.Errorf("expected burst of at least 1, got %d", got)
	}
}

func TestTake_DrainsAndRefills(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newBucket(2, 3, clock.Now)

	for i := range 3 {
		ok, remaining, _ := b.Take()
		if !ok {
			t.Fatalf("take %d should succeed", i)
		}
		if remaining != 2-i {
			t.Errorf("take %d: expected %d remaining, got %d", i, 2-i, remaining)
		}
	}

	ok, _, retry := b.Take()
	if ok {
		t.Fatal("expected empty bucket to refuse")
	}
	if retry != 500*time.Millisecond {
		t.Errorf("expected retry after 500ms, got %v", retry)
	}

	clock.Advance(500 * time.Millisecond)
	if !b.Allow() {
		t.Error("expected a token after refill")
	}
}

func TestTake_NeverExceedsBurst(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newBucket(100, 2, clock.Now)

	clock.Advance(time.Hour)
	if got := b.Available(); got != 2 {
		t.Errorf("expected available capped at 2, got %v", got)
	}
}

func TestAllow_Concurrent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newBucket(1, 50, clock.Now)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 50 {
		t.Errorf("expected exactly 50 grants, got %d", granted)
	}
}
