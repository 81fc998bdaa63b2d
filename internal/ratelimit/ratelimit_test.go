package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBuckets_BurstThenRejected(t *testing.T) {
	c := newClock()
	b := NewBuckets(Config{Name: "auth", Limit: 10, Window: time.Minute, Now: c.Now})

	for i := 1; i <= 10; i++ {
		d := b.Allow("10.0.0.1")
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i)
		}
		if d.Remaining != 10-i {
			t.Fatalf("call %d: expected remaining %d, got %d", i, 10-i, d.Remaining)
		}
	}
	d := b.Allow("10.0.0.1")
	if d.Allowed {
		t.Fatal("eleventh call within the window should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > 6*time.Second {
		t.Fatalf("unexpected retry-after %v", d.RetryAfter)
	}
	if d.Remaining != 0 || d.Limit != 10 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d.Reset != time.Minute {
		t.Fatalf("expected full reset in one window, got %v", d.Reset)
	}
}

func TestBuckets_RefillOverWindow(t *testing.T) {
	c := newClock()
	b := NewBuckets(Config{Name: "api", Limit: 30, Window: time.Minute, Now: c.Now})
	for i := 0; i < 30; i++ {
		if !b.Allow("a").Allowed {
			t.Fatalf("burst call %d rejected", i)
		}
	}
	if b.Allow("a").Allowed {
		t.Fatal("31st call should be rejected")
	}
	c.Advance(2 * time.Second)
	if !b.Allow("a").Allowed {
		t.Fatal("one token should refill after 2s at 30/min")
	}
	c.Advance(time.Minute)
	d := b.Allow("a")
	if !d.Allowed || d.Remaining != 29 {
		t.Fatalf("expected full refill, got %+v", d)
	}
}

func TestBuckets_SourcesAreIndependent(t *testing.T) {
	c := newClock()
	b := NewBuckets(Config{Name: "create", Limit: 1, Window: time.Minute, Now: c.Now})
	if !b.Allow("a").Allowed || !b.Allow("b").Allowed {
		t.Fatal("first call per source should pass")
	}
	if b.Allow("a").Allowed {
		t.Fatal("second call from a should be rejected")
	}
	if b.Len() != 2 {
		t.Fatalf("expected 2 tracked sources, got %d", b.Len())
	}
}

func TestWindow_TenPerRollingMinute(t *testing.T) {
	c := newClock()
	w := NewWindow(Config{Name: "ws", Limit: 10, Window: time.Minute, Now: c.Now})

	for i := 0; i < 10; i++ {
		if !w.Allow("ip").Allowed {
			t.Fatalf("attempt %d should be allowed", i)
		}
		c.Advance(5 * time.Second)
	}
	// t=50s: ten attempts in the last minute.
	d := w.Allow("ip")
	if d.Allowed {
		t.Fatal("eleventh attempt in the rolling window should be rejected")
	}
	if d.RetryAfter != 10*time.Second {
		t.Fatalf("expected retry after 10s, got %v", d.RetryAfter)
	}
	// Rejected attempts are not recorded: at t=60s the first attempt ages out.
	c.Advance(10 * time.Second)
	if !w.Allow("ip").Allowed {
		t.Fatal("attempt should pass once the oldest ages out")
	}
	if w.Allow("ip").Allowed {
		t.Fatal("window should be full again")
	}
}

func TestWindow_EleventhCreateSpreadOverMinuteRejected(t *testing.T) {
	c := newClock()
	w := NewWindow(Config{Name: "create", Limit: 10, Window: time.Minute, Now: c.Now})

	for i := 1; i <= 10; i++ {
		if d := w.Allow("10.0.0.1"); !d.Allowed {
			t.Fatalf("create %d rejected", i)
		}
		c.Advance(5500 * time.Millisecond)
	}
	// 55s after the first create.
	d := w.Allow("10.0.0.1")
	if d.Allowed {
		t.Fatal("11th create within 60s was admitted")
	}
	if d.RetryAfter != 5*time.Second {
		t.Fatalf("RetryAfter = %v, want 5s", d.RetryAfter)
	}

	c.Advance(5 * time.Second)
	if d := w.Allow("10.0.0.1"); !d.Allowed {
		t.Fatal("create rejected once the first one left the window")
	}
}

func TestSourceCap_EvictsIdleThenLeastRecent(t *testing.T) {
	c := newClock()
	w := NewWindow(Config{Name: "ws", Limit: 5, Window: time.Minute, MaxSources: 3, Now: c.Now})

	w.Allow("old")
	c.Advance(2 * time.Minute)
	w.Allow("a")
	c.Advance(time.Second)
	w.Allow("b")
	c.Advance(time.Second)

	// Table full; "old" is idle past the window and goes first.
	w.Allow("c")
	if w.Len() != 3 {
		t.Fatalf("expected 3 tracked, got %d", w.Len())
	}
	w.mu.Lock()
	_, hasOld := w.table.entries["old"]
	w.mu.Unlock()
	if hasOld {
		t.Fatal("idle source should have been evicted")
	}

	// Nothing idle now; the least recently seen ("a") is dropped.
	c.Advance(time.Second)
	w.Allow("d")
	w.mu.Lock()
	_, hasA := w.table.entries["a"]
	_, hasB := w.table.entries["b"]
	w.mu.Unlock()
	if hasA || !hasB {
		t.Fatalf("expected a evicted and b kept (a=%v b=%v)", hasA, hasB)
	}
	if w.Len() != 3 {
		t.Fatalf("cap exceeded: %d", w.Len())
	}
}

func TestEvictIdle(t *testing.T) {
	c := newClock()
	b := NewBuckets(Config{Name: "api", Limit: 5, Window: time.Minute, Now: c.Now})
	for i := 0; i < 5; i++ {
		b.Allow(fmt.Sprintf("src-%d", i))
	}
	c.Advance(90 * time.Second)
	b.Allow("src-0")

	if n := b.EvictIdle(2 * time.Minute); n != 0 {
		t.Fatalf("nothing is idle for 2m yet, evicted %d", n)
	}
	c.Advance(time.Minute)
	if n := b.EvictIdle(2 * time.Minute); n != 4 {
		t.Fatalf("expected 4 evicted, got %d", n)
	}
	if b.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", b.Len())
	}
}

func TestBuckets_ConcurrentAllow(t *testing.T) {
	b := NewBuckets(Config{Name: "create", Limit: 10, Window: time.Hour})
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow("same").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 10 {
		t.Fatalf("expected exactly 10 admitted, got %d", allowed)
	}
}
