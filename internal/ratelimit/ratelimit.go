// Package ratelimit holds per-source admission limits. Window admits at
// most Limit calls in any rolling Window and backs the API, creation and
// websocket limits. Buckets is a refilling token bucket for the token
// exchange, where bursts are tolerated. Both bound the number of sources
// they track.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is how long until the next call would be admitted. Zero
	// when allowed.
	RetryAfter time.Duration
	// Reset is how long until the source's full allowance is restored.
	Reset time.Duration
}

// Limiter admits or rejects calls per source.
type Limiter interface {
	Name() string
	Allow(source string) Decision
	EvictIdle(maxIdle time.Duration) int
	Len() int
}

// Config describes a limit of Limit calls per Window.
type Config struct {
	Name       string
	Limit      int
	Window     time.Duration
	MaxSources int
	Now        func() time.Time
}

func (c *Config) defaults() {
	if c.Limit <= 0 {
		c.Limit = 1
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 10000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// sourceTable tracks lastSeen per source and evicts when full.
type sourceTable[T any] struct {
	max     int
	window  time.Duration
	entries map[string]*tracked[T]
}

type tracked[T any] struct {
	val      T
	lastSeen time.Time
}

// get returns the entry for source, creating it with mk. Creating into a
// full table first drops entries idle longer than the window, then the
// least recently seen entry.
func (t *sourceTable[T]) get(source string, now time.Time, mk func() T) *tracked[T] {
	if e, ok := t.entries[source]; ok {
		return e
	}
	if len(t.entries) >= t.max {
		t.evictIdle(now, t.window)
	}
	if len(t.entries) >= t.max {
		var oldest string
		var oldestSeen time.Time
		for k, e := range t.entries {
			if oldest == "" || e.lastSeen.Before(oldestSeen) {
				oldest, oldestSeen = k, e.lastSeen
			}
		}
		delete(t.entries, oldest)
	}
	e := &tracked[T]{val: mk(), lastSeen: now}
	t.entries[source] = e
	return e
}

func (t *sourceTable[T]) evictIdle(now time.Time, maxIdle time.Duration) int {
	n := 0
	for k, e := range t.entries {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// Buckets is a per-source token bucket: Limit calls may burst, and the
// allowance refills evenly over Window.
type Buckets struct {
	cfg   Config
	every rate.Limit

	mu    sync.Mutex
	table sourceTable[*rate.Limiter]
}

func NewBuckets(cfg Config) *Buckets {
	cfg.defaults()
	return &Buckets{
		cfg:   cfg,
		every: rate.Every(cfg.Window / time.Duration(cfg.Limit)),
		table: sourceTable[*rate.Limiter]{
			max:     cfg.MaxSources,
			window:  cfg.Window,
			entries: make(map[string]*tracked[*rate.Limiter]),
		},
	}
}

func (b *Buckets) Name() string { return b.cfg.Name }

func (b *Buckets) Allow(source string) Decision {
	now := b.cfg.Now()
	b.mu.Lock()
	e := b.table.get(source, now, func() *rate.Limiter {
		return rate.NewLimiter(b.every, b.cfg.Limit)
	})
	e.lastSeen = now
	lim := e.val
	b.mu.Unlock()

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)
	perToken := b.cfg.Window / time.Duration(b.cfg.Limit)

	d := Decision{
		Allowed:   allowed,
		Limit:     b.cfg.Limit,
		Remaining: max(0, int(math.Floor(tokens))),
		Reset:     time.Duration((float64(b.cfg.Limit) - tokens) * float64(perToken)),
	}
	if !allowed {
		d.RetryAfter = time.Duration((1 - tokens) * float64(perToken))
	}
	return d
}

func (b *Buckets) EvictIdle(maxIdle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table.evictIdle(b.cfg.Now(), maxIdle)
}

func (b *Buckets) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.table.entries)
}

// Window admits at most Limit attempts per source in any rolling Window.
// Rejected attempts are not counted.
type Window struct {
	cfg Config

	mu    sync.Mutex
	table sourceTable[[]time.Time]
}

func NewWindow(cfg Config) *Window {
	cfg.defaults()
	return &Window{
		cfg: cfg,
		table: sourceTable[[]time.Time]{
			max:     cfg.MaxSources,
			window:  cfg.Window,
			entries: make(map[string]*tracked[[]time.Time]),
		},
	}
}

func (w *Window) Name() string { return w.cfg.Name }

func (w *Window) Allow(source string) Decision {
	now := w.cfg.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.table.get(source, now, func() []time.Time { return nil })
	e.lastSeen = now

	recent := e.val[:0]
	for _, t := range e.val {
		if now.Sub(t) < w.cfg.Window {
			recent = append(recent, t)
		}
	}

	d := Decision{Limit: w.cfg.Limit}
	if len(recent) >= w.cfg.Limit {
		d.RetryAfter = w.cfg.Window - now.Sub(recent[0])
		d.Reset = w.cfg.Window - now.Sub(recent[len(recent)-1])
		e.val = recent
		return d
	}
	recent = append(recent, now)
	e.val = recent
	d.Allowed = true
	d.Remaining = w.cfg.Limit - len(recent)
	d.Reset = w.cfg.Window
	return d
}

func (w *Window) EvictIdle(maxIdle time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.table.evictIdle(w.cfg.Now(), maxIdle)
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.table.entries)
}
