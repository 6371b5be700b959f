// Package ratelimit paces requests per source. The limiter is a process-wide
// singleton shared by every job and worker; a 429 seen by one job slows the
// source down for all of them. Each source is a token bucket of size one
// whose refill interval is the adaptive delay.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// Bounds overrides the delay floor and ceiling for one source
type Bounds struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Config holds limiter settings
type Config struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	DecayAfter  int     // consecutive successes before the delay decays
	DecayFactor float64 // multiplier applied on decay, in (0, 1)
	Jitter      float64 // fraction of random jitter applied on backoff
	Overrides   map[string]Bounds
	Logger      *slog.Logger

	Now  func() time.Time
	Rand func() float64
}

type bucket struct {
	budget domain.RateBudget
	lim    *rate.Limiter
}

// setDelay changes the spacing between requests from now on. Caller holds mu.
func (b *bucket) setDelay(now time.Time, d time.Duration) {
	b.budget.CurrentDelay = d
	b.lim.SetLimitAt(now, rate.Every(d))
}

// Limiter is an adaptive per-source pacer
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

// New creates a limiter, filling unset settings with defaults
func New(cfg Config) *Limiter {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.DecayAfter <= 0 {
		cfg.DecayAfter = 5
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = 0.8
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 0.4 {
		cfg.Jitter = 0.4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}

	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) bounds(source string) (time.Duration, time.Duration) {
	minDelay, maxDelay := l.cfg.MinDelay, l.cfg.MaxDelay
	if o, ok := l.cfg.Overrides[source]; ok {
		if o.MinDelay > 0 {
			minDelay = o.MinDelay
		}
		if o.MaxDelay > 0 {
			maxDelay = o.MaxDelay
		}
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return minDelay, maxDelay
}

// get returns the bucket for source, creating it at the floor. Caller holds mu.
func (l *Limiter) get(source string) *bucket {
	b, ok := l.buckets[source]
	if !ok {
		minDelay, maxDelay := l.bounds(source)
		b = &bucket{
			budget: domain.RateBudget{
				Source:       source,
				CurrentDelay: minDelay,
				MinDelay:     minDelay,
				MaxDelay:     maxDelay,
			},
			lim: rate.NewLimiter(rate.Every(minDelay), 1),
		}
		l.buckets[source] = b
	}
	return b
}

// Acquire reserves the next request slot for source and returns how long the
// caller must wait before using it. Successive callers are spaced by the
// source's current delay.
func (l *Limiter) Acquire(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	return l.get(source).lim.ReserveN(now, 1).DelayFrom(now)
}

// Wait blocks until the caller's slot for source arrives. It fails without
// taking a slot when ctx ends first or its deadline falls before the slot.
// Wait runs on the wall clock.
func (l *Limiter) Wait(ctx context.Context, source string) error {
	l.mu.Lock()
	lim := l.get(source).lim
	l.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for %s request slot: %w", source, err)
	}
	return nil
}

// RecordSuccess counts a successful request; every DecayAfter consecutive
// successes shrink the delay geometrically toward the floor.
func (l *Limiter) RecordSuccess(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(source)
	b.budget.Consecutive429 = 0
	b.budget.ConsecutiveSuccesses++
	if b.budget.ConsecutiveSuccesses < l.cfg.DecayAfter {
		return
	}
	b.budget.ConsecutiveSuccesses = 0

	next := time.Duration(float64(b.budget.CurrentDelay) * l.cfg.DecayFactor)
	if next < b.budget.MinDelay {
		next = b.budget.MinDelay
	}
	if next == b.budget.CurrentDelay {
		return
	}
	l.cfg.Logger.Debug("Rate limit delay decayed",
		slog.String("source", source),
		slog.Duration("from", b.budget.CurrentDelay),
		slog.Duration("to", next),
	)
	b.setDelay(l.cfg.Now(), next)
}

// RecordRateLimited doubles the delay with jitter, up to the ceiling. The new
// delay is strictly larger than the old one unless the ceiling was reached.
func (l *Limiter) RecordRateLimited(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(source)
	b.budget.ConsecutiveSuccesses = 0
	b.budget.Consecutive429++

	prev := b.budget.CurrentDelay
	factor := 1 + (l.cfg.Rand()*2-1)*l.cfg.Jitter
	next := time.Duration(float64(prev) * 2 * factor)
	if next <= prev {
		next = prev * 2
	}
	if next > b.budget.MaxDelay {
		next = b.budget.MaxDelay
	}
	if next < b.budget.MinDelay {
		next = b.budget.MinDelay
	}
	b.setDelay(l.cfg.Now(), next)

	l.cfg.Logger.Warn("Source rate limited, backing off",
		slog.String("source", source),
		slog.Duration("delay", next),
		slog.Int("consecutive_429", b.budget.Consecutive429),
	)
}

// Delay returns the current delay for source
func (l *Limiter) Delay(source string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(source).budget.CurrentDelay
}

// Snapshot returns a copy of the source's budget for persistence
func (l *Limiter) Snapshot(source string) domain.RateBudget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(source).budget
}

// Restore loads a persisted budget. The configured bounds win over the
// persisted ones, and the delay is clamped into them.
func (l *Limiter) Restore(budget domain.RateBudget) {
	if budget.Source == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(budget.Source)
	delay := budget.CurrentDelay
	if delay < b.budget.MinDelay {
		delay = b.budget.MinDelay
	}
	if delay > b.budget.MaxDelay {
		delay = b.budget.MaxDelay
	}
	b.setDelay(l.cfg.Now(), delay)
	b.budget.Consecutive429 = budget.Consecutive429
	b.budget.ConsecutiveSuccesses = budget.ConsecutiveSuccesses
}

// Sources lists the sources the limiter has seen, sorted
func (l *Limiter) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.buckets))
	for s := range l.buckets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
