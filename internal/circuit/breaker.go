// Package circuit implements per-source circuit breakers. One Breaker is
// shared by every job in the process so that a source found failing while
// serving one job is short-circuited for all of them.
package circuit

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

// Config holds breaker settings
type Config struct {
	FailureThreshold int           // consecutive failures that trip the circuit
	FailureWindow    time.Duration // a failure older than this restarts the count
	Cooldown         time.Duration // open time after the first trip
	MaxCooldown      time.Duration // cap for the exponentially growing cooldown
	Logger           *slog.Logger

	Now func() time.Time
}

type circuit struct {
	state         domain.CircuitState
	probeInFlight bool
}

// Breaker tracks Closed/Open/HalfOpen state per source
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
}

// New creates a breaker, filling unset settings with defaults
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Breaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) get(source string) *circuit {
	c, ok := b.circuits[source]
	if !ok {
		c = &circuit{state: domain.CircuitState{Source: source, State: domain.CircuitClosed}}
		b.circuits[source] = c
	}
	return c
}

// cooldown returns Cooldown * 2^(trips-1), capped at MaxCooldown
func (b *Breaker) cooldown(trips int) time.Duration {
	d := b.cfg.Cooldown
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return d
}

// Allow reports whether a request to source may be attempted now. While the
// circuit is half-open exactly one probe is admitted; its outcome must be
// reported through RecordOutcome, or the slot handed back with Release.
func (b *Breaker) Allow(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(source)
	now := b.cfg.Now()

	switch c.state.State {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if now.Before(c.state.NextProbeAt) {
			return false
		}
		c.state.State = domain.CircuitHalfOpen
		c.probeInFlight = true
		b.cfg.Logger.Info("Circuit half-open, admitting probe",
			slog.String("source", source),
			slog.Int("trips", c.state.Trips),
		)
		return true
	case domain.CircuitHalfOpen:
		if c.probeInFlight {
			return false
		}
		c.probeInFlight = true
		return true
	}
	return false
}

// Release returns an admitted half-open probe slot whose request gave no
// verdict on the source, such as an unused slot or a throttled response
func (b *Breaker) Release(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[source]; ok && c.state.State == domain.CircuitHalfOpen {
		c.probeInFlight = false
	}
}

// RecordOutcome feeds the result of an attempted request back into the breaker
func (b *Breaker) RecordOutcome(source string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(source)
	now := b.cfg.Now()

	switch c.state.State {
	case domain.CircuitClosed:
		if success {
			c.state.ConsecutiveFailures = 0
			return
		}
		if b.cfg.FailureWindow > 0 && !c.state.LastFailureAt.IsZero() &&
			now.Sub(c.state.LastFailureAt) > b.cfg.FailureWindow {
			c.state.ConsecutiveFailures = 0
		}
		c.state.ConsecutiveFailures++
		c.state.LastFailureAt = now
		if c.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(c, now)
		}

	case domain.CircuitHalfOpen:
		c.probeInFlight = false
		if success {
			c.state.State = domain.CircuitClosed
			c.state.ConsecutiveFailures = 0
			c.state.Trips = 0
			c.state.NextProbeAt = time.Time{}
			b.cfg.Logger.Info("Circuit closed after successful probe",
				slog.String("source", source),
			)
			return
		}
		c.state.LastFailureAt = now
		b.trip(c, now)

	case domain.CircuitOpen:
		// late results from requests started before the trip
		if !success {
			c.state.LastFailureAt = now
		}
	}
}

func (b *Breaker) trip(c *circuit, now time.Time) {
	c.state.Trips++
	cooldown := b.cooldown(c.state.Trips)
	c.state.State = domain.CircuitOpen
	c.state.OpenedAt = now
	c.state.NextProbeAt = now.Add(cooldown)
	c.probeInFlight = false

	b.cfg.Logger.Warn("Circuit opened",
		slog.String("source", c.state.Source),
		slog.Int("consecutive_failures", c.state.ConsecutiveFailures),
		slog.Int("trips", c.state.Trips),
		slog.Duration("cooldown", cooldown),
	)
}

// State returns a copy of the source's circuit state
func (b *Breaker) State(source string) domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(source).state
}

// Restore loads persisted state. A circuit persisted half-open is restored as
// open and immediately eligible for a probe, since its probe died with the process.
func (b *Breaker) Restore(state domain.CircuitState) {
	if state.Source == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if state.State == "" {
		state.State = domain.CircuitClosed
	}
	if state.State == domain.CircuitHalfOpen {
		state.State = domain.CircuitOpen
		state.NextProbeAt = b.cfg.Now()
	}
	b.circuits[state.Source] = &circuit{state: state}
}

// Sources lists the sources the breaker has seen, sorted
func (b *Breaker) Sources() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.circuits))
	for s := range b.circuits {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
