package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(clock *fakeClock, r float64) *Limiter {
	return New(Config{
		MinDelay:    time.Second,
		MaxDelay:    16 * time.Second,
		DecayAfter:  3,
		DecayFactor: 0.5,
		Jitter:      0.2,
		Logger:      slog.New(slog.DiscardHandler),
		Now:         clock.Now,
		Rand:        func() float64 { return r },
	})
}

func TestLimiter_AcquireSpacesRequests(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)

	assert.Equal(t, time.Duration(0), l.Acquire("zillow"), "first request goes immediately")
	assert.Equal(t, time.Second, l.Acquire("zillow"))
	assert.Equal(t, 2*time.Second, l.Acquire("zillow"))

	// other sources are paced independently
	assert.Equal(t, time.Duration(0), l.Acquire("redfin"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, time.Duration(0), l.Acquire("zillow"))
}

func TestLimiter_RateLimitedIncreasesDelay(t *testing.T) {
	tests := []struct {
		name string
		rand float64
	}{
		{name: "lowest jitter", rand: 0},
		{name: "no jitter", rand: 0.5},
		{name: "highest jitter", rand: 0.999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			l := newTestLimiter(clock, tt.rand)

			prev := l.Delay("zillow")
			for i := 0; i < 3; i++ {
				l.RecordRateLimited("zillow")
				next := l.Delay("zillow")
				assert.Greater(t, next, prev, "delay must strictly increase after 429 #%d", i+1)
				prev = next
			}
			assert.Equal(t, 3, l.Snapshot("zillow").Consecutive429)
		})
	}
}

func TestLimiter_NextAcquireWaitsLongerAfterRateLimit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)

	l.Acquire("zillow")
	before := l.Acquire("zillow")
	clock.Advance(before)

	l.RecordRateLimited("zillow")
	after := l.Acquire("zillow")
	assert.Greater(t, after, before)
	assert.Equal(t, 2*time.Second, after)
}

func TestLimiter_CeilingHolds(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.999)

	for i := 0; i < 20; i++ {
		l.RecordRateLimited("zillow")
	}
	assert.Equal(t, 16*time.Second, l.Delay("zillow"))
}

func TestLimiter_DecaysToFloor(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)

	l.RecordRateLimited("zillow")
	l.RecordRateLimited("zillow")
	l.RecordRateLimited("zillow")
	require.Equal(t, 8*time.Second, l.Delay("zillow"))

	// two successes are not enough to decay
	l.RecordSuccess("zillow")
	l.RecordSuccess("zillow")
	assert.Equal(t, 8*time.Second, l.Delay("zillow"))

	l.RecordSuccess("zillow")
	assert.Equal(t, 4*time.Second, l.Delay("zillow"))

	for i := 0; i < 30; i++ {
		l.RecordSuccess("zillow")
		assert.GreaterOrEqual(t, l.Delay("zillow"), time.Second)
	}
	assert.Equal(t, time.Second, l.Delay("zillow"))
	assert.Equal(t, 0, l.Snapshot("zillow").Consecutive429)
}

func TestLimiter_RateLimitResetsSuccessStreak(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)

	l.RecordRateLimited("zillow")
	l.RecordSuccess("zillow")
	l.RecordSuccess("zillow")
	l.RecordRateLimited("zillow")
	l.RecordSuccess("zillow")
	assert.Equal(t, 4*time.Second, l.Delay("zillow"))
	assert.Equal(t, 1, l.Snapshot("zillow").ConsecutiveSuccesses)
}

func TestLimiter_Overrides(t *testing.T) {
	l := New(Config{
		MinDelay: time.Second,
		MaxDelay: 10 * time.Second,
		Overrides: map[string]Bounds{
			"slow": {MinDelay: 5 * time.Second},
		},
		Logger: slog.New(slog.DiscardHandler),
	})

	assert.Equal(t, 5*time.Second, l.Delay("slow"))
	assert.Equal(t, time.Second, l.Delay("fast"))
	assert.Equal(t, []string{"fast", "slow"}, l.Sources())
}

func TestLimiter_SnapshotRestore(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)
	l.RecordRateLimited("zillow")
	l.RecordRateLimited("zillow")
	snap := l.Snapshot("zillow")

	restored := newTestLimiter(clock, 0.5)
	restored.Restore(snap)
	assert.Equal(t, snap, restored.Snapshot("zillow"))

	// out-of-range delays are clamped to the configured bounds
	restored.Restore(domain.RateBudget{Source: "redfin", CurrentDelay: time.Hour})
	assert.Equal(t, 16*time.Second, restored.Delay("redfin"))
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	l := New(Config{
		MinDelay: time.Hour,
		MaxDelay: time.Hour,
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, l.Wait(context.Background(), "zillow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := l.Wait(ctx, "zillow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zillow")
	assert.Less(t, time.Since(started), time.Second, "a slot past the deadline fails fast")

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	assert.ErrorIs(t, l.Wait(cancelled, "redfin"), context.Canceled)
}

func TestLimiter_SlowerDelayAppliesToQueuedRequests(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock, 0.5)

	assert.Equal(t, time.Duration(0), l.Acquire("zillow"))
	l.RecordRateLimited("zillow")
	l.RecordRateLimited("zillow")
	assert.Equal(t, 4*time.Second, l.Acquire("zillow"))

	clock.Advance(4 * time.Second)
	l.RecordSuccess("zillow")
	l.RecordSuccess("zillow")
	l.RecordSuccess("zillow")
	require.Equal(t, 2*time.Second, l.Delay("zillow"))
	assert.Equal(t, 2*time.Second, l.Acquire("zillow"))
}
