package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/phash"
)

type fakeLoader struct {
	mu      sync.Mutex
	records map[string][]domain.ImageRecord
	calls   int
	err     error
}

func (f *fakeLoader) ListKeptImages(_ context.Context, propertyID string) ([]domain.ImageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.records[propertyID], nil
}

func newTestIndex(t *testing.T, loader Loader) *Index {
	t.Helper()
	idx, err := New(Config{
		Threshold:     10,
		SmallSetSize:  5,
		SmallSetRelax: 2,
		Priorities:    map[string]int{"zillow": 10, "redfin": 5},
		Loader:        loader,
		Logger:        slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return idx
}

func entry(source, hash string, fp phash.Fingerprint) Entry {
	return Entry{Key: "job/" + source + "/" + hash, JobID: "job", Source: source, ContentHash: hash, Fingerprint: fp}
}

// flip returns fp with the lowest n bits inverted
func flip(fp phash.Fingerprint, n int) phash.Fingerprint {
	return fp ^ phash.Fingerprint((uint64(1)<<uint(n))-1)
}

func TestNew_InvalidThreshold(t *testing.T) {
	_, err := New(Config{Threshold: 64})
	assert.Error(t, err)
	_, err = New(Config{Threshold: -1})
	assert.Error(t, err)
}

func TestNew_InvalidSmallSetRelax(t *testing.T) {
	_, err := New(Config{Threshold: 60, SmallSetRelax: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold plus relax")
}

// a near duplicate whose differing bits touch every band of the base radius
// is still found through the widened small-set radius
func TestIndex_SmallSetFindsScatteredDifferences(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	base := phash.Fingerprint(0x0f1e2d3c4b5a6978)

	scattered := base
	for _, bit := range []uint{0, 6, 12, 18, 24, 30, 36, 42, 48, 54, 59, 60} {
		scattered ^= phash.Fingerprint(uint64(1) << bit)
	}
	require.Equal(t, 12, base.Distance(scattered))

	_, err := idx.Admit(ctx, "p1", entry("redfin", "a", base), 2, nil)
	require.NoError(t, err)
	d, err := idx.Admit(ctx, "p1", entry("redfin", "b", scattered), 2, nil)
	require.NoError(t, err)
	assert.False(t, d.Keep)
	assert.Equal(t, 12, d.Distance)
}

func TestIndex_BandsCoverAllBits(t *testing.T) {
	for _, threshold := range []int{0, 1, 7, 10, 31, 63} {
		idx, err := New(Config{Threshold: threshold})
		require.NoError(t, err)
		require.Len(t, idx.shifts, threshold+1)

		var covered uint64
		for b := range idx.shifts {
			covered |= idx.masks[b] << idx.shifts[b]
		}
		assert.Equal(t, ^uint64(0), covered, "threshold %d", threshold)
	}
}

func TestIndex_AdmitIdenticalFingerprint(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	fp := phash.Fingerprint(0xdeadbeefcafef00d)

	d, err := idx.Admit(ctx, "p1", entry("redfin", "a", fp), 10, nil)
	require.NoError(t, err)
	assert.True(t, d.Keep)
	assert.Equal(t, -1, d.Distance)

	d, err = idx.Admit(ctx, "p1", entry("redfin", "b", fp), 10, nil)
	require.NoError(t, err)
	assert.False(t, d.Keep)
	require.NotNil(t, d.DuplicateOf)
	assert.Equal(t, "job/redfin/a", d.DuplicateOf.Key)
	assert.Equal(t, 0, d.Distance)

	assert.Equal(t, 1, idx.Len("p1"))
}

func TestIndex_ScopedPerProperty(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	fp := phash.Fingerprint(42)

	d1, err := idx.Admit(ctx, "p1", entry("redfin", "a", fp), 10, nil)
	require.NoError(t, err)
	d2, err := idx.Admit(ctx, "p2", entry("redfin", "a", fp), 10, nil)
	require.NoError(t, err)
	assert.True(t, d1.Keep)
	assert.True(t, d2.Keep)
}

func TestIndex_Threshold(t *testing.T) {
	base := phash.Fingerprint(0x0123456789abcdef)
	tests := []struct {
		name     string
		distance int
		incoming int
		keep     bool
	}{
		{name: "at threshold is duplicate", distance: 10, incoming: 10, keep: false},
		{name: "beyond threshold is kept", distance: 11, incoming: 10, keep: true},
		{name: "small set widens duplicate radius", distance: 12, incoming: 1, keep: false},
		{name: "small set keeps images past widened radius", distance: 13, incoming: 1, keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newTestIndex(t, nil)
			ctx := context.Background()
			_, err := idx.Admit(ctx, "p1", entry("redfin", "a", base), tt.incoming, nil)
			require.NoError(t, err)

			d, err := idx.Admit(ctx, "p1", entry("redfin", "b", flip(base, tt.distance)), tt.incoming, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.keep, d.Keep)
		})
	}
}

func TestIndex_PrioritySupersedes(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	fp := phash.Fingerprint(0xfeedface)

	_, err := idx.Admit(ctx, "p1", entry("redfin", "low", fp), 10, nil)
	require.NoError(t, err)

	d, err := idx.Admit(ctx, "p1", entry("zillow", "high", flip(fp, 3)), 10, nil)
	require.NoError(t, err)
	assert.True(t, d.Keep)
	require.Len(t, d.Supersedes, 1)
	assert.Equal(t, "job/redfin/low", d.Supersedes[0].Key)
	assert.Equal(t, 1, idx.Len("p1"))

	// a later lower-priority copy is now a duplicate of the zillow image
	d, err = idx.Admit(ctx, "p1", entry("redfin", "again", fp), 10, nil)
	require.NoError(t, err)
	assert.False(t, d.Keep)
	assert.Equal(t, "job/zillow/high", d.DuplicateOf.Key)
}

func TestIndex_EqualPriorityKeepsFirst(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	fp := phash.Fingerprint(7)

	_, err := idx.Admit(ctx, "p1", entry("unranked-a", "x", fp), 10, nil)
	require.NoError(t, err)
	d, err := idx.Admit(ctx, "p1", entry("unranked-b", "y", fp), 10, nil)
	require.NoError(t, err)
	assert.False(t, d.Keep)
}

func TestIndex_SameKeyIsExisting(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	e := entry("redfin", "a", 99)

	_, err := idx.Admit(ctx, "p1", e, 10, nil)
	require.NoError(t, err)
	d, err := idx.Admit(ctx, "p1", e, 10, nil)
	require.NoError(t, err)
	assert.True(t, d.Keep)
	assert.True(t, d.Existing)
	assert.Equal(t, 1, idx.Len("p1"))
}

func TestIndex_CommitFailureLeavesIndexUnchanged(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	boom := errors.New("disk full")

	_, err := idx.Admit(ctx, "p1", entry("redfin", "a", 5), 10, func(Decision) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, idx.Len("p1"))

	d, err := idx.Admit(ctx, "p1", entry("redfin", "a", 5), 10, func(Decision) error { return nil })
	require.NoError(t, err)
	assert.True(t, d.Keep)
	assert.Equal(t, 1, idx.Len("p1"))
}

func TestIndex_HydratesFromLoader(t *testing.T) {
	fp := phash.Fingerprint(0xabcdef)
	loader := &fakeLoader{records: map[string][]domain.ImageRecord{
		"p1": {{JobID: "old-job", PropertyID: "p1", Source: "redfin", ContentHash: "h1", Fingerprint: uint64(fp), Status: domain.ImageKept}},
	}}
	idx := newTestIndex(t, loader)
	ctx := context.Background()

	dup, err := idx.IsDuplicate(ctx, "p1", flip(fp, 2))
	require.NoError(t, err)
	assert.True(t, dup, "kept images from earlier jobs count")

	d, err := idx.Admit(ctx, "p1", entry("redfin", "h2", fp), 10, nil)
	require.NoError(t, err)
	assert.False(t, d.Keep)
	assert.Equal(t, "old-job/redfin/h1", d.DuplicateOf.Key)
	assert.Equal(t, 1, loader.calls, "hydration happens once per property")

	idx.Forget("p1")
	_, err = idx.IsDuplicate(ctx, "p1", fp)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestIndex_HydrationErrorIsRetried(t *testing.T) {
	loader := &fakeLoader{err: errors.New("db down")}
	idx := newTestIndex(t, loader)
	ctx := context.Background()

	_, err := idx.Admit(ctx, "p1", entry("redfin", "a", 1), 10, nil)
	require.Error(t, err)

	loader.err = nil
	_, err = idx.Admit(ctx, "p1", entry("redfin", "a", 1), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestIndex_RecordAndIsDuplicate(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	require.NoError(t, idx.Record(ctx, "p1", entry("redfin", "a", 0)))
	dup, err := idx.IsDuplicate(ctx, "p1", flip(0, 4))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = idx.IsDuplicate(ctx, "p1", flip(0, 30))
	require.NoError(t, err)
	assert.False(t, dup)
}

// Banding must find every pair within the threshold that a full pairwise scan finds.
func TestIndex_MatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	idx := newTestIndex(t, nil)
	ctx := context.Background()

	var kept []phash.Fingerprint
	for i := 0; i < 400; i++ {
		var fp phash.Fingerprint
		if len(kept) > 0 && r.Intn(2) == 0 {
			// perturb a kept fingerprint by a random number of random bits
			fp = kept[r.Intn(len(kept))]
			for n := r.Intn(14); n > 0; n-- {
				fp ^= 1 << uint(r.Intn(64))
			}
		} else {
			fp = phash.Fingerprint(r.Uint64())
		}

		expectKeep := true
		for _, k := range kept {
			if fp.Distance(k) <= 10 {
				expectKeep = false
				break
			}
		}

		d, err := idx.Admit(ctx, "p1", entry("redfin", fmt.Sprintf("h%d", i), fp), 100, nil)
		require.NoError(t, err)
		require.Equal(t, expectKeep, d.Keep, "candidate %d", i)
		if d.Keep {
			kept = append(kept, fp)
		}
	}
	assert.Equal(t, len(kept), idx.Len("p1"))
}

func TestIndex_ConcurrentAdmitsNeverKeepNearDuplicates(t *testing.T) {
	idx := newTestIndex(t, nil)
	ctx := context.Background()
	fp := phash.Fingerprint(0x1234)

	var wg sync.WaitGroup
	var mu sync.Mutex
	kept := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := idx.Admit(ctx, "p1", entry("redfin", fmt.Sprintf("h%d", i), flip(fp, i%4)), 10, nil)
			if assert.NoError(t, err) && d.Keep {
				mu.Lock()
				kept++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, kept)
}
