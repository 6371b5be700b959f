// Package dedup keeps, per property, the set of kept image fingerprints and
// decides whether a new image is a near-duplicate of one already kept.
//
// Fingerprints are bucketed with LSH banding: the 64 bits are split into
// threshold+1 bands, so by pigeonhole any two fingerprints within the
// threshold agree on at least one band. A lookup only compares against
// fingerprints sharing a band with the query.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/listing-extractor/internal/domain"
	"github.com/cuongbtq/listing-extractor/internal/phash"
)

// Loader returns the kept images already stored for a property, across jobs
type Loader interface {
	ListKeptImages(ctx context.Context, propertyID string) ([]domain.ImageRecord, error)
}

// Config holds index settings
type Config struct {
	Threshold     int            // max Hamming distance treated as a near-duplicate
	SmallSetSize  int            // below this many candidate images the threshold is relaxed
	SmallSetRelax int            // bits added to Threshold for small sets
	Priorities    map[string]int // higher wins a near-duplicate tie
	Loader        Loader
	Logger        *slog.Logger
}

// Entry is one kept image in the index
type Entry struct {
	Key         string
	JobID       string
	Source      string
	ContentHash string
	Fingerprint phash.Fingerprint
}

// Decision is the outcome of admitting a candidate
type Decision struct {
	Keep        bool
	Existing    bool    // the candidate is already in the index under the same key
	DuplicateOf *Entry  // set when the candidate is discarded
	Distance    int     // distance to the nearest kept neighbour, -1 if none
	Supersedes  []Entry // lower-priority kept images the candidate replaces
	Threshold   int     // effective threshold used for the decision
}

// CommitFunc persists a decision. It runs under the property lock; if it
// returns an error the index is left unchanged.
type CommitFunc func(Decision) error

type propertyIndex struct {
	mu      sync.Mutex
	loaded  bool
	entries map[string]*Entry
	bands   []map[uint64][]*Entry
}

// Index is a concurrent per-property near-duplicate index. Admissions for one
// property are serialised; different properties proceed in parallel.
type Index struct {
	cfg    Config
	shifts []uint
	masks  []uint64
	mu     sync.Mutex
	byProp map[string]*propertyIndex
}

// New creates an index
func New(cfg Config) (*Index, error) {
	if cfg.Threshold < 0 || cfg.Threshold >= 64 {
		return nil, fmt.Errorf("invalid dedup threshold: %d (must be between 0 and 63)", cfg.Threshold)
	}
	if cfg.SmallSetRelax < 0 {
		cfg.SmallSetRelax = 0
	}
	widest := cfg.Threshold + cfg.SmallSetRelax
	if widest >= 64 {
		return nil, fmt.Errorf("invalid dedup small set relax: %d (threshold plus relax must be below 64)", cfg.SmallSetRelax)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	idx := &Index{
		cfg:    cfg,
		byProp: make(map[string]*propertyIndex),
	}

	// split 64 bits into widest+1 contiguous bands of near-equal width, so any
	// fingerprint within the widest radius shares at least one band
	n := widest + 1
	offset := uint(0)
	for i := 0; i < n; i++ {
		width := uint(64 / n)
		if i < 64%n {
			width++
		}
		idx.shifts = append(idx.shifts, offset)
		idx.masks = append(idx.masks, (uint64(1)<<width)-1)
		offset += width
	}
	return idx, nil
}

func (x *Index) bandKey(band int, fp phash.Fingerprint) uint64 {
	return (uint64(fp) >> x.shifts[band]) & x.masks[band]
}

func (x *Index) priority(source string) int {
	return x.cfg.Priorities[source]
}

func (x *Index) property(propertyID string) *propertyIndex {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, ok := x.byProp[propertyID]
	if !ok {
		p = &propertyIndex{
			entries: make(map[string]*Entry),
			bands:   make([]map[uint64][]*Entry, len(x.shifts)),
		}
		for i := range p.bands {
			p.bands[i] = make(map[uint64][]*Entry)
		}
		x.byProp[propertyID] = p
	}
	return p
}

// hydrate loads the property's kept images on first use. Caller holds p.mu.
func (x *Index) hydrate(ctx context.Context, propertyID string, p *propertyIndex) error {
	if p.loaded || x.cfg.Loader == nil {
		p.loaded = true
		return nil
	}

	records, err := x.cfg.Loader.ListKeptImages(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("failed to load kept images for property %s: %w", propertyID, err)
	}
	for i := range records {
		r := &records[i]
		x.insert(p, &Entry{
			Key:         r.Key(),
			JobID:       r.JobID,
			Source:      r.Source,
			ContentHash: r.ContentHash,
			Fingerprint: phash.Fingerprint(r.Fingerprint),
		})
	}
	p.loaded = true

	x.cfg.Logger.Debug("Dedup index hydrated",
		slog.String("property_id", propertyID),
		slog.Int("kept_images", len(records)),
	)
	return nil
}

func (x *Index) insert(p *propertyIndex, e *Entry) {
	p.entries[e.Key] = e
	for b := range p.bands {
		k := x.bandKey(b, e.Fingerprint)
		p.bands[b][k] = append(p.bands[b][k], e)
	}
}

func (x *Index) remove(p *propertyIndex, key string) {
	e, ok := p.entries[key]
	if !ok {
		return
	}
	delete(p.entries, key)
	for b := range p.bands {
		k := x.bandKey(b, e.Fingerprint)
		bucket := p.bands[b][k]
		for i, other := range bucket {
			if other == e {
				bucket = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		if len(bucket) == 0 {
			delete(p.bands[b], k)
		} else {
			p.bands[b][k] = bucket
		}
	}
}

// neighbours returns every kept entry within threshold of fp, and the
// nearest distance seen among band candidates (-1 if there were none)
func (x *Index) neighbours(p *propertyIndex, fp phash.Fingerprint, threshold int) ([]*Entry, int) {
	seen := make(map[*Entry]bool)
	var within []*Entry
	nearest := -1
	for b := range p.bands {
		for _, e := range p.bands[b][x.bandKey(b, fp)] {
			if seen[e] {
				continue
			}
			seen[e] = true
			d := fp.Distance(e.Fingerprint)
			if nearest < 0 || d < nearest {
				nearest = d
			}
			if d <= threshold {
				within = append(within, e)
			}
		}
	}
	return within, nearest
}

// effectiveThreshold widens the near-duplicate radius for properties with few
// candidate images, where re-hosted copies of one photo drift further apart
func (x *Index) effectiveThreshold(p *propertyIndex, incoming int) int {
	t := x.cfg.Threshold
	if len(p.entries)+incoming < x.cfg.SmallSetSize {
		t += x.cfg.SmallSetRelax
	}
	return t
}

func (x *Index) decide(p *propertyIndex, e Entry, incoming int) Decision {
	threshold := x.effectiveThreshold(p, incoming)
	if _, ok := p.entries[e.Key]; ok {
		return Decision{Keep: true, Existing: true, Distance: 0, Threshold: threshold}
	}

	within, nearest := x.neighbours(p, e.Fingerprint, threshold)
	d := Decision{Keep: true, Distance: nearest, Threshold: threshold}
	if len(within) == 0 {
		return d
	}

	prio := x.priority(e.Source)
	var closest *Entry
	for _, n := range within {
		if x.priority(n.Source) >= prio {
			if closest == nil || e.Fingerprint.Distance(n.Fingerprint) < e.Fingerprint.Distance(closest.Fingerprint) {
				closest = n
			}
		}
	}
	if closest != nil {
		dup := *closest
		d.Keep = false
		d.DuplicateOf = &dup
		return d
	}

	// the candidate outranks every neighbour
	for _, n := range within {
		d.Supersedes = append(d.Supersedes, *n)
	}
	return d
}

// Admit atomically checks a candidate against the property's kept images and,
// when commit succeeds, records the result. incoming is the number of
// candidate images in the caller's batch, used for the small-set rule.
func (x *Index) Admit(ctx context.Context, propertyID string, e Entry, incoming int, commit CommitFunc) (Decision, error) {
	p := x.property(propertyID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := x.hydrate(ctx, propertyID, p); err != nil {
		return Decision{}, err
	}

	d := x.decide(p, e, incoming)
	if commit != nil {
		if err := commit(d); err != nil {
			return d, err
		}
	}

	if d.Keep && !d.Existing {
		for _, s := range d.Supersedes {
			x.remove(p, s.Key)
		}
		entry := e
		x.insert(p, &entry)
	}
	return d, nil
}

// IsDuplicate reports whether fp is within the threshold of a kept image
func (x *Index) IsDuplicate(ctx context.Context, propertyID string, fp phash.Fingerprint) (bool, error) {
	p := x.property(propertyID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := x.hydrate(ctx, propertyID, p); err != nil {
		return false, err
	}
	within, _ := x.neighbours(p, fp, x.effectiveThreshold(p, 1))
	return len(within) > 0, nil
}

// Record adds a kept image without any duplicate check
func (x *Index) Record(ctx context.Context, propertyID string, e Entry) error {
	p := x.property(propertyID)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := x.hydrate(ctx, propertyID, p); err != nil {
		return err
	}
	if _, ok := p.entries[e.Key]; !ok {
		entry := e
		x.insert(p, &entry)
	}
	return nil
}

// Len returns the number of kept images indexed for a property
func (x *Index) Len(propertyID string) int {
	p := x.property(propertyID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Forget drops the cached property so the next use reloads it from the store
func (x *Index) Forget(propertyID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.byProp, propertyID)
}
