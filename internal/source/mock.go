package source

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/cuongbtq/listing-extractor/internal/imagegen"
)

// MockAdapterOptions configures a MockAdapter
type MockAdapterOptions struct {
	Name        string
	ImageCount  int           // images per property, default 6
	FailureRate float64       // probability of a transient failure per fetch
	Latency     time.Duration // simulated network time
	Seed        int64
}

// MockAdapter serves deterministic synthetic listing photos. The first half
// of every property's photos are shared by all mock sources (re-hosted at a
// different size per source) so that cross-source deduplication has work to do.
type MockAdapter struct {
	name        string
	imageCount  int
	failureRate float64
	latency     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockAdapter creates a mock source
func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	n := opts.ImageCount
	if n <= 0 {
		n = 6
	}
	seed := opts.Seed
	if seed == 0 {
		seed = int64(fnv64(opts.Name))
	}
	return &MockAdapter{
		name:        opts.Name,
		imageCount:  n,
		failureRate: opts.FailureRate,
		latency:     opts.Latency,
		rnd:         rand.New(rand.NewSource(seed)),
	}
}

// Name returns the source name
func (m *MockAdapter) Name() string {
	return m.name
}

// Fetch returns the synthetic photos for a property
func (m *MockAdapter) Fetch(ctx context.Context, propertyID string) ([]RawImage, error) {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, Timeout(ctx.Err())
		case <-time.After(m.latency):
		}
	}

	m.mu.Lock()
	roll := m.rnd.Float64()
	m.mu.Unlock()
	if roll < m.failureRate {
		fe := Transient(errors.New("simulated upstream failure"))
		fe.Source = m.name
		return nil, fe
	}

	shared := m.imageCount / 2
	images := make([]RawImage, 0, m.imageCount)
	for i := 0; i < m.imageCount; i++ {
		var key string
		if i < shared {
			key = fmt.Sprintf("%s#shared#%d", propertyID, i)
		} else {
			key = fmt.Sprintf("%s#%s#%d", propertyID, m.name, i)
		}
		photo := imagegen.Photo(int64(fnv64(key)))

		// each source re-hosts shared photos at its own size
		scale := 96 + int(fnv64(m.name)%64)
		data := imagegen.JPEG(imagegen.Resize(photo, scale*4/3, scale), 85)
		images = append(images, RawImage{
			URL:         fmt.Sprintf("mock://%s/%s/%d.jpg", m.name, propertyID, i),
			Data:        data,
			ContentType: "image/jpeg",
		})
	}
	return images, nil
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
