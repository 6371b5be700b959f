// Package phash computes 64-bit DCT perceptual hashes. Two encodings of the
// same photo (resized, recompressed, thumbnailed) hash to fingerprints a few
// bits apart; unrelated photos land about 32 bits apart.
package phash

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"
	"strconv"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	sampleSize = 32
	blockSize  = 8

	// MaxPixels bounds the decoded size of a candidate image
	MaxPixels = 80_000_000
)

var (
	// ErrImageTooLarge is returned for images whose header declares more than MaxPixels
	ErrImageTooLarge = errors.New("image too large")

	// ErrEmptyImage is returned for zero-area images
	ErrEmptyImage = errors.New("image has no pixels")
)

// Fingerprint is a 64-bit perceptual hash
type Fingerprint uint64

// Distance returns the Hamming distance between two fingerprints
func (f Fingerprint) Distance(other Fingerprint) int {
	return bits.OnesCount64(uint64(f ^ other))
}

// String renders the fingerprint as 16 hex digits
func (f Fingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

// Parse reads a fingerprint produced by String
func Parse(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Result is the outcome of hashing one image
type Result struct {
	Fingerprint Fingerprint
	Width       int
	Height      int
	Format      string
}

// Hasher computes fingerprints. It is immutable after NewHasher and safe for
// concurrent use.
type Hasher struct {
	cos [blockSize][sampleSize]float64
}

// NewHasher precomputes the DCT basis
func NewHasher() *Hasher {
	h := &Hasher{}
	for u := 0; u < blockSize; u++ {
		for x := 0; x < sampleSize; x++ {
			h.cos[u][x] = math.Cos(float64(2*x+1) * float64(u) * math.Pi / (2 * sampleSize))
		}
	}
	return h
}

// Fingerprint decodes data (JPEG, PNG, GIF or WebP) and hashes it
func (h *Hasher) Fingerprint(data []byte) (Result, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Result{}, ErrEmptyImage
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return Result{}, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode image: %w", err)
	}

	return Result{
		Fingerprint: h.Hash(img),
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      format,
	}, nil
}

// Hash fingerprints an already decoded image: scale to 32x32 grayscale,
// take the 2-D DCT, keep the low-frequency 8x8 block and set one bit per
// coefficient above the block's median (DC excluded from the median).
func (h *Hasher) Hash(img image.Image) Fingerprint {
	gray := image.NewGray(image.Rect(0, 0, sampleSize, sampleSize))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var pixels [sampleSize][sampleSize]float64
	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			pixels[y][x] = float64(gray.GrayAt(x, y).Y)
		}
	}

	// rows: rowDCT[y][u] = sum_x pixels[y][x] * cos[u][x]
	var rowDCT [sampleSize][blockSize]float64
	for y := 0; y < sampleSize; y++ {
		for u := 0; u < blockSize; u++ {
			var sum float64
			for x := 0; x < sampleSize; x++ {
				sum += pixels[y][x] * h.cos[u][x]
			}
			rowDCT[y][u] = sum
		}
	}

	// columns: coeffs[v][u] = sum_y rowDCT[y][u] * cos[v][y]
	coeffs := make([]float64, 0, blockSize*blockSize)
	for v := 0; v < blockSize; v++ {
		for u := 0; u < blockSize; u++ {
			var sum float64
			for y := 0; y < sampleSize; y++ {
				sum += rowDCT[y][u] * h.cos[v][y]
			}
			coeffs = append(coeffs, sum)
		}
	}

	ac := make([]float64, len(coeffs)-1)
	copy(ac, coeffs[1:])
	sort.Float64s(ac)
	median := ac[len(ac)/2]

	var fp uint64
	for i, c := range coeffs {
		if c > median {
			fp |= 1 << uint(i)
		}
	}
	return Fingerprint(fp)
}
