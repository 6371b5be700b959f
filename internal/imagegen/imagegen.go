// Package imagegen generates synthetic listing photos for demos and tests: smooth
// random colour fields that survive resizing and recompression the way real
// photos do.
package imagegen

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"

	"golang.org/x/image/draw"
)

const grid = 8

// Photo returns a deterministic 128x96 image for seed. Different seeds give
// unrelated images.
func Photo(seed int64) image.Image {
	r := rand.New(rand.NewSource(seed))

	var knots [3][grid + 1][grid + 1]float64
	for c := range knots {
		for y := 0; y <= grid; y++ {
			for x := 0; x <= grid; x++ {
				knots[c][y][x] = r.Float64() * 255
			}
		}
	}

	const w, h = 128, 96
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		fy := float64(py) / float64(h-1) * grid
		y0 := int(fy)
		if y0 >= grid {
			y0 = grid - 1
		}
		ty := fy - float64(y0)
		for px := 0; px < w; px++ {
			fx := float64(px) / float64(w-1) * grid
			x0 := int(fx)
			if x0 >= grid {
				x0 = grid - 1
			}
			tx := fx - float64(x0)

			var rgb [3]uint8
			for c := range knots {
				k := knots[c]
				top := k[y0][x0]*(1-tx) + k[y0][x0+1]*tx
				bottom := k[y0+1][x0]*(1-tx) + k[y0+1][x0+1]*tx
				rgb[c] = uint8(top*(1-ty) + bottom*ty)
			}
			img.Set(px, py, color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	return img
}

// Resize scales img to w x h
func Resize(img image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// PNG encodes img losslessly
func PNG(img image.Image) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG encodes img at the given quality
func JPEG(img image.Image, quality int) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Reencoded returns a thumbnail-style copy of img: downscaled to three
// quarters and saved as JPEG.
func Reencoded(img image.Image) []byte {
	b := img.Bounds()
	return JPEG(Resize(img, b.Dx()*3/4, b.Dy()*3/4), 85)
}
