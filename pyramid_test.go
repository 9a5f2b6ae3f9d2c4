package disflow

import (
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicateBorder(t *testing.T) {
	const w, h, b = 4, 3, 2
	src := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src.Pix[y*w+x] = uint8(10*y + x)
		}
	}

	dst := replicateBorder(nil, src, b)
	require.Equal(t, w+2*b, dst.Rect.Dx())
	require.Equal(t, h+2*b, dst.Rect.Dy())

	at := func(x, y int) uint8 { return dst.Pix[y*dst.Stride+x] }

	// Interior is a plain copy.
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			assert.Equal(t, src.Pix[y*w+x], at(x+b, y+b))
		}
	}
	// Corners replicate the nearest edge pixel.
	assert.Equal(t, src.Pix[0], at(0, 0))
	assert.Equal(t, src.Pix[w-1], at(w+2*b-1, 0))
	assert.Equal(t, src.Pix[(h-1)*w], at(0, h+2*b-1))
	assert.Equal(t, src.Pix[(h-1)*w+w-1], at(w+2*b-1, h+2*b-1))
	// Edge strips replicate row/column ends.
	assert.Equal(t, src.Pix[1*w+0], at(0, 1+b))
	assert.Equal(t, src.Pix[0*w+2], at(2+b, 0))
}

func TestSpatialGradientOnRamp(t *testing.T) {
	const w, h = 10, 8
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*w+x] = uint8(4 * x)
		}
	}
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	spatialGradient(img, gx, gy)

	// A Sobel filter over a slope of 4 per pixel sums to 8*4 = 32 in the
	// interior, and gy vanishes everywhere on a purely horizontal ramp.
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			assert.Equal(t, 32.0, gx[y*w+x], "gx at (%d,%d)", x, y)
			assert.Equal(t, 0.0, gy[y*w+x], "gy at (%d,%d)", x, y)
		}
	}
}

func TestResampleGraySameSizeCopies(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 6, 5))
	for i := range src.Pix {
		src.Pix[i] = uint8(i * 7)
	}
	dst := resampleGray(nil, src, 6, 5)
	assert.Equal(t, src.Pix, dst.Pix)
}

func TestEnsureReusesCapacity(t *testing.T) {
	buf := make([]float64, 100)
	shrunk := ensure(buf, 40)
	assert.Len(t, shrunk, 40)
	assert.Equal(t, &buf[0], &shrunk[0], "must reuse the backing array")

	grown := ensure(shrunk, 200)
	assert.Len(t, grown, 200)
}

func TestParallelForCoversAllStripes(t *testing.T) {
	const n = 7
	var mu sync.Mutex
	seen := make(map[int]int)

	parallelFor(n, func(stripe, nstripes int) {
		assert.Equal(t, n, nstripes)
		mu.Lock()
		seen[stripe]++
		mu.Unlock()
	})

	require.Len(t, seen, n)
	for s := 0; s < n; s++ {
		assert.Equal(t, 1, seen[s], "stripe %d", s)
	}
}
