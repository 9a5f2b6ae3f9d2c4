package disflow

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textured(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 127.5 + 60*math.Sin(0.4*float64(x))*math.Cos(0.3*float64(y))
			img.Pix[y*w+x] = uint8(v)
		}
	}
	return img
}

// A zero flow between identical frames is a fixed point: the temporal
// difference vanishes, so the refinement must not move at all.
func TestRefinementFixedPointOnIdenticalFrames(t *testing.T) {
	const w, h = 32, 24
	img := textured(w, h)
	ux := make([]float64, w*h)
	uy := make([]float64, w*h)

	vr := NewVariationalRefinement()
	vr.CalcUV(img, img, ux, uy)

	for k := range ux {
		assert.Zero(t, ux[k], "ux at %d", k)
		assert.Zero(t, uy[k], "uy at %d", k)
	}
}

// The smoothness term must pull an isolated outlier toward its
// neighborhood.
func TestRefinementSmoothsOutliers(t *testing.T) {
	const w, h = 32, 24
	img := textured(w, h)
	ux := make([]float64, w*h)
	uy := make([]float64, w*h)
	ux[12*w+16] = 5 // spike in an otherwise zero field

	vr := NewVariationalRefinement()
	vr.CalcUV(img, img, ux, uy)

	require.Less(t, math.Abs(ux[12*w+16]), 5.0, "the spike must shrink")

	// Smoothing spreads the spike into its neighborhood, so the total
	// displacement may grow; what must hold is that no value overshoots
	// the initial magnitude.
	var peak float64
	for k := range ux {
		peak = max(peak, math.Abs(ux[k]), math.Abs(uy[k]))
	}
	assert.Less(t, peak, 5.0, "no value may overshoot the initial spike")
}

func TestRefinementDisabled(t *testing.T) {
	const w, h = 16, 16
	img := textured(w, h)
	ux := make([]float64, w*h)
	uy := make([]float64, w*h)
	ux[0] = 3

	vr := NewVariationalRefinement()
	vr.FixedPointIterations = 0
	vr.CalcUV(img, img, ux, uy)

	assert.Equal(t, 3.0, ux[0], "zero iterations must leave the field untouched")
}
