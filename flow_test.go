package disflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowAccessors(t *testing.T) {
	f := NewFlow(3, 2)
	assert.Equal(t, 6, f.Stride)

	f.Vec[1*f.Stride+2*2] = 1.25
	f.Vec[1*f.Stride+2*2+1] = -0.5
	dx, dy := f.At(2, 1)
	assert.Equal(t, 1.25, dx)
	assert.Equal(t, -0.5, dy)
}

func TestFlowSplit(t *testing.T) {
	f := NewFlow(2, 2)
	for i := 0; i < 4; i++ {
		f.Vec[2*i] = float64(i)
		f.Vec[2*i+1] = float64(-i)
	}
	x, y := f.split()
	assert.Equal(t, []float64{0, 1, 2, 3}, x)
	assert.Equal(t, []float64{0, -1, -2, -3}, y)
}

func TestResizeFlowPlaneSameSize(t *testing.T) {
	src := []float64{1, 2, 3, 4, 5, 6}
	dst := make([]float64, 6)
	resizeFlowPlane(dst, 3, 2, src, 3, 2)
	assert.Equal(t, src, dst)
}

func TestResizeFlowPlaneConstantField(t *testing.T) {
	src := make([]float64, 4*3)
	for i := range src {
		src[i] = 2.5
	}
	dst := make([]float64, 8*6)
	resizeFlowPlane(dst, 8, 6, src, 4, 3)
	for i, v := range dst {
		assert.InDelta(t, 2.5, v, 1e-12, "index %d", i)
	}
}

func TestResizeFlowPlaneDownsampleRange(t *testing.T) {
	// Downsampling a linear field must stay within the source range and
	// preserve monotonicity along the gradient direction.
	const sw, sh = 8, 8
	src := make([]float64, sw*sh)
	for y := 0; y < sh; y++ {
		for x := 0; x < sw; x++ {
			src[y*sw+x] = float64(x)
		}
	}
	const dw, dh = 4, 4
	dst := make([]float64, dw*dh)
	resizeFlowPlane(dst, dw, dh, src, sw, sh)

	for y := 0; y < dh; y++ {
		prev := -1.0
		for x := 0; x < dw; x++ {
			v := dst[y*dw+x]
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, float64(sw-1))
			assert.Greater(t, v, prev)
			prev = v
		}
	}
}
