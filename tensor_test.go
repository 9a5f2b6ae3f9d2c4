package disflow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStructureTensorMatchesNaiveSums checks the separable running-sum
// implementation against a direct per-cell summation.
func TestStructureTensorMatchesNaiveSums(t *testing.T) {
	const (
		w, h = 20, 14
		psz  = 4
		pstr = 2
	)
	p := DefaultParameters
	p.PatchSize = psz
	p.PatchStride = pstr
	ctx := newScaleContext(w, h, p)
	require.Equal(t, 9, ctx.ws)
	require.Equal(t, 6, ctx.hs)

	rng := rand.New(rand.NewSource(7))
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	for k := range gx {
		gx[k] = rng.Float64()*20 - 10
		gy[k] = rng.Float64()*20 - 10
	}

	e := New(p)
	e.txx = ensure(e.txx, ctx.hs*ctx.ws)
	e.tyy = ensure(e.tyy, ctx.hs*ctx.ws)
	e.txy = ensure(e.txy, ctx.hs*ctx.ws)
	e.tx = ensure(e.tx, ctx.hs*ctx.ws)
	e.ty = ensure(e.ty, ctx.hs*ctx.ws)
	e.auxXX = ensure(e.auxXX, h*ctx.ws)
	e.auxYY = ensure(e.auxYY, h*ctx.ws)
	e.auxXY = ensure(e.auxXY, h*ctx.ws)
	e.auxX = ensure(e.auxX, h*ctx.ws)
	e.auxY = ensure(e.auxY, h*ctx.ws)

	e.precomputeStructureTensor(ctx, gx, gy)

	for is := 0; is < ctx.hs; is++ {
		for js := 0; js < ctx.ws; js++ {
			var xx, yy, xy, sx, sy float64
			for i := is * pstr; i < is*pstr+psz; i++ {
				for j := js * pstr; j < js*pstr+psz; j++ {
					xx += gx[i*w+j] * gx[i*w+j]
					yy += gy[i*w+j] * gy[i*w+j]
					xy += gx[i*w+j] * gy[i*w+j]
					sx += gx[i*w+j]
					sy += gy[i*w+j]
				}
			}
			cell := is*ctx.ws + js
			assert.InDelta(t, xx, e.txx[cell], 1e-6, "Sxx at (%d,%d)", is, js)
			assert.InDelta(t, yy, e.tyy[cell], 1e-6, "Syy at (%d,%d)", is, js)
			assert.InDelta(t, xy, e.txy[cell], 1e-6, "Sxy at (%d,%d)", is, js)
			assert.InDelta(t, sx, e.tx[cell], 1e-6, "Sx at (%d,%d)", is, js)
			assert.InDelta(t, sy, e.ty[cell], 1e-6, "Sy at (%d,%d)", is, js)
		}
	}
}

func TestStructureTensorConstantGradient(t *testing.T) {
	const (
		w, h = 16, 16
		psz  = 8
		pstr = 4
	)
	p := DefaultParameters
	p.PatchSize = psz
	p.PatchStride = pstr
	ctx := newScaleContext(w, h, p)

	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	for k := range gx {
		gx[k] = 2
		gy[k] = -1
	}

	e := New(p)
	e.txx = ensure(e.txx, ctx.hs*ctx.ws)
	e.tyy = ensure(e.tyy, ctx.hs*ctx.ws)
	e.txy = ensure(e.txy, ctx.hs*ctx.ws)
	e.tx = ensure(e.tx, ctx.hs*ctx.ws)
	e.ty = ensure(e.ty, ctx.hs*ctx.ws)
	e.auxXX = ensure(e.auxXX, h*ctx.ws)
	e.auxYY = ensure(e.auxYY, h*ctx.ws)
	e.auxXY = ensure(e.auxXY, h*ctx.ws)
	e.auxX = ensure(e.auxX, h*ctx.ws)
	e.auxY = ensure(e.auxY, h*ctx.ws)

	e.precomputeStructureTensor(ctx, gx, gy)

	n := float64(psz * psz)
	for cell := 0; cell < ctx.hs*ctx.ws; cell++ {
		assert.InDelta(t, 4*n, e.txx[cell], 1e-9)
		assert.InDelta(t, n, e.tyy[cell], 1e-9)
		assert.InDelta(t, -2*n, e.txy[cell], 1e-9)
		assert.InDelta(t, 2*n, e.tx[cell], 1e-9)
		assert.InDelta(t, -n, e.ty[cell], 1e-9)
	}
}
