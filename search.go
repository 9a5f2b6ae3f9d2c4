/*
Patch inverse search
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

import (
	"image"
	"math"
)

// SearchInput is everything the inverse-search stage of one pyramid
// scale consumes. Accelerated implementations of SearchKernel receive
// the same data as the built-in CPU path; all slices are read-only for
// the kernel.
type SearchInput struct {
	// Frame0 is the current frame at this scale; Frame1Padded is the
	// next frame padded by Border replicated pixels on every side.
	Frame0       *image.Gray
	Frame1Padded *image.Gray

	// GradX/GradY are the x/y gradients of Frame0, one value per pixel.
	GradX, GradY []float64

	// Structure tensor sums per sparse-grid cell; SumX/SumY are only
	// valid when MeanNormalize is set.
	TensorXX, TensorYY, TensorXY []float64
	SumX, SumY                   []float64

	// InitX/InitY is the dense flow propagated down from the coarser
	// scale, one value per pixel.
	InitX, InitY []float64

	Width, Height             int
	SparseWidth, SparseHeight int
	Border                    int
	PatchSize, PatchStride    int
	Iterations                int
	MeanNormalize             bool
	SpatialPropagation        bool
}

// SearchKernel runs the patch inverse-search stage on an alternate
// execution backend. Search must fill sparseX/sparseY (SparseWidth *
// SparseHeight values each, row-major) with the per-cell displacement
// estimates, and must be behaviorally equivalent to the built-in path
// within floating-point tolerance.
type SearchKernel interface {
	Search(in SearchInput, sparseX, sparseY []float64) error
}

func (e *Estimator) searchInput(ctx scaleContext, scale int) SearchInput {
	return SearchInput{
		Frame0:             e.i0s[scale],
		Frame1Padded:       e.i1ext[scale],
		GradX:              e.i0xs[scale],
		GradY:              e.i0ys[scale],
		TensorXX:           e.txx,
		TensorYY:           e.tyy,
		TensorXY:           e.txy,
		SumX:               e.tx,
		SumY:               e.ty,
		InitX:              e.ux[scale],
		InitY:              e.uy[scale],
		Width:              ctx.w,
		Height:             ctx.h,
		SparseWidth:        ctx.ws,
		SparseHeight:       ctx.hs,
		Border:             ctx.border,
		PatchSize:          ctx.psz,
		PatchStride:        ctx.pstr,
		Iterations:         ctx.descentIters,
		MeanNormalize:      ctx.meanNorm,
		SpatialPropagation: ctx.spatialProp,
	}
}

// patchInverseSearch refines a displacement estimate for every cell of
// the sparse patch grid. Without spatial propagation every cell is
// independent and the grid is split over as many stripes as there are
// threads. With propagation each stripe runs two raster passes (forward
// with left/top seeds, then backward with right/bottom seeds) over a
// fixed stripe count, so the dependency chain and the result do not vary
// with the degree of parallelism.
func (e *Estimator) patchInverseSearch(ctx scaleContext, scale int) {
	nstripes := numStripes(ctx.hs)
	numIter := 1
	if ctx.spatialProp {
		nstripes = min(propagationStripes, ctx.hs)
		numIter = 2
	}
	stripeSz := (ctx.hs + nstripes - 1) / nstripes

	parallelFor(nstripes, func(stripe, _ int) {
		startIs := min(stripe*stripeSz, ctx.hs)
		endIs := min(startIs+stripeSz, ctx.hs)
		e.searchStripe(ctx, scale, startIs, endIs, numIter)
	})
}

func (e *Estimator) searchStripe(ctx scaleContext, scale, startIs, endIs, numIter int) {
	w, ws := ctx.w, ctx.ws
	psz, pstr := ctx.psz, ctx.pstr
	bsz := ctx.border
	n := float64(psz * psz)

	i0 := e.i0s[scale]
	i1e := e.i1ext[scale]
	gx := e.i0xs[scale]
	gy := e.i0ys[scale]
	ux := e.ux[scale]
	uy := e.uy[scale]

	// Valid sampling range of the patch top-left corner in frame 1,
	// expressed in raw image coordinates. The upper bounds leave one
	// pixel for bilinear interpolation.
	loX := -float64(bsz)
	hiX := float64(ctx.w+bsz-psz-1) - eps
	loY := -float64(bsz)
	hiY := float64(ctx.h+bsz-psz-1) - eps

	// ssdAt evaluates the (mean-normalized, if enabled) photometric
	// error of displacing the patch at (j, i) by (u, v).
	ssdAt := func(i, j int, u, v float64) float64 {
		x := min(max(float64(j)+u, loX), hiX)
		y := min(max(float64(i)+v, loY), hiY)
		xi, yi := int(math.Floor(x)), int(math.Floor(y))
		fx, fy := x-float64(xi), y-float64(yi)
		w11 := fx * fy
		w10 := (1 - fx) * fy
		w01 := fx * (1 - fy)
		w00 := (1 - fx) * (1 - fy)
		p0 := i0.Pix[i*i0.Stride+j:]
		p1 := i1e.Pix[(yi+bsz)*i1e.Stride+xi+bsz:]
		if ctx.meanNorm {
			return patchSSDMeanNorm(p0, i0.Stride, p1, i1e.Stride, w00, w01, w10, w11, psz)
		}
		return patchSSD(p0, i0.Stride, p1, i1e.Stride, w00, w01, w10, w11, psz)
	}

	for iter := 0; iter < numIter; iter++ {
		forward := iter%2 == 0

		for k := 0; k < endIs-startIs; k++ {
			is := startIs + k
			if !forward {
				is = endIs - 1 - k
			}
			i := is * pstr

			for l := 0; l < ws; l++ {
				js := l
				if !forward {
					js = ws - 1 - l
				}
				j := js * pstr
				cell := is*ws + js

				var u, v float64
				if iter == 0 {
					u = ux[i*w+j]
					v = uy[i*w+j]
				} else {
					u = e.sx[cell]
					v = e.sy[cell]
				}

				if ctx.spatialProp {
					// Seed from the lowest-error candidate among the
					// current estimate and the neighbors already solved
					// in this pass (within the stripe for the vertical
					// neighbor, to keep stripes independent).
					bestSSD := ssdAt(i, j, u, v)
					consider := func(cu, cv float64) {
						if s := ssdAt(i, j, cu, cv); s < bestSSD {
							bestSSD = s
							u, v = cu, cv
						}
					}
					if forward {
						if js > 0 {
							consider(e.sx[cell-1], e.sy[cell-1])
						}
						if is > startIs {
							consider(e.sx[cell-ws], e.sy[cell-ws])
						}
					} else {
						if js < ws-1 {
							consider(e.sx[cell+1], e.sy[cell+1])
						}
						if is < endIs-1 {
							consider(e.sx[cell+ws], e.sy[cell+ws])
						}
					}
				}

				// Regularized inverse of the structure tensor; a near
				// singular tensor means a textureless patch, in which
				// case the seed is kept and densification relies on the
				// neighbors.
				xx := e.txx[cell]
				yy := e.tyy[cell]
				xy := e.txy[cell]
				var gsx, gsy float64
				if ctx.meanNorm {
					gsx = e.tx[cell]
					gsy = e.ty[cell]
					xx -= gsx * gsx / n
					yy -= gsy * gsy / n
					xy -= gsx * gsy / n
				}
				det := xx*yy - xy*xy
				if math.Abs(det) >= eps {
					invXX := yy / det
					invYY := xx / det
					invXY := -xy / det

					p0 := i0.Pix[i*i0.Stride+j:]
					g0 := i*w + j

					for t := 0; t < ctx.descentIters; t++ {
						x := min(max(float64(j)+u, loX), hiX)
						y := min(max(float64(i)+v, loY), hiY)
						u = x - float64(j)
						v = y - float64(i)

						xi, yi := int(math.Floor(x)), int(math.Floor(y))
						fx, fy := x-float64(xi), y-float64(yi)
						w11 := fx * fy
						w10 := (1 - fx) * fy
						w01 := fx * (1 - fy)
						w00 := (1 - fx) * (1 - fy)
						p1 := i1e.Pix[(yi+bsz)*i1e.Stride+xi+bsz:]

						var dux, duy float64
						if ctx.meanNorm {
							_, dux, duy = processPatchMeanNorm(p0, i0.Stride, p1, i1e.Stride,
								gx[g0:], gy[g0:], w, w00, w01, w10, w11, psz, gsx, gsy)
						} else {
							_, dux, duy = processPatch(p0, i0.Stride, p1, i1e.Stride,
								gx[g0:], gy[g0:], w, w00, w01, w10, w11, psz)
						}

						du := invXX*dux + invXY*duy
						dv := invXY*dux + invYY*duy
						u -= du
						v -= dv

						// Converged; the iteration cap still bounds the
						// worst case.
						if du*du+dv*dv < eps*eps {
							break
						}
					}
				}

				u = min(max(u, loX-float64(j)), hiX-float64(j))
				v = min(max(v, loY-float64(i)), hiY-float64(i))
				e.sx[cell] = u
				e.sy[cell] = v
			}
		}
	}
}
