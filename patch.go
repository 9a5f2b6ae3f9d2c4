/*
Patch matching kernel
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

// patchSums are the accumulators of one pass over a patch pair. Which
// fields are filled in depends on the wantGrad/wantMean arguments of
// accumulatePatch.
type patchSums struct {
	ssd     float64 // sum of squared differences
	sumDiff float64 // plain sum of differences (mean normalization)
	dux     float64 // sum of diff * x gradient (descent direction)
	duy     float64 // sum of diff * y gradient
}

// accumulatePatch walks one psz x psz patch pair and accumulates the
// requested sums. i0 points at the patch top-left corner in the first
// frame, i1 at the integer top-left corner of the bilinearly sampled
// position in the (border-padded) second frame; w00..w11 are the four
// interpolation weights and must sum to 1. gx/gy point at the patch
// top-left corner of the first frame's gradients and are only read when
// wantGrad is set.
//
// This is the single generic form of OpenCV's three near-identical
// kernels (SSD only, SSD+gradient, SSD+mean). It is
// a pure function; any vectorization is an internal optimization of this
// routine and must stay numerically equivalent within floating-point
// tolerance.
func accumulatePatch(
	i0 []uint8, i0Stride int,
	i1 []uint8, i1Stride int,
	gx, gy []float64, gStride int,
	w00, w01, w10, w11 float64,
	psz int, wantGrad, wantMean bool,
) patchSums {
	var s patchSums
	for i := 0; i < psz; i++ {
		r0 := i0[i*i0Stride : i*i0Stride+psz]
		r1 := i1[i*i1Stride : i*i1Stride+psz+1]
		r1n := i1[(i+1)*i1Stride : (i+1)*i1Stride+psz+1]
		for j := 0; j < psz; j++ {
			diff := w00*float64(r1[j]) + w01*float64(r1[j+1]) +
				w10*float64(r1n[j]) + w11*float64(r1n[j+1]) -
				float64(r0[j])

			s.ssd += diff * diff
			if wantMean {
				s.sumDiff += diff
			}
			if wantGrad {
				s.dux += diff * gx[i*gStride+j]
				s.duy += diff * gy[i*gStride+j]
			}
		}
	}
	return s
}

// patchSSD is the plain photometric error between the two patches.
func patchSSD(i0 []uint8, i0Stride int, i1 []uint8, i1Stride int, w00, w01, w10, w11 float64, psz int) float64 {
	s := accumulatePatch(i0, i0Stride, i1, i1Stride, nil, nil, 0, w00, w01, w10, w11, psz, false, false)
	return s.ssd
}

// patchSSDMeanNorm subtracts the squared mean difference from the SSD,
// removing sensitivity to uniform brightness offsets between frames.
func patchSSDMeanNorm(i0 []uint8, i0Stride int, i1 []uint8, i1Stride int, w00, w01, w10, w11 float64, psz int) float64 {
	s := accumulatePatch(i0, i0Stride, i1, i1Stride, nil, nil, 0, w00, w01, w10, w11, psz, false, true)
	n := float64(psz * psz)
	return s.ssd - s.sumDiff*s.sumDiff/n
}

// processPatch performs the per-iteration work of the inverse search:
// the SSD plus the gradient-weighted difference sums that form the right
// hand side of the Gauss-Newton normal equations.
func processPatch(i0 []uint8, i0Stride int, i1 []uint8, i1Stride int, gx, gy []float64, gStride int, w00, w01, w10, w11 float64, psz int) (ssd, dux, duy float64) {
	s := accumulatePatch(i0, i0Stride, i1, i1Stride, gx, gy, gStride, w00, w01, w10, w11, psz, true, false)
	return s.ssd, s.dux, s.duy
}

// processPatchMeanNorm is processPatch with the patch means removed from
// both the error and the gradient sums. gradSumX/gradSumY are the
// precomputed plain gradient sums over the patch footprint.
func processPatchMeanNorm(i0 []uint8, i0Stride int, i1 []uint8, i1Stride int, gx, gy []float64, gStride int, w00, w01, w10, w11 float64, psz int, gradSumX, gradSumY float64) (ssd, dux, duy float64) {
	s := accumulatePatch(i0, i0Stride, i1, i1Stride, gx, gy, gStride, w00, w01, w10, w11, psz, true, true)
	n := float64(psz * psz)
	ssd = s.ssd - s.sumDiff*s.sumDiff/n
	dux = s.dux - s.sumDiff*gradSumX/n
	duy = s.duy - s.sumDiff*gradSumY/n
	return ssd, dux, duy
}
