/*
Variational refinement
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

import (
	"image"
	"math"
)

// VariationalRefinement smooths a dense flow field by minimizing an
// energy of brightness constancy (weighted by Delta), gradient constancy
// (weighted by Gamma) and flow smoothness (weighted by Alpha). Each
// fixed-point iteration warps the second frame by the current flow,
// linearizes the data terms and solves for a flow increment with
// successive over-relaxation.
//
// The orchestrator keeps one instance per pyramid scale so that the
// scratch buffers are reused across calls without reallocation.
type VariationalRefinement struct {
	Alpha float64 // smoothness weight
	Gamma float64 // gradient constancy weight
	Delta float64 // brightness constancy weight

	FixedPointIterations int
	SorIterations        int
	Omega                float64 // SOR relaxation factor

	// Scratch planes, sized lazily to the current frame.
	warped        []float64
	ix, iy, iz    []float64
	ixx, ixy, iyy []float64
	ixz, iyz      []float64
	du, dv        []float64
	a11, a12, a22 []float64
	b1, b2        []float64
}

// NewVariationalRefinement returns a refiner with the default OpenCV
// weights.
func NewVariationalRefinement() *VariationalRefinement {
	return &VariationalRefinement{
		Alpha:                20.0,
		Gamma:                10.0,
		Delta:                5.0,
		FixedPointIterations: 5,
		SorIterations:        5,
		Omega:                1.6,
	}
}

func (vr *VariationalRefinement) collectGarbage() {
	vr.warped = nil
	vr.ix, vr.iy, vr.iz = nil, nil, nil
	vr.ixx, vr.ixy, vr.iyy = nil, nil, nil
	vr.ixz, vr.iyz = nil, nil
	vr.du, vr.dv = nil, nil
	vr.a11, vr.a12, vr.a22 = nil, nil, nil
	vr.b1, vr.b2 = nil, nil
}

func (vr *VariationalRefinement) prepare(n int) {
	vr.warped = ensure(vr.warped, n)
	vr.ix = ensure(vr.ix, n)
	vr.iy = ensure(vr.iy, n)
	vr.iz = ensure(vr.iz, n)
	vr.ixx = ensure(vr.ixx, n)
	vr.ixy = ensure(vr.ixy, n)
	vr.iyy = ensure(vr.iyy, n)
	vr.ixz = ensure(vr.ixz, n)
	vr.iyz = ensure(vr.iyz, n)
	vr.du = ensure(vr.du, n)
	vr.dv = ensure(vr.dv, n)
	vr.a11 = ensure(vr.a11, n)
	vr.a12 = ensure(vr.a12, n)
	vr.a22 = ensure(vr.a22, n)
	vr.b1 = ensure(vr.b1, n)
	vr.b2 = ensure(vr.b2, n)
}

// CalcUV refines the planar flow field (ux, uy) between i0 and i1 in
// place. The planes must hold one value per pixel of i0.
func (vr *VariationalRefinement) CalcUV(i0, i1 *image.Gray, ux, uy []float64) {
	w := i0.Rect.Dx()
	h := i0.Rect.Dy()
	if vr.FixedPointIterations <= 0 || w < 2 || h < 2 {
		return
	}
	vr.prepare(w * h)

	for fp := 0; fp < vr.FixedPointIterations; fp++ {
		vr.warp(i1, ux, uy, w, h)
		vr.derivatives(i0, w, h)
		vr.dataTerms(w, h)

		clear(vr.du)
		clear(vr.dv)
		for s := 0; s < vr.SorIterations; s++ {
			vr.sorSweep(ux, uy, w, h)
		}

		for i := range ux {
			ux[i] += vr.du[i]
			uy[i] += vr.dv[i]
		}
	}
}

// warp samples i1 at every pixel displaced by the current flow, with
// clamping at the image border.
func (vr *VariationalRefinement) warp(i1 *image.Gray, ux, uy []float64, w, h int) {
	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for i := start; i < end; i++ {
			for j := 0; j < w; j++ {
				// Clamping the cell rather than the position keeps integer
				// flows exact: a zero field reproduces i1 bit for bit.
				x := min(max(float64(j)+ux[i*w+j], 0), float64(w-1))
				y := min(max(float64(i)+uy[i*w+j], 0), float64(h-1))
				xl, yl := min(int(x), w-2), min(int(y), h-2)
				fx, fy := x-float64(xl), y-float64(yl)

				vr.warped[i*w+j] = (1-fy)*((1-fx)*float64(i1.Pix[yl*i1.Stride+xl])+fx*float64(i1.Pix[yl*i1.Stride+xl+1])) +
					fy*((1-fx)*float64(i1.Pix[(yl+1)*i1.Stride+xl])+fx*float64(i1.Pix[(yl+1)*i1.Stride+xl+1]))
			}
		}
	})
}

// derivatives computes the mixed spatial derivatives (averaged between
// the first frame and the warped second frame), the temporal difference
// and its spatial derivatives, plus the second derivatives needed by the
// gradient constancy term. Central differences with replicated borders.
func (vr *VariationalRefinement) derivatives(i0 *image.Gray, w, h int) {
	at0 := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return float64(i0.Pix[y*i0.Stride+x])
	}
	atW := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return vr.warped[y*w+x]
	}

	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for i := start; i < end; i++ {
			for j := 0; j < w; j++ {
				k := i*w + j
				vr.ix[k] = 0.25 * (at0(j+1, i) - at0(j-1, i) + atW(j+1, i) - atW(j-1, i))
				vr.iy[k] = 0.25 * (at0(j, i+1) - at0(j, i-1) + atW(j, i+1) - atW(j, i-1))
				vr.iz[k] = atW(j, i) - at0(j, i)
			}
		}
	})

	atP := func(p []float64, x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return p[y*w+x]
	}

	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for i := start; i < end; i++ {
			for j := 0; j < w; j++ {
				k := i*w + j
				vr.ixx[k] = 0.5 * (atP(vr.ix, j+1, i) - atP(vr.ix, j-1, i))
				vr.ixy[k] = 0.5 * (atP(vr.ix, j, i+1) - atP(vr.ix, j, i-1))
				vr.iyy[k] = 0.5 * (atP(vr.iy, j, i+1) - atP(vr.iy, j, i-1))
				vr.ixz[k] = 0.5 * (atP(vr.iz, j+1, i) - atP(vr.iz, j-1, i))
				vr.iyz[k] = 0.5 * (atP(vr.iz, j, i+1) - atP(vr.iz, j, i-1))
			}
		}
	})
}

// dataTerms assembles the per-pixel normal equations of the linearized
// data energy: A * (du, dv) = b with A combining the brightness and
// gradient constancy terms.
func (vr *VariationalRefinement) dataTerms(w, h int) {
	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for k := start * w; k < end*w; k++ {
			ix, iy, iz := vr.ix[k], vr.iy[k], vr.iz[k]
			ixx, ixy, iyy := vr.ixx[k], vr.ixy[k], vr.iyy[k]
			ixz, iyz := vr.ixz[k], vr.iyz[k]

			// Robust weights of both constancy assumptions.
			wd := vr.Delta / math.Sqrt(iz*iz+1e-6)
			wg := vr.Gamma / math.Sqrt(ixz*ixz+iyz*iyz+1e-6)

			vr.a11[k] = wd*ix*ix + wg*(ixx*ixx+ixy*ixy)
			vr.a12[k] = wd*ix*iy + wg*(ixx*ixy+ixy*iyy)
			vr.a22[k] = wd*iy*iy + wg*(ixy*ixy+iyy*iyy)
			vr.b1[k] = -wd*ix*iz - wg*(ixx*ixz+ixy*iyz)
			vr.b2[k] = -wd*iy*iz - wg*(ixy*ixz+iyy*iyz)
		}
	})
}

// sorSweep performs one Gauss-Seidel/SOR sweep over the flow increment.
// The smoothness term couples each pixel with its 4-neighborhood over
// the full flow u+du, exactly as in the Horn-Schunck scheme.
func (vr *VariationalRefinement) sorSweep(ux, uy []float64, w, h int) {
	alpha := vr.Alpha
	omega := vr.Omega

	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			k := i*w + j

			var nn float64
			var sumU, sumV float64
			if j > 0 {
				nn++
				sumU += ux[k-1] + vr.du[k-1]
				sumV += uy[k-1] + vr.dv[k-1]
			}
			if j < w-1 {
				nn++
				sumU += ux[k+1] + vr.du[k+1]
				sumV += uy[k+1] + vr.dv[k+1]
			}
			if i > 0 {
				nn++
				sumU += ux[k-w] + vr.du[k-w]
				sumV += uy[k-w] + vr.dv[k-w]
			}
			if i < h-1 {
				nn++
				sumU += ux[k+w] + vr.du[k+w]
				sumV += uy[k+w] + vr.dv[k+w]
			}

			du := (vr.b1[k] - vr.a12[k]*vr.dv[k] + alpha*(sumU-nn*ux[k])) / (vr.a11[k] + alpha*nn)
			vr.du[k] += omega * (du - vr.du[k])

			dv := (vr.b2[k] - vr.a12[k]*vr.du[k] + alpha*(sumV-nn*uy[k])) / (vr.a22[k] + alpha*nn)
			vr.dv[k] += omega * (dv - vr.dv[k])
		}
	}
}
