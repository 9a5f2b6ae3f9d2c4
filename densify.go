/*
Sparse-to-dense flow conversion
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

// densify turns the sparse per-cell flow into a dense per-pixel field by
// confidence-weighted averaging over every patch that covers each pixel.
// The contributing cell ranges advance incrementally with the pixel
// coordinates, so each range update is O(1). Stripes write disjoint row
// ranges of the output and need no locking.
func (e *Estimator) densify(ctx scaleContext, scale int) {
	nstripes := numStripes(ctx.h)
	stripeSz := (ctx.h + nstripes - 1) / nstripes

	parallelFor(nstripes, func(stripe, _ int) {
		startI := min(stripe*stripeSz, ctx.h)
		endI := min(startI+stripeSz, ctx.h)
		e.densifyStripe(ctx, scale, startI, endI)
	})
}

func (e *Estimator) densifyStripe(ctx scaleContext, scale, startI, endI int) {
	w, h, ws := ctx.w, ctx.h, ctx.ws
	psz, pstr := ctx.psz, ctx.pstr

	i0 := e.i0s[scale]
	i1 := e.i1s[scale]
	ux := e.ux[scale]
	uy := e.uy[scale]

	// Rows [startIs, endIs] of the sparse grid hold the patches covering
	// the dense row i.
	startIs, endIs := 0, -1
	advanceI := func(i int) {
		if i%pstr == 0 && i+psz <= h {
			endIs++
		}
		if i-psz >= 0 && (i-psz)%pstr == 0 && startIs < endIs {
			startIs++
		}
	}

	// Warm the window up to the first row of this stripe.
	for i := 0; i < startI; i++ {
		advanceI(i)
	}

	for i := startI; i < endI; i++ {
		advanceI(i)

		startJs, endJs := 0, -1
		for j := 0; j < w; j++ {
			if j%pstr == 0 && j+psz <= w {
				endJs++
			}
			if j-psz >= 0 && (j-psz)%pstr == 0 && startJs < endJs {
				startJs++
			}

			var sumCoef, sumUx, sumUy float64
			for is := startIs; is <= endIs; is++ {
				for js := startJs; js <= endJs; js++ {
					sx := e.sx[is*ws+js]
					sy := e.sy[is*ws+js]

					// Bilinear lookup of frame 1 at the displaced
					// position, clamped to the image.
					xm := min(max(float64(j)+sx, 0), float64(w-1)-eps)
					ym := min(max(float64(i)+sy, 0), float64(h-1)-eps)
					xl, yl := int(xm), int(ym)

					diff := (xm-float64(xl))*(ym-float64(yl))*float64(i1.Pix[(yl+1)*i1.Stride+xl+1]) +
						(float64(xl+1)-xm)*(ym-float64(yl))*float64(i1.Pix[(yl+1)*i1.Stride+xl]) +
						(xm-float64(xl))*(float64(yl+1)-ym)*float64(i1.Pix[yl*i1.Stride+xl+1]) +
						(float64(xl+1)-xm)*(float64(yl+1)-ym)*float64(i1.Pix[yl*i1.Stride+xl]) -
						float64(i0.Pix[i*i0.Stride+j])

					coef := 1 / max(1, abs(diff))
					sumUx += coef * sx
					sumUy += coef * sy
					sumCoef += coef
				}
			}

			// The contributing set is never empty (patch stride is
			// validated to not exceed patch size) and every coefficient
			// is at least 1/255, so sumCoef is strictly positive.
			ux[i*w+j] = sumUx / sumCoef
			uy[i*w+j] = sumUy / sumCoef
		}
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
