/*
Structure tensor precomputation
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

// precomputeStructureTensor fills, for every sparse-grid cell, the 2x2
// gradient structure tensor [[Sxx, Sxy], [Sxy, Syy]] summed over the
// patch footprint in the first frame, plus the plain gradient sums
// Sx/Sy used by mean normalization.
//
// The sums are built in two separable passes of running box sums: a
// horizontal pass producing one value per image row and sparse column,
// then a vertical pass with stride subsampling. The cost is proportional
// to the pixel count rather than patch area times cell count.
func (e *Estimator) precomputeStructureTensor(ctx scaleContext, gradX, gradY []float64) {
	w, h := ctx.w, ctx.h
	ws, hs := ctx.ws, ctx.hs
	psz, pstr := ctx.psz, ctx.pstr

	// Horizontal pass: running sums over psz-wide windows of each row,
	// written out at every stride position.
	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for i := start; i < end; i++ {
			var sumXX, sumYY, sumXY, sumX, sumY float64
			row := i * w
			for j := 0; j < psz; j++ {
				gx := gradX[row+j]
				gy := gradY[row+j]
				sumXX += gx * gx
				sumYY += gy * gy
				sumXY += gx * gy
				sumX += gx
				sumY += gy
			}
			aux := i * ws
			e.auxXX[aux] = sumXX
			e.auxYY[aux] = sumYY
			e.auxXY[aux] = sumXY
			e.auxX[aux] = sumX
			e.auxY[aux] = sumY

			js := 1
			for j := psz; j < w && js < ws; j++ {
				gxn := gradX[row+j]
				gyn := gradY[row+j]
				gxo := gradX[row+j-psz]
				gyo := gradY[row+j-psz]
				sumXX += gxn*gxn - gxo*gxo
				sumYY += gyn*gyn - gyo*gyo
				sumXY += gxn*gyn - gxo*gyo
				sumX += gxn - gxo
				sumY += gyn - gyo
				if (j-psz+1)%pstr == 0 {
					e.auxXX[aux+js] = sumXX
					e.auxYY[aux+js] = sumYY
					e.auxXY[aux+js] = sumXY
					e.auxX[aux+js] = sumX
					e.auxY[aux+js] = sumY
					js++
				}
			}
		}
	})

	// Vertical pass: running sums over psz rows of the aux buffers,
	// subsampled by the stride into the sparse grid.
	parallelFor(numStripes(ws), func(stripe, nstripes int) {
		start := stripe * ws / nstripes
		end := (stripe + 1) * ws / nstripes
		for j := start; j < end; j++ {
			var sumXX, sumYY, sumXY, sumX, sumY float64
			for i := 0; i < psz; i++ {
				sumXX += e.auxXX[i*ws+j]
				sumYY += e.auxYY[i*ws+j]
				sumXY += e.auxXY[i*ws+j]
				sumX += e.auxX[i*ws+j]
				sumY += e.auxY[i*ws+j]
			}
			e.txx[j] = sumXX
			e.tyy[j] = sumYY
			e.txy[j] = sumXY
			e.tx[j] = sumX
			e.ty[j] = sumY

			is := 1
			for i := psz; i < h && is < hs; i++ {
				sumXX += e.auxXX[i*ws+j] - e.auxXX[(i-psz)*ws+j]
				sumYY += e.auxYY[i*ws+j] - e.auxYY[(i-psz)*ws+j]
				sumXY += e.auxXY[i*ws+j] - e.auxXY[(i-psz)*ws+j]
				sumX += e.auxX[i*ws+j] - e.auxX[(i-psz)*ws+j]
				sumY += e.auxY[i*ws+j] - e.auxY[(i-psz)*ws+j]
				if (i-psz+1)%pstr == 0 {
					e.txx[is*ws+j] = sumXX
					e.tyy[is*ws+j] = sumYY
					e.txy[is*ws+j] = sumXY
					e.tx[is*ws+j] = sumX
					e.ty[is*ws+j] = sumY
					is++
				}
			}
		}
	})
}
