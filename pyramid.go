/*
Image pyramid and gradient helpers
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// ensure returns buf resized to n elements, reusing its memory when the
// capacity allows.
func ensure(buf []float64, n int) []float64 {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]float64, n)
}

func ensurePlanes(planes [][]float64, n int) [][]float64 {
	if cap(planes) >= n {
		return planes[:n]
	}
	out := make([][]float64, n)
	copy(out, planes)
	return out
}

func ensureGrays(levels []*image.Gray, n int) []*image.Gray {
	if cap(levels) >= n {
		return levels[:n]
	}
	out := make([]*image.Gray, n)
	copy(out, levels)
	return out
}

// ensureGray reuses dst when it already has the requested dimensions and
// a contiguous layout, otherwise allocates a new image.
func ensureGray(dst *image.Gray, w, h int) *image.Gray {
	if dst != nil && dst.Rect.Dx() == w && dst.Rect.Dy() == h && dst.Stride == w {
		return dst
	}
	return image.NewGray(image.Rect(0, 0, w, h))
}

// resampleGray downsamples src into a (w, h) image. The bilinear scaler
// weights its kernel by the scale ratio, which behaves like area
// averaging for the 2x decimation steps of the pyramid.
func resampleGray(dst *image.Gray, src *image.Gray, w, h int) *image.Gray {
	dst = ensureGray(dst, w, h)
	if w == src.Rect.Dx() && h == src.Rect.Dy() {
		copy(dst.Pix, src.Pix)
		return dst
	}
	xdraw.BiLinear.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
	return dst
}

// replicateBorder pads src with b edge-replicated pixels on every side.
// The padding keeps patch sampling valid for displacements reaching up
// to b pixels outside the raw image, without bounds checks in the hot
// loops.
func replicateBorder(dst *image.Gray, src *image.Gray, b int) *image.Gray {
	w := src.Rect.Dx()
	h := src.Rect.Dy()
	we := w + 2*b
	he := h + 2*b
	dst = ensureGray(dst, we, he)

	for i := 0; i < he; i++ {
		si := min(max(i-b, 0), h-1)
		srcRow := src.Pix[si*src.Stride : si*src.Stride+w]
		dstRow := dst.Pix[i*we : (i+1)*we]
		copy(dstRow[b:b+w], srcRow)
		left := srcRow[0]
		right := srcRow[w-1]
		for j := 0; j < b; j++ {
			dstRow[j] = left
			dstRow[b+w+j] = right
		}
	}
	return dst
}

// spatialGradient computes the 3x3 Sobel x/y derivatives of src with
// replicated borders, matching the OpenCV gradient convention (no
// normalization).
func spatialGradient(src *image.Gray, gx, gy []float64) {
	w := src.Rect.Dx()
	h := src.Rect.Dy()
	pix := src.Pix

	at := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return float64(pix[y*src.Stride+x])
	}

	parallelFor(numStripes(h), func(stripe, nstripes int) {
		start := stripe * h / nstripes
		end := (stripe + 1) * h / nstripes
		for i := start; i < end; i++ {
			for j := 0; j < w; j++ {
				p00 := at(j-1, i-1)
				p01 := at(j, i-1)
				p02 := at(j+1, i-1)
				p10 := at(j-1, i)
				p12 := at(j+1, i)
				p20 := at(j-1, i+1)
				p21 := at(j, i+1)
				p22 := at(j+1, i+1)

				gx[i*w+j] = (p02 + 2*p12 + p22) - (p00 + 2*p10 + p20)
				gy[i*w+j] = (p20 + 2*p21 + p22) - (p00 + 2*p01 + p02)
			}
		}
	})
}
