/*
Dense flow field
Copyright (C) 2024 Ivan Latunov

Distributed under the Apache License, Version 2.0.
*/

package disflow

// Flow is a dense two-channel displacement field. Vec stores the
// per-pixel (dx, dy) pairs interleaved in row-major order, so the row y
// starts at Vec[y*Stride] and the pixel (x, y) occupies Vec[y*Stride+2*x]
// and Vec[y*Stride+2*x+1].
type Flow struct {
	Vec    []float64
	Stride int // in values, normally 2*Width
	Width  int
	Height int
}

// NewFlow returns a zero-valued flow field of the given dimensions.
func NewFlow(w, h int) *Flow {
	return &Flow{
		Vec:    make([]float64, 2*w*h),
		Stride: 2 * w,
		Width:  w,
		Height: h,
	}
}

// At returns the displacement stored for the pixel (x, y).
func (f *Flow) At(x, y int) (dx, dy float64) {
	i := y*f.Stride + 2*x
	return f.Vec[i], f.Vec[i+1]
}

// split copies the interleaved field into two fresh planar buffers.
func (f *Flow) split() (x, y []float64) {
	x = make([]float64, f.Width*f.Height)
	y = make([]float64, f.Width*f.Height)
	for i := 0; i < f.Height; i++ {
		row := f.Vec[i*f.Stride:]
		for j := 0; j < f.Width; j++ {
			x[i*f.Width+j] = row[2*j]
			y[i*f.Width+j] = row[2*j+1]
		}
	}
	return x, y
}

// resizeFlowPlane bilinearly resamples one planar flow component from
// (sw, sh) to (dw, dh). Flow planes are float64 and outside the pixel
// formats golang.org/x/image/draw can scale, hence the local routine.
func resizeFlowPlane(dst []float64, dw, dh int, src []float64, sw, sh int) {
	if dw == sw && dh == sh {
		copy(dst[:dw*dh], src[:sw*sh])
		return
	}
	xRatio := float64(sw) / float64(dw)
	yRatio := float64(sh) / float64(dh)
	for i := 0; i < dh; i++ {
		sy := (float64(i)+0.5)*yRatio - 0.5
		sy = max(min(sy, float64(sh-1)-eps), 0)
		yl := int(sy)
		fy := sy - float64(yl)
		yu := min(yl+1, sh-1)
		for j := 0; j < dw; j++ {
			sx := (float64(j)+0.5)*xRatio - 0.5
			sx = max(min(sx, float64(sw-1)-eps), 0)
			xl := int(sx)
			fx := sx - float64(xl)
			xu := min(xl+1, sw-1)

			dst[i*dw+j] = (1-fy)*((1-fx)*src[yl*sw+xl]+fx*src[yl*sw+xu]) +
				fy*((1-fx)*src[yu*sw+xl]+fx*src[yu*sw+xu])
		}
	}
}
