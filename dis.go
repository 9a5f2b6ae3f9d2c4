/*
Dense Inverse Search optical flow
Copyright (C) 2024 Ivan Latunov

Go port of the OpenCV DISOpticalFlow implementation, which follows
Kroeger, Timofte, Dai and Van Gool, "Fast Optical Flow using Dense
Inverse Search" (ECCV 2016).

Distributed under the Apache License, Version 2.0.
*/

// Package disflow estimates dense optical flow between two consecutive
// grayscale frames using the Dense Inverse Search (DIS) method: a coarse
// to fine loop of patch-based inverse gradient-descent matching on a
// sparse grid, densification by confidence-weighted blending, and a
// variational refinement pass per pyramid scale.
package disflow

import (
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidInput is wrapped by every input-validation failure reported
// by Calc. No computation starts and no partial results are produced
// once it is returned.
var ErrInvalidInput = errors.New("disflow: invalid input")

const (
	// eps is the early-termination threshold of the gradient descent and
	// the margin used when clamping bilinear sampling positions.
	eps = 0.001

	// borderSize is the replicated-edge padding around the second frame
	// at each scale. It is also the maximum distance a patch may move
	// beyond the raw image bounds.
	borderSize = 16

	// maxScales bounds the pyramid depth and sizes the preallocated pool
	// of variational refinement processors.
	maxScales = 10

	// propagationStripes is the fixed stripe count of the inverse search
	// when spatial propagation is on. Keeping it independent of the
	// hardware thread count makes the left/top-neighbor dependency chain,
	// and therefore the result, reproducible.
	propagationStripes = 8
)

// Parameters configure an Estimator. They are read and validated at the
// start of every Calc call; changing them between calls is allowed,
// setting them is never validated eagerly.
type Parameters struct {
	// FinestScale is the pyramid level on which the coarse-to-fine loop
	// stops; the result is upsampled from there to the input resolution.
	FinestScale int

	// PatchSize is the side of the square patches, in pixels.
	PatchSize int

	// PatchStride is the step of the sparse patch grid, in pixels. Must
	// not exceed PatchSize, so that every pixel is covered by at least
	// one patch during densification.
	PatchStride int

	// GradientDescentIterations caps the inverse-search iterations spent
	// on each patch.
	GradientDescentIterations int

	// VariationalRefinementIterations is the number of fixed-point
	// iterations of the refinement pass on every scale. Zero disables
	// refinement entirely.
	VariationalRefinementIterations int

	// Weights of the refinement energy terms: smoothness, gradient
	// constancy and brightness constancy respectively.
	VariationalRefinementAlpha float64
	VariationalRefinementGamma float64
	VariationalRefinementDelta float64

	// UseMeanNormalization subtracts the patch mean from the photometric
	// error, removing sensitivity to uniform brightness changes.
	UseMeanNormalization bool

	// UseSpatialPropagation seeds each patch with the better of its own
	// coarser-scale estimate and the already-solved neighbor estimates.
	UseSpatialPropagation bool
}

// DefaultParameters mirror the OpenCV DISOpticalFlow defaults.
var DefaultParameters = Parameters{
	FinestScale:                     2,
	PatchSize:                       8,
	PatchStride:                     4,
	GradientDescentIterations:       16,
	VariationalRefinementIterations: 5,
	VariationalRefinementAlpha:      20.0,
	VariationalRefinementGamma:      10.0,
	VariationalRefinementDelta:      5.0,
	UseMeanNormalization:            true,
	UseSpatialPropagation:           true,
}

// PresetFastest trades accuracy for speed: no variational refinement and
// a short gradient descent.
func PresetFastest() Parameters {
	p := DefaultParameters
	p.FinestScale = 2
	p.PatchStride = 4
	p.GradientDescentIterations = 12
	p.VariationalRefinementIterations = 0
	return p
}

// PresetBalanced is the default speed/quality trade-off.
func PresetBalanced() Parameters {
	p := DefaultParameters
	p.FinestScale = 2
	p.PatchStride = 4
	p.GradientDescentIterations = 16
	p.VariationalRefinementIterations = 5
	return p
}

// PresetHigherQuality descends one pyramid level further and spends more
// iterations on each patch.
func PresetHigherQuality() Parameters {
	p := DefaultParameters
	p.FinestScale = 1
	p.PatchStride = 3
	p.GradientDescentIterations = 25
	p.VariationalRefinementIterations = 5
	return p
}

func (p Parameters) validate() error {
	if p.FinestScale < 0 {
		return fmt.Errorf("%w: finest scale must be non-negative, got %d", ErrInvalidInput, p.FinestScale)
	}
	if p.PatchSize < 4 {
		return fmt.Errorf("%w: patch size must be at least 4, got %d", ErrInvalidInput, p.PatchSize)
	}
	if p.PatchStride < 1 || p.PatchStride > p.PatchSize {
		return fmt.Errorf("%w: patch stride must be in [1, patch size], got %d", ErrInvalidInput, p.PatchStride)
	}
	if p.GradientDescentIterations < 1 {
		return fmt.Errorf("%w: gradient descent iterations must be positive, got %d", ErrInvalidInput, p.GradientDescentIterations)
	}
	if p.VariationalRefinementIterations < 0 {
		return fmt.Errorf("%w: variational refinement iterations must be non-negative, got %d", ErrInvalidInput, p.VariationalRefinementIterations)
	}
	return nil
}

// scaleContext carries the immutable geometry of one pyramid scale into
// the parallel stages. Workers only ever read it.
type scaleContext struct {
	w, h   int // dense image dimensions at this scale
	ws, hs int // sparse patch-grid dimensions

	psz, pstr int
	border    int

	descentIters int
	meanNorm     bool
	spatialProp  bool
}

func newScaleContext(w, h int, p Parameters) scaleContext {
	return scaleContext{
		w:            w,
		h:            h,
		ws:           1 + (w-p.PatchSize)/p.PatchStride,
		hs:           1 + (h-p.PatchSize)/p.PatchStride,
		psz:          p.PatchSize,
		pstr:         p.PatchStride,
		border:       borderSize,
		descentIters: p.GradientDescentIterations,
		meanNorm:     p.UseMeanNormalization,
		spatialProp:  p.UseSpatialPropagation,
	}
}

// Estimator computes DIS optical flow. It owns a cache of per-scale
// buffers which is reused across Calc invocations; a single Estimator
// must not be used from multiple goroutines concurrently.
type Estimator struct {
	// Params are re-read at the beginning of every Calc call. Mutating
	// them between calls is the supported way to reconfigure an
	// Estimator; validation happens lazily inside Calc.
	Params Parameters

	// Image pyramids, indexed by scale. Levels below the finest active
	// scale are left unused.
	i0s   []*image.Gray // current frame
	i1s   []*image.Gray // next frame
	i1ext []*image.Gray // next frame with replicated borders

	i0xs [][]float64 // x gradient of the current frame, per scale
	i0ys [][]float64 // y gradient of the current frame, per scale

	ux [][]float64 // x component of the dense flow, per scale
	uy [][]float64 // y component of the dense flow, per scale

	initUx [][]float64 // caller-supplied initial flow resampled per scale
	initUy [][]float64

	// Sparse flow grid, reused across scales and calls.
	sx []float64
	sy []float64

	// Full-resolution planes of the final merge, reused across calls.
	mergeX, mergeY []float64

	// Structure tensor buffers aligned with the sparse grid. tx/ty hold
	// the plain gradient sums needed by mean normalization.
	txx, tyy, txy []float64
	tx, ty        []float64

	// Auxiliary buffers of the separable box-sum (one value per image
	// row and sparse column).
	auxXX, auxYY, auxXY []float64
	auxX, auxY          []float64

	// One refinement processor per possible scale, preallocated so that
	// switching scales never allocates.
	refiners [maxScales]*VariationalRefinement
}

// New returns an Estimator configured with p. Use DefaultParameters or
// one of the presets as a starting point.
func New(p Parameters) *Estimator {
	e := &Estimator{Params: p}
	for i := range e.refiners {
		e.refiners[i] = NewVariationalRefinement()
	}
	return e
}

// Calc estimates the dense optical flow from i0 to i1. Both frames must
// be non-empty, contiguous, of identical dimensions, and their smaller
// dimension must be at least 12 pixels.
//
// If flow is non-nil and matches the frame dimensions it is consumed as
// the initial estimate; otherwise a fresh zero-seeded field is
// allocated. The returned field has the same pixel dimensions as the
// inputs, with the x/y displacement in pixel units.
func (e *Estimator) Calc(i0, i1 *image.Gray, flow *Flow) (*Flow, error) {
	return e.calc(i0, i1, flow, nil)
}

// CalcWithKernel behaves exactly like Calc, but delegates the patch
// inverse-search stage of every scale to k, typically a hardware
// accelerated implementation of the SearchKernel contract. The result
// must agree with Calc within floating-point tolerance for a conforming
// kernel.
func (e *Estimator) CalcWithKernel(i0, i1 *image.Gray, flow *Flow, k SearchKernel) (*Flow, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil search kernel", ErrInvalidInput)
	}
	return e.calc(i0, i1, flow, k)
}

func validFrame(f *image.Gray) error {
	if f == nil || f.Rect.Dx() <= 0 || f.Rect.Dy() <= 0 {
		return fmt.Errorf("%w: empty frame", ErrInvalidInput)
	}
	if f.Stride != f.Rect.Dx() {
		return fmt.Errorf("%w: frame memory must be contiguous", ErrInvalidInput)
	}
	return nil
}

func (e *Estimator) calc(i0, i1 *image.Gray, flow *Flow, kernel SearchKernel) (*Flow, error) {
	if err := validFrame(i0); err != nil {
		return nil, err
	}
	if err := validFrame(i1); err != nil {
		return nil, err
	}
	if i0.Rect.Dx() != i1.Rect.Dx() || i0.Rect.Dy() != i1.Rect.Dy() {
		return nil, fmt.Errorf("%w: frame dimensions do not match", ErrInvalidInput)
	}

	// Calc works on a private copy so that the auto-selection below
	// never leaks back into the caller-visible configuration.
	p := e.Params
	if err := p.validate(); err != nil {
		return nil, err
	}

	w := i0.Rect.Dx()
	h := i0.Rect.Dy()

	useInputFlow := flow != nil && flow.Width == w && flow.Height == h &&
		flow.Stride >= 2*w && len(flow.Vec) >= flow.Stride*h
	if !useInputFlow {
		flow = NewFlow(w, h)
	}

	// Deepest level that both allows a maximal displacement of about a
	// quarter of the width and still fits a whole patch. The casts
	// truncate toward zero, exactly like the C++ int conversions.
	coarsest := min(
		int(math.Log2(float64(max(w, h))/(4.0*float64(p.PatchSize)))+0.5),
		int(math.Log2(float64(min(w, h))/float64(p.PatchSize))))
	if coarsest < 0 {
		return nil, fmt.Errorf("%w: the smaller input dimension must be at least 12", ErrInvalidInput)
	}
	if coarsest < p.FinestScale {
		// The image is too small for the requested schedule; re-derive
		// the patch size and both scales from the image width.
		coarsest = autoSelectPatchSizeAndScales(&p, w, h)
	}
	coarsest = min(coarsest, maxScales-1)

	e.prepareBuffers(i0, i1, flow, useInputFlow, coarsest, p)

	if useInputFlow {
		copy(e.ux[coarsest], e.initUx[coarsest])
		copy(e.uy[coarsest], e.initUy[coarsest])
	} else {
		clear(e.ux[coarsest])
		clear(e.uy[coarsest])
	}

	for s := coarsest; s >= p.FinestScale; s-- {
		lw := e.i0s[s].Rect.Dx()
		lh := e.i0s[s].Rect.Dy()
		ctx := newScaleContext(lw, lh, p)

		e.precomputeStructureTensor(ctx, e.i0xs[s], e.i0ys[s])

		if kernel != nil {
			if err := kernel.Search(e.searchInput(ctx, s), e.sx, e.sy); err != nil {
				return nil, fmt.Errorf("disflow: search kernel failed at scale %d: %w", s, err)
			}
		} else {
			e.patchInverseSearch(ctx, s)
		}

		e.densify(ctx, s)

		if p.VariationalRefinementIterations > 0 {
			vr := e.refiners[s]
			vr.Alpha = p.VariationalRefinementAlpha
			vr.Gamma = p.VariationalRefinementGamma
			vr.Delta = p.VariationalRefinementDelta
			vr.FixedPointIterations = p.VariationalRefinementIterations
			vr.SorIterations = 5
			vr.CalcUV(e.i0s[s], e.i1s[s], e.ux[s], e.uy[s])
		}

		if s > p.FinestScale {
			// The next finer level doubles the resolution, so the
			// displacement units double as well.
			nw := e.i0s[s-1].Rect.Dx()
			nh := e.i0s[s-1].Rect.Dy()
			resizeFlowPlane(e.ux[s-1], nw, nh, e.ux[s], lw, lh)
			resizeFlowPlane(e.uy[s-1], nw, nh, e.uy[s], lw, lh)
			floats.Scale(2, e.ux[s-1])
			floats.Scale(2, e.uy[s-1])
		}
	}

	e.mergeAndUpsample(flow, p.FinestScale)
	return flow, nil
}

// mergeAndUpsample converts the finest-scale planar flow back to the
// caller's resolution and to full-resolution pixel units.
func (e *Estimator) mergeAndUpsample(flow *Flow, finest int) {
	lw := e.i0s[finest].Rect.Dx()
	lh := e.i0s[finest].Rect.Dy()

	e.mergeX = ensure(e.mergeX, flow.Width*flow.Height)
	e.mergeY = ensure(e.mergeY, flow.Width*flow.Height)
	outX, outY := e.mergeX, e.mergeY
	resizeFlowPlane(outX, flow.Width, flow.Height, e.ux[finest], lw, lh)
	resizeFlowPlane(outY, flow.Width, flow.Height, e.uy[finest], lw, lh)

	scale := float64(int(1) << finest)
	floats.Scale(scale, outX)
	floats.Scale(scale, outY)

	for i := 0; i < flow.Height; i++ {
		row := flow.Vec[i*flow.Stride:]
		for j := 0; j < flow.Width; j++ {
			row[2*j] = outX[i*flow.Width+j]
			row[2*j+1] = outY[i*flow.Width+j]
		}
	}
}

// autoSelectCoarsestScale picks the deepest level on which a patch still
// spans at least a fifth of the halved image width.
func autoSelectCoarsestScale(imgWidth, patchSize int) int {
	const fratio = 5.0
	return max(0, int(math.Floor(math.Log2((2.0*float64(imgWidth))/(fratio*float64(patchSize))))))
}

// autoSelectPatchSizeAndScales re-derives the patch size and both scales
// from the image width, keyed by the originally requested finest scale
// (four canonical preset families). It returns the new coarsest scale
// and rewrites p in place.
func autoSelectPatchSizeAndScales(p *Parameters, imgWidth, imgHeight int) int {
	var coarsest int
	switch p.FinestScale {
	case 3:
		p.PatchSize = 12
		coarsest = autoSelectCoarsestScale(imgWidth, p.PatchSize)
		p.FinestScale = max(coarsest-4, 0)
	case 4:
		p.PatchSize = 12
		coarsest = autoSelectCoarsestScale(imgWidth, p.PatchSize)
		p.FinestScale = max(coarsest-5, 0)
	default: // families 1 and 2
		p.PatchSize = 8
		coarsest = autoSelectCoarsestScale(imgWidth, p.PatchSize)
		p.FinestScale = max(coarsest-2, 0)
	}
	// The rewritten patch size may undercut a caller-supplied stride.
	p.PatchStride = min(p.PatchStride, p.PatchSize)
	// Keep a whole patch representable on the coarsest level even for
	// extreme aspect ratios.
	ceiling := int(math.Log2(float64(min(imgWidth, imgHeight)) / float64(p.PatchSize)))
	if coarsest > ceiling {
		coarsest = max(ceiling, 0)
		p.FinestScale = min(p.FinestScale, coarsest)
	}
	return coarsest
}

// prepareBuffers (re)builds the image pyramids and resizes every reused
// buffer for the coming pass. Buffer memory is kept across calls where
// the dimensions allow.
func (e *Estimator) prepareBuffers(i0, i1 *image.Gray, flow *Flow, useInputFlow bool, coarsest int, p Parameters) {
	n := coarsest + 1
	e.i0s = ensureGrays(e.i0s, n)
	e.i1s = ensureGrays(e.i1s, n)
	e.i1ext = ensureGrays(e.i1ext, n)
	e.i0xs = ensurePlanes(e.i0xs, n)
	e.i0ys = ensurePlanes(e.i0ys, n)
	e.ux = ensurePlanes(e.ux, n)
	e.uy = ensurePlanes(e.uy, n)

	var initX, initY []float64
	if useInputFlow {
		e.initUx = ensurePlanes(e.initUx, n)
		e.initUy = ensurePlanes(e.initUy, n)
		initX, initY = flow.split()
	}

	fraction := 1
	var curW, curH int
	for s := 0; s <= coarsest; s++ {
		// Levels above the finest scale are never read, skip them.
		if s == p.FinestScale {
			curW = i0.Rect.Dx() / fraction
			curH = i0.Rect.Dy() / fraction
			e.i0s[s] = resampleGray(e.i0s[s], i0, curW, curH)
			e.i1s[s] = resampleGray(e.i1s[s], i1, curW, curH)

			// Sparse-grid buffers are shared by all scales; the finest
			// level is the largest they ever need to be.
			ws := curW / p.PatchStride
			hs := curH / p.PatchStride
			e.sx = ensure(e.sx, hs*ws)
			e.sy = ensure(e.sy, hs*ws)
			e.txx = ensure(e.txx, hs*ws)
			e.tyy = ensure(e.tyy, hs*ws)
			e.txy = ensure(e.txy, hs*ws)
			e.tx = ensure(e.tx, hs*ws)
			e.ty = ensure(e.ty, hs*ws)
			e.auxXX = ensure(e.auxXX, curH*ws)
			e.auxYY = ensure(e.auxYY, curH*ws)
			e.auxXY = ensure(e.auxXY, curH*ws)
			e.auxX = ensure(e.auxX, curH*ws)
			e.auxY = ensure(e.auxY, curH*ws)
		} else if s > p.FinestScale {
			curW = e.i0s[s-1].Rect.Dx() / 2
			curH = e.i0s[s-1].Rect.Dy() / 2
			e.i0s[s] = resampleGray(e.i0s[s], e.i0s[s-1], curW, curH)
			e.i1s[s] = resampleGray(e.i1s[s], e.i1s[s-1], curW, curH)
		}

		if s >= p.FinestScale {
			e.i1ext[s] = replicateBorder(e.i1ext[s], e.i1s[s], borderSize)
			e.i0xs[s] = ensure(e.i0xs[s], curW*curH)
			e.i0ys[s] = ensure(e.i0ys[s], curW*curH)
			spatialGradient(e.i0s[s], e.i0xs[s], e.i0ys[s])
			e.ux[s] = ensure(e.ux[s], curW*curH)
			e.uy[s] = ensure(e.uy[s], curW*curH)

			if useInputFlow {
				e.initUx[s] = ensure(e.initUx[s], curW*curH)
				e.initUy[s] = ensure(e.initUy[s], curW*curH)
				resizeFlowPlane(e.initUx[s], curW, curH, initX, flow.Width, flow.Height)
				resizeFlowPlane(e.initUy[s], curW, curH, initY, flow.Width, flow.Height)
				floats.Scale(1/float64(fraction), e.initUx[s])
				floats.Scale(1/float64(fraction), e.initUy[s])
			}
		}

		fraction *= 2
	}
}

// CollectGarbage releases every cached buffer and the scratch state of
// the refinement processors. The Estimator remains usable; the next Calc
// reallocates what it needs.
func (e *Estimator) CollectGarbage() {
	e.i0s, e.i1s, e.i1ext = nil, nil, nil
	e.i0xs, e.i0ys = nil, nil
	e.ux, e.uy = nil, nil
	e.initUx, e.initUy = nil, nil
	e.sx, e.sy = nil, nil
	e.mergeX, e.mergeY = nil, nil
	e.txx, e.tyy, e.txy = nil, nil, nil
	e.tx, e.ty = nil, nil
	e.auxXX, e.auxYY, e.auxXY = nil, nil, nil
	e.auxX, e.auxY = nil, nil
	for _, vr := range e.refiners {
		vr.collectGarbage()
	}
}

// numStripes is the fan-out width of stages without a scan-order
// dependency. Their outputs are disjoint per stripe, so the count only
// affects scheduling, never the result.
func numStripes(rows int) int {
	return max(1, min(runtime.GOMAXPROCS(0), rows))
}
