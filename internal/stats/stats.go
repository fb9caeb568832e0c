// Copyright (C) 2021 The imstats authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package stats computes robust statistical descriptors over image pixel
// sample buffers: order statistics, deviation measures, and iterative
// robust location/scale estimation. A descriptor is computed lazily and
// incrementally: each request fills in only the fields still missing.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/deepskies/imstats/internal/parallel"
	"github.com/deepskies/imstats/internal/qsort"
)

// Options selects which descriptor fields to compute
type Options uint32

const (
	OptMinMax Options = 1 << iota // Min, Max, NormValue
	OptNoise                      // Ngoodpix, Mean, Sigma, BgNoise
	OptMedian
	OptAvgDev
	OptMAD
	OptBWMV
	OptIKSS
)

const (
	OptBasic Options = OptMinMax | OptNoise
	OptMain  Options = OptBasic | OptMedian | OptAvgDev | OptMAD | OptBWMV
	OptExtra Options = OptMain | OptIKSS
)

// The deviation estimators depend on the median, and everything past the
// basic pass depends on Ngoodpix for zero-pixel compaction.
func (o Options) withImplied() Options {
	if o&(OptAvgDev|OptMAD|OptBWMV) != 0 {
		o |= OptMedian
	}
	if o&(OptMedian|OptIKSS) != 0 {
		o |= OptNoise
	}
	if o&OptIKSS != 0 {
		o |= OptMinMax // IKSS rescales by the norm value
	}
	return o
}

// Error taxonomy for descriptor computation. All failures are local to a
// single request and are returned, never panicked.
var (
	// ErrNoData: the region holds zero valid (nonzero) samples
	ErrNoData = errors.New("no valid pixels in region")
	// ErrMissingSource: a requested field is not cached and no pixel buffer was supplied
	ErrMissingSource = errors.New("pixel data not supplied and field not cached")
	// ErrInconsistent: cached metadata disagrees with actual pixel data
	ErrInconsistent = errors.New("cached statistics inconsistent with pixel data")
)

// Samples is a flat sample buffer for descriptor computation: either raw
// 16-bit integer pixels or normalized float pixels in [0,1], exactly one
// of which is non-nil. Width is the row length, needed for the 2D
// background noise estimate. The buffer is only ever read; selection and
// sorting happen on internal copies.
type Samples struct {
	U16   []uint16
	F32   []float32
	Width int32
}

func (smp Samples) Len() int {
	if smp.U16 != nil {
		return len(smp.U16)
	}
	return len(smp.F32)
}

// Stats holds the statistical descriptors of one image layer (or of one
// rectangular selection of it). Fields become valid as they are computed;
// the done bitmask replaces the classic negative-sentinel convention, so a
// legitimately negative value can never be misread as "uncomputed".
type Stats struct {
	Total     int64   `json:"total"`    // sample count including zero pixels
	Ngoodpix  int64   `json:"ngoodpix"` // count excluding zero ("no data") pixels
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	NormValue float64 `json:"normValue"` // 1, 255 or 65535, inferred from Max
	Mean      float64 `json:"mean"`
	Sigma     float64 `json:"sigma"`   // population standard deviation
	BgNoise   float64 `json:"bgNoise"` // gaussian background noise estimate
	Median    float64 `json:"median"`
	AvgDev    float64 `json:"avgDev"`   // mean absolute deviation from the median
	MAD       float64 `json:"mad"`      // median absolute deviation
	SqrtBWMV  float64 `json:"sqrtBwmv"` // square root of the biweight midvariance
	Location  float64 `json:"location"` // IKSS robust location, in sample units
	Scale     float64 `json:"scale"`    // IKSS robust scale, in sample units

	done Options
	refs int32
}

// Counters for the reference-counting tests: live descriptor objects, and
// releases of an already-freed descriptor.
var liveObjects int64
var doubleFrees int64

func LiveObjects() int64 { return atomic.LoadInt64(&liveObjects) }
func DoubleFrees() int64 { return atomic.LoadInt64(&doubleFrees) }

// NewStats returns an empty descriptor with reference count 1
func NewStats() *Stats {
	atomic.AddInt64(&liveObjects, 1)
	return &Stats{refs: 1}
}

// Ref registers an additional holder of this descriptor and returns it.
// The object is shared, never deep-copied: every stored reference must be
// balanced by one Release.
func (s *Stats) Ref() *Stats {
	atomic.AddInt32(&s.refs, 1)
	return s
}

// Release drops one reference. The descriptor is freed only when the last
// holder releases it; releasing a freed descriptor is counted as a
// double free and otherwise ignored.
func (s *Stats) Release() {
	if s == nil {
		return
	}
	left := atomic.AddInt32(&s.refs, -1)
	if left == 0 {
		atomic.AddInt64(&liveObjects, -1)
	} else if left < 0 {
		atomic.AddInt32(&s.refs, -left)
		atomic.AddInt64(&doubleFrees, 1)
	}
}

// Refs returns the current reference count
func (s *Stats) Refs() int32 { return atomic.LoadInt32(&s.refs) }

// Has reports whether all the given fields have been computed
func (s *Stats) Has(o Options) bool { return s.done&o.withImplied() == o.withImplied() }

// Pretty print the descriptor to a string
func (s *Stats) String() string {
	return fmt.Sprintf("Total %d Good %d Min %.6g Max %.6g Mean %.6g Sigma %.6g Noise %.4g Median %.6g MAD %.6g Location %.6g Scale %.6g",
		s.Total, s.Ngoodpix, s.Min, s.Max, s.Mean, s.Sigma, s.BgNoise, s.Median, s.MAD, s.Location, s.Scale)
}

// Update computes the requested fields that are still missing, in place.
// Fields already computed are never recomputed, and on failure no field is
// left half-updated: either a field is complete, or its done bit stays
// clear. The sample buffer itself is never modified.
func (s *Stats) Update(smp Samples, opts Options, maxThreads int) error {
	opts = opts.withImplied()
	missing := opts &^ s.done
	if missing == 0 {
		return nil
	}
	n := smp.Len()
	if n == 0 {
		return ErrMissingSource
	}

	if missing&OptMinMax != 0 {
		s.computeMinMax(smp, maxThreads)
		s.Total = int64(n)
		s.done |= OptMinMax
	}

	if missing&OptNoise != 0 {
		if err := s.computeNoisePass(smp, maxThreads); err != nil {
			return err
		}
		if s.Ngoodpix <= 0 {
			// no statistical content in this region. The done bit stays
			// clear so a later request on a shared cached object recomputes
			// and fails again instead of serving zeroed fields
			return ErrNoData
		}
		s.Total = int64(n)
		s.done |= OptNoise
	}

	if missing&(OptMedian|OptAvgDev|OptMAD|OptBWMV|OptIKSS) == 0 {
		return nil
	}

	// Compact the samples to the nonzero subset before the median-family
	// estimators. A count mismatch with the recorded Ngoodpix means cached
	// metadata and pixel data have diverged.
	work, err := s.compactNonzero(smp)
	if err != nil {
		return err
	}

	if missing&OptMedian != 0 {
		if smp.U16 != nil {
			s.Median = float64(qsort.QSelectMedianUint16(work.u16))
		} else {
			s.Median = float64(qsort.QSelectMedianFloat32(work.f32))
		}
		s.done |= OptMedian
	}

	if missing&(OptAvgDev|OptMAD|OptBWMV|OptIKSS) == 0 {
		return nil
	}
	good := work.asFloat32()

	if missing&OptAvgDev != 0 {
		s.AvgDev = AvgDev(good, s.Median, maxThreads)
		s.done |= OptAvgDev
	}
	if missing&(OptMAD|OptBWMV) != 0 {
		mad := MAD(good, s.Median, maxThreads)
		if missing&OptMAD != 0 {
			s.MAD = mad
			s.done |= OptMAD
		}
		if missing&OptBWMV != 0 {
			s.SqrtBWMV = math.Sqrt(BWMV(good, s.Median, mad, maxThreads))
			s.done |= OptBWMV
		}
	}

	if missing&OptIKSS != 0 {
		// IKSS operates on values rescaled into [0,1] by the norm value,
		// fully sorted ascending; outputs are rescaled back.
		norm := s.NormValue
		if norm <= 0 {
			norm = 65535
		}
		invNorm := float32(1 / norm)
		normalized := make([]float32, len(good))
		for i, v := range good {
			normalized[i] = v * invNorm
		}
		qsort.QSortFloat32(normalized)
		// the collapse threshold is one float32 ULP at 1.0: a normalized
		// scale below it is indistinguishable from a constant sample set
		loc, scale := IKSS(normalized, 1e-6, float32(math.Pow(2, -23)))
		s.Location, s.Scale = float64(loc)*norm, float64(scale)*norm
		s.done |= OptIKSS
	}

	return nil
}

// Min, max and the inferred normalization value, over all samples
// including zero pixels
func (s *Stats) computeMinMax(smp Samples, maxThreads int) {
	var min, max float32
	if smp.U16 != nil {
		data := smp.U16
		min, max = parallel.MinMaxFloat32(len(data), maxThreads, func(lo, hi int) (float32, float32) {
			mmin, mmax := data[lo], data[lo]
			for _, v := range data[lo:hi] {
				if v < mmin {
					mmin = v
				}
				if v > mmax {
					mmax = v
				}
			}
			return float32(mmin), float32(mmax)
		})
	} else {
		data := smp.F32
		min, max = parallel.MinMaxFloat32(len(data), maxThreads, func(lo, hi int) (float32, float32) {
			mmin, mmax := data[lo], data[lo]
			for _, v := range data[lo:hi] {
				if v < mmin {
					mmin = v
				}
				if v > mmax {
					mmax = v
				}
			}
			return mmin, mmax
		})
	}
	s.Min, s.Max = float64(min), float64(max)
	s.NormValue = normValue(s.Max)
}

// Infers the normalization value from the maximum sample: float data in
// [0,1] normalizes to 1, 8-bit data in a 16-bit container to 255, true
// 16-bit data to 65535.
func normValue(max float64) float64 {
	if max <= 1.0 {
		return 1
	}
	if max <= 255.0 {
		return 255
	}
	return 65535
}

// Single traversal computing the nonzero sample count, their mean and
// population sigma, followed by the 2D background noise estimate. Fails if
// the accumulation degenerates numerically.
func (s *Stats) computeNoisePass(smp Samples, maxThreads int) error {
	n := smp.Len()
	var count, sum float64
	if smp.U16 != nil {
		data := smp.U16
		count, sum = parallel.Sum2Float64(n, maxThreads, func(lo, hi int) (float64, float64) {
			c, m := float64(0), float64(0)
			for _, v := range data[lo:hi] {
				if v != 0 {
					c++
					m += float64(v)
				}
			}
			return c, m
		})
	} else {
		data := smp.F32
		count, sum = parallel.Sum2Float64(n, maxThreads, func(lo, hi int) (float64, float64) {
			c, m := float64(0), float64(0)
			for _, v := range data[lo:hi] {
				if v != 0 {
					c++
					m += float64(v)
				}
			}
			return c, m
		})
	}

	s.Ngoodpix = int64(count)
	if s.Ngoodpix <= 0 {
		s.Mean, s.Sigma, s.BgNoise = 0, 0, 0
		return nil // reported as ErrNoData by the caller of this pass
	}
	mean := sum / count

	var sumSqDiff float64
	if smp.U16 != nil {
		data := smp.U16
		sumSqDiff = parallel.SumFloat64(n, maxThreads, func(lo, hi int) float64 {
			v := float64(0)
			for _, d := range data[lo:hi] {
				if d != 0 {
					diff := float64(d) - mean
					v += diff * diff
				}
			}
			return v
		})
	} else {
		data := smp.F32
		sumSqDiff = parallel.SumFloat64(n, maxThreads, func(lo, hi int) float64 {
			v := float64(0)
			for _, d := range data[lo:hi] {
				if d != 0 {
					diff := float64(d) - mean
					v += diff * diff
				}
			}
			return v
		})
	}

	sigma := math.Sqrt(sumSqDiff / count)
	if math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(sigma) || math.IsInf(sigma, 0) {
		return fmt.Errorf("mean/sigma accumulation failed: %w", ErrNoData)
	}
	s.Mean, s.Sigma = mean, sigma
	s.BgNoise = float64(EstimateNoise(smp))
	return nil
}

// A compacted nonzero sample buffer, in the same numeric type as its source
type workBuffer struct {
	u16 []uint16
	f32 []float32
}

// Converts a compacted buffer to float32 once, for the deviation estimators.
// 16-bit values are exactly representable in float32.
func (w workBuffer) asFloat32() []float32 {
	if w.f32 != nil {
		return w.f32
	}
	out := make([]float32, len(w.u16))
	for i, v := range w.u16 {
		out[i] = float32(v)
	}
	return out
}

// Copies the nonzero samples into a fresh buffer of length Ngoodpix. The
// copy doubles as mutation protection: the selection algorithms reorder
// their input, and the source may alias live pixel data.
func (s *Stats) compactNonzero(smp Samples) (workBuffer, error) {
	if smp.U16 != nil {
		out := make([]uint16, 0, s.Ngoodpix)
		for _, v := range smp.U16 {
			if v != 0 {
				out = append(out, v)
			}
		}
		if int64(len(out)) != s.Ngoodpix {
			return workBuffer{}, fmt.Errorf("expected %d nonzero samples, found %d: %w", s.Ngoodpix, len(out), ErrInconsistent)
		}
		return workBuffer{u16: out}, nil
	}
	out := make([]float32, 0, s.Ngoodpix)
	for _, v := range smp.F32 {
		if v != 0 {
			out = append(out, v)
		}
	}
	if int64(len(out)) != s.Ngoodpix {
		return workBuffer{}, fmt.Errorf("expected %d nonzero samples, found %d: %w", s.Ngoodpix, len(out), ErrInconsistent)
	}
	return workBuffer{f32: out}, nil
}
