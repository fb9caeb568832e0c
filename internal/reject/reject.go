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

// Package reject combines per-pixel sample stacks from many aligned
// exposures into one value, discarding or down-weighting outliers. Every
// policy is permutation invariant: which values survive and the combined
// result do not depend on the order exposures were supplied in.
package reject

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/deepskies/imstats/internal/qsort"
	"github.com/deepskies/imstats/internal/stats"
)

// Algorithm selects the per-stack combination and rejection policy
type Algorithm int

const (
	AlgMean       Algorithm = iota // plain mean, no rejection
	AlgMedian                      // plain median, no rejection
	AlgPercentile                  // retain a sorted rank band
	AlgSigma                       // iterative sigma clipping around the median
	AlgSigmaMedian                 // single-pass clipping with MAD-scaled bounds
	AlgWinsorized                  // sigma clipping with winsorized dispersion
	AlgLinearFit                   // residuals against a fit of sorted values vs rank
	AlgGESDT                       // generalized extreme studentized deviate test
	AlgAuto                        // select by stack depth
)

// Auto-select the rejection algorithm based on the number of frames
func AutoSelect(frames int) Algorithm {
	if frames >= 25 {
		return AlgLinearFit
	} else if frames >= 15 {
		return AlgWinsorized
	} else if frames >= 6 {
		return AlgSigma
	}
	return AlgMean
}

// Rejector holds one policy's parameters plus scratch buffers sized to the
// stack depth, so per-pixel calls allocate nothing. Not safe for
// concurrent use: give each goroutine its own instance.
//
// SigmaLow and SigmaHigh are deviation multipliers for the clipping
// policies. Percentile reads them as rank fractions to drop at each end,
// and GESDT reads SigmaLow as the test significance level and SigmaHigh
// as the maximum outlier fraction.
type Rejector struct {
	Algorithm Algorithm
	SigmaLow  float32
	SigmaHigh float32

	gathered   []float32
	weights    []float32
	winsorized []float32
	absDevs    []float32
}

// NewRejector creates a rejector with scratch buffers for stacks of up to
// the given depth
func NewRejector(alg Algorithm, sigmaLow, sigmaHigh float32, depth int) *Rejector {
	if alg == AlgAuto {
		alg = AutoSelect(depth)
	}
	return &Rejector{
		Algorithm:  alg,
		SigmaLow:   sigmaLow,
		SigmaHigh:  sigmaHigh,
		gathered:   make([]float32, depth),
		weights:    make([]float32, depth),
		winsorized: make([]float32, depth),
		absDevs:    make([]float32, depth),
	}
}

// Reject combines one pixel stack, returning the combined value and the
// number of samples clipped below and above the retained set. The input
// is not modified.
func (r *Rejector) Reject(values []float32) (combined float32, clipLow, clipHigh int32) {
	return r.RejectWeighted(values, nil)
}

// RejectWeighted is Reject with one weight per sample; the combined value
// is the weighted mean of the retained samples. weights may be nil for
// uniform weighting. Median-combining policies ignore weights.
func (r *Rejector) RejectWeighted(values, weights []float32) (combined float32, clipLow, clipHigh int32) {
	n := len(values)
	if n == 0 {
		return 0, 0, 0
	}
	cur := r.gathered[:n]
	copy(cur, values)
	var w []float32
	if weights != nil {
		w = r.weights[:n]
		copy(w, weights)
	}

	switch r.Algorithm {
	case AlgMedian:
		return qsort.QSelectMedianFloat32(cur), 0, 0
	case AlgPercentile:
		return r.percentile(cur, w)
	case AlgSigma:
		return r.sigma(cur, w)
	case AlgSigmaMedian:
		return r.sigmaMedian(cur, w)
	case AlgWinsorized:
		return r.winsorizedSigma(cur, w)
	case AlgLinearFit:
		return r.linearFit(cur)
	case AlgGESDT:
		return r.gesdt(cur, w)
	default:
		return weightedMean(cur, w), 0, 0
	}
}

func weightedMean(values, weights []float32) float32 {
	if weights == nil {
		sum := float32(0)
		for _, v := range values {
			sum += v
		}
		return sum / float32(len(values))
	}
	sum, wsum := float32(0), float32(0)
	for i, v := range values {
		sum += v * weights[i]
		wsum += weights[i]
	}
	return sum / wsum
}

// Co-sorts values ascending, carrying weights along. Insertion sort: pixel
// stacks are short.
func sortWithWeights(values, weights []float32) {
	if weights == nil {
		qsort.QSortFloat32(values)
		return
	}
	for i := 1; i < len(values); i++ {
		v, w := values[i], weights[i]
		j := i - 1
		for j >= 0 && values[j] > v {
			values[j+1], weights[j+1] = values[j], weights[j]
			j--
		}
		values[j+1], weights[j+1] = v, w
	}
}

// Drops the SigmaLow fraction of lowest-ranked and the SigmaHigh fraction
// of highest-ranked samples, combining the remaining band
func (r *Rejector) percentile(cur, w []float32) (combined float32, clipLow, clipHigh int32) {
	n := len(cur)
	sortWithWeights(cur, w)
	lo := int(r.SigmaLow * float32(n))
	hi := n - int(r.SigmaHigh*float32(n))
	if hi <= lo { // band collapsed, fall back to the median rank
		lo, hi = n/2, n/2+1
	}
	if w != nil {
		w = w[lo:hi]
	}
	return weightedMean(cur[lo:hi], w), int32(lo), int32(n - hi)
}

// Iterative clipping: recompute median and standard deviation, discard
// samples outside median +- sigma*stdDev, repeat until stable or all but
// one sample is consumed
func (r *Rejector) sigma(cur, w []float32) (combined float32, clipLow, clipHigh int32) {
	for {
		median := qsort.QSelectMedianFloat32(cur)
		_, stdDev := stats.MeanStdDev(cur)

		lowBound := median - r.SigmaLow*stdDev
		highBound := median + r.SigmaHigh*stdDev
		prevClipped := clipLow + clipHigh
		cur, w, clipLow, clipHigh = removeOutOfBounds(cur, w, lowBound, highBound, clipLow, clipHigh)

		if clipLow+clipHigh == prevClipped || len(cur) <= 1 {
			return weightedMean(cur, w), clipLow, clipHigh
		}
	}
}

// Single-pass clipping against the median with MAD-derived bounds
func (r *Rejector) sigmaMedian(cur, w []float32) (combined float32, clipLow, clipHigh int32) {
	median := qsort.QSelectMedianFloat32(cur)

	absDevs := r.absDevs[:len(cur)]
	for i, g := range cur {
		ad := g - median
		if ad < 0 {
			ad = -ad
		}
		absDevs[i] = ad
	}
	mad := qsort.QSelectMedianFloat32(absDevs)
	stdDev := mad * 1.4826 // normalize to gaussian std dev equivalent

	lowBound := median - r.SigmaLow*stdDev
	highBound := median + r.SigmaHigh*stdDev
	cur, w, clipLow, clipHigh = removeOutOfBounds(cur, w, lowBound, highBound, 0, 0)
	return weightedMean(cur, w), clipLow, clipHigh
}

// Sigma clipping whose dispersion estimate comes from a winsorized copy of
// the stack: outliers are substituted with the 1.5 sigma bounds until the
// estimate stabilizes, then ordinary clipping proceeds with the tighter
// standard deviation
func (r *Rejector) winsorizedSigma(cur, w []float32) (combined float32, clipLow, clipHigh int32) {
	for {
		median := qsort.QSelectMedianFloat32(cur)
		_, stdDev := stats.MeanStdDev(cur)

		winsorized := r.winsorized[:len(cur)]
		copy(winsorized, cur)
		for {
			lowBound := median - 1.5*stdDev
			highBound := median + 1.5*stdDev
			changed := 0
			for i, v := range winsorized {
				if v < lowBound {
					winsorized[i] = lowBound
					changed++
				} else if v > highBound {
					winsorized[i] = highBound
					changed++
				}
			}
			// median is invariant to outlier substitution, no need to recompute
			oldStdDev := stdDev
			_, stdDev = stats.MeanStdDev(winsorized)
			stdDev = 1.134 * stdDev

			factor := float32(math.Abs(float64(stdDev-oldStdDev))) / oldStdDev
			if changed == 0 || factor <= 0.0005 {
				break
			}
		}

		lowBound := median - r.SigmaLow*stdDev
		highBound := median + r.SigmaHigh*stdDev
		prevClipped := clipLow + clipHigh
		cur, w, clipLow, clipHigh = removeOutOfBounds(cur, w, lowBound, highBound, clipLow, clipHigh)

		if clipLow+clipHigh == prevClipped || len(cur) <= 1 {
			return weightedMean(cur, w), clipLow, clipHigh
		}
	}
}

// Fits a line to sorted sample values vs rank and discards samples whose
// residual exceeds a multiple of the mean absolute residual. Tolerates a
// systematic trend across the stack, e.g. sky brightness drifting over
// the course of a session.
func (r *Rejector) linearFit(cur []float32) (combined float32, clipLow, clipHigh int32) {
	xs := r.absDevs[:len(cur)] // reuse scratch for the rank axis
	mean := float32(0)
	for {
		qsort.QSortFloat32(cur)
		for i := range cur {
			xs[i] = float32(i)
		}

		var slope, intercept float32
		slope, intercept, _, _, mean, _ = stats.LinearRegression(xs[:len(cur)], cur)

		sigma := float32(0)
		for i, g := range cur {
			diff := g - (float32(i)*slope + intercept)
			sigma += float32(math.Abs(float64(diff)))
		}
		sigma /= float32(len(cur))

		// overwrite rejected entries with survivors from the left end,
		// then shrink; the next pass re-sorts anyway
		left := 0
		lowBound := r.SigmaLow * sigma
		highBound := r.SigmaHigh * sigma
		for i, g := range cur {
			lin := float32(i)*slope + intercept
			if lin-g > lowBound {
				cur[i] = cur[left]
				left++
				clipLow++
			} else if g-lin > highBound {
				cur[i] = cur[left]
				left++
				clipHigh++
			}
		}

		if left == 0 || len(cur) < 3 {
			return mean, clipLow, clipHigh
		}
		cur = cur[left:]
	}
}

// Generalized extreme studentized deviate test. SigmaLow is the
// significance level, SigmaHigh the maximum fraction of the stack that may
// be declared outliers. Critical values come from the Student's t
// quantiles; see Rosner 1983.
func (r *Rejector) gesdt(cur, w []float32) (combined float32, clipLow, clipHigh int32) {
	n := len(cur)
	sortWithWeights(cur, w)

	maxOutliers := int(r.SigmaHigh * float32(n))
	if maxOutliers < 1 {
		maxOutliers = 1
	}
	if maxOutliers > n-2 {
		maxOutliers = n - 2
	}
	if maxOutliers < 1 {
		return weightedMean(cur, w), 0, 0
	}
	alpha := float64(r.SigmaLow)

	// The most deviant remaining sample is always the first or last of the
	// sorted window, so removal shrinks the window from one end. Removals
	// are provisional until their test statistic exceeds the critical
	// value; the outlier count is the largest i whose test succeeds.
	lo, hi := 0, n // current window [lo, hi)
	numOutliers := 0
	fromLow := make([]bool, 0, maxOutliers) // removal order, low end vs high end
	for i := 0; i < maxOutliers; i++ {
		m := hi - lo
		nu := float64(m - 2)
		if nu < 1 {
			break
		}
		mean, stdDev := stats.MeanStdDev(cur[lo:hi])
		if stdDev == 0 {
			break
		}
		devLow := float64(mean - cur[lo])
		devHigh := float64(cur[hi-1] - mean)
		low := devLow > devHigh
		stat := devHigh / float64(stdDev)
		if low {
			stat = devLow / float64(stdDev)
		}

		// critical value lambda_i for the current sample count
		p := 1 - alpha/float64(2*m)
		t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}.Quantile(p)
		lambda := float64(m-1) * t / math.Sqrt((nu+t*t)*float64(m))

		fromLow = append(fromLow, low)
		if low {
			lo++
		} else {
			hi--
		}
		if stat > lambda {
			numOutliers = i + 1
		}
	}

	// replay only the removals up to the last significant test
	lo, hi = 0, n
	for _, low := range fromLow[:numOutliers] {
		if low {
			lo++
			clipLow++
		} else {
			hi--
			clipHigh++
		}
	}
	if w != nil {
		w = w[lo:hi]
	}
	return weightedMean(cur[lo:hi], w), clipLow, clipHigh
}

// Swap-removal of samples outside [lowBound, highBound], keeping weights
// aligned when present. Which values are removed does not depend on the
// element order.
func removeOutOfBounds(cur, w []float32, lowBound, highBound float32, clipLow, clipHigh int32) ([]float32, []float32, int32, int32) {
	for j := 0; j < len(cur); {
		g := cur[j]
		if g < lowBound {
			cur[j] = cur[len(cur)-1]
			cur = cur[:len(cur)-1]
			if w != nil {
				w[j] = w[len(w)-1]
				w = w[:len(w)-1]
			}
			clipLow++
		} else if g > highBound {
			cur[j] = cur[len(cur)-1]
			cur = cur[:len(cur)-1]
			if w != nil {
				w[j] = w[len(w)-1]
				w = w[:len(w)-1]
			}
			clipHigh++
		} else {
			j++
		}
	}
	return cur, w, clipLow, clipHigh
}
