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

package stats

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/valyala/fastrand"

	"github.com/deepskies/imstats/internal/parallel"
	"github.com/deepskies/imstats/internal/qsort"
)

// Destination for warnings from non-converging estimators
var Log io.Writer = os.Stderr

// AvgDev returns the mean absolute deviation of the samples from the given
// median. Per-element work is independent; the sum is a float64 reduction.
func AvgDev(xs []float32, median float64, maxThreads int) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := parallel.SumFloat64(len(xs), maxThreads, func(lo, hi int) float64 {
		s := float64(0)
		for _, x := range xs[lo:hi] {
			s += math.Abs(float64(x) - median)
		}
		return s
	})
	return sum / float64(len(xs))
}

// MAD returns the median absolute deviation of the samples from the given
// median. Allocates a same-length deviation buffer; does not modify xs.
func MAD(xs []float32, median float64, maxThreads int) float64 {
	if len(xs) == 0 {
		return 0
	}
	devs := make([]float32, len(xs))
	parallel.For(len(xs), maxThreads, func(lo, hi int) {
		for i, x := range xs[lo:hi] {
			devs[lo+i] = float32(math.Abs(float64(x) - median))
		}
	})
	return float64(qsort.QSelectMedianFloat32(devs))
}

// BWMV returns the biweight midvariance of the samples around the given
// median, using the given MAD. Samples more than 9 MADs out carry zero
// weight. Defined as 0 when mad<=0, which guards the degenerate-spread
// divide by zero.
func BWMV(xs []float32, median, mad float64, maxThreads int) float64 {
	if mad <= 0 || len(xs) == 0 {
		return 0
	}
	invNineMad := 1 / (9 * mad)
	up, down := parallel.Sum2Float64(len(xs), maxThreads, func(lo, hi int) (float64, float64) {
		u, d := float64(0), float64(0)
		for _, x := range xs[lo:hi] {
			xMinusM := float64(x) - median
			y := xMinusM * invNineMad
			if y <= -1 || y >= 1 {
				continue
			}
			oneMinusYSq := 1 - y*y
			oneMinusYSqSq := oneMinusYSq * oneMinusYSq
			u += xMinusM * xMinusM * oneMinusYSqSq * oneMinusYSqSq
			d += oneMinusYSq * (1 - 5*y*y)
		}
		return u, d
	})
	if down == 0 {
		return 0
	}
	return float64(len(xs)) * up / (down * down)
}

// Iteration cap for IKSS against inputs that neither shrink nor converge
const ikssMaxIter = 64

// IKSS returns the iterative k-sigma estimators of location and scale.
// data must be normalized to [0,1] and fully sorted ascending; it is only
// read. The estimator repeatedly trims the window to median +/- 4 scale
// until the scale estimate stabilizes below epsilon, collapses below e, or
// the window empties.
func IKSS(data []float32, epsilon, e float32) (location, scale float32) {
	i, j := 0, len(data)
	s0 := float64(1)
	for iter := 0; ; iter++ {
		if j-i < 1 {
			return 0, 0
		}
		window := data[i:j]
		m := float64(qsort.MedianSortedFloat32(window)) // window is sorted
		mad := MAD(window, m, 1)
		s := math.Sqrt(BWMV(window, m, mad, 1))
		if s < float64(e) {
			return float32(m), 0 // collapsed distribution
		}
		if s0-s < s*float64(epsilon) {
			return float32(m), float32(0.991 * s) // converged, bias corrected
		}
		if iter >= ikssMaxIter {
			fmt.Fprintf(Log, "IKSS did not converge after %d iterations, window [%d,%d)\n", iter, i, j)
			return float32(m), float32(0.991 * s)
		}
		s0 = s
		xlow := float32(m - 4*s)
		xhigh := float32(m + 4*s)
		for i < j && data[i] < xlow {
			i++
		}
		for j > i && data[j-1] > xhigh {
			j--
		}
	}
}

// MeanStdDev returns the mean and population standard deviation of xs
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	xmean := float64(0)
	for _, x := range xs {
		xmean += float64(x)
	}
	xmean /= float64(len(xs))
	xvar := float64(0)
	for _, x := range xs {
		diff := float64(x) - xmean
		xvar += diff * diff
	}
	xvar /= float64(len(xs))
	return float32(xmean), float32(math.Sqrt(xvar))
}

// LinearRegression calculates the regression line for xs and ys
func LinearRegression(xs, ys []float32) (slope, intercept, xmean, xstddev, ymean, ystddev float32) {
	xmean, xstddev = MeanStdDev(xs)
	ymean, ystddev = MeanStdDev(ys)

	// correlation between the xs and ys
	corr := float32(0)
	for i := range xs {
		corr += (xs[i] - xmean) * (ys[i] - ymean)
	}
	corr /= xstddev * ystddev * (float32(len(xs)) + 1)

	slope = corr * ystddev / xstddev
	intercept = ymean - slope*xmean
	return slope, intercept, xmean, xstddev, ymean, ystddev
}

// SigmaClippedMedianAndMAD returns the sigma clipped median of the data,
// and the Gaussian-normalized MAD of the full data around it. Does not
// change the data.
func SigmaClippedMedianAndMAD(data []float32, sigmaLow, sigmaHigh float32) (median, mad float32) {
	tmp := make([]float32, len(data))
	copy(tmp, data)
	remaining := tmp
	for {
		median = qsort.QSelectMedianFloat32(remaining) // reorders, doesn't matter

		// std deviation w.r.t. the median
		stdDev := float32(0)
		for _, r := range remaining {
			diff := r - median
			stdDev += diff * diff
		}
		stdDev /= float32(len(remaining))
		stdDev = float32(math.Sqrt(float64(stdDev))) * 1.134

		lowBound := median - sigmaLow*stdDev
		highBound := median + sigmaHigh*stdDev
		kept := 0
		for i := 0; i < len(remaining); i++ {
			r := remaining[i]
			if r >= lowBound && r <= highBound {
				remaining[kept] = r
				kept++
			}
		}
		rejected := len(remaining) - kept
		remaining = remaining[:kept]

		if rejected == 0 || len(remaining) <= 3 {
			for i, d := range data {
				tmp[i] = float32(math.Abs(float64(d - median)))
			}
			mad = qsort.QSelectMedianFloat32(tmp) * 1.4826
			return median, mad
		}
	}
}

// FastApproxMedian calculates a fast approximate median of the (presumably
// large) data by subsampling and taking the median of the samples. Uses the
// provided samples array as scratchpad.
func FastApproxMedian(data []float32, samples []float32) float32 {
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = data[rng.Uint32n(max)]
	}
	return qsort.QSelectMedianFloat32(samples)
}

// FastApproxMAD calculates a fast approximate Gaussian-normalized MAD of
// the data around the given location by subsampling. Uses the provided
// samples array as scratchpad.
func FastApproxMAD(data []float32, location float32, samples []float32) float32 {
	max := uint32(len(data))
	rng := fastrand.RNG{}
	for i := range samples {
		samples[i] = float32(math.Abs(float64(data[rng.Uint32n(max)] - location)))
	}
	return qsort.QSelectMedianFloat32(samples) * 1.4826 // normalize to Gaussian std dev
}
