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
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/deepskies/imstats/internal/parallel"
	"github.com/deepskies/imstats/internal/qsort"
)

// Histogram calculates the histogram of data between min and max into the
// given bins
func Histogram(data []float32, min, max float32, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	if max <= min {
		return
	}
	scale := float32(len(bins)-1) / (max - min)
	for _, d := range data {
		index := (d - min) * scale
		bins[int(index)]++
	}
}

// GetPeak returns the location and the value of the histogram peak,
// avoiding the edge bins which may be distorted by clipping
func GetPeak(bins []int32, min, max float32) (x, y float32) {
	maxIndex, maxValue := 1, int32(math.MinInt32)
	for i, v := range bins[1 : len(bins)-1] {
		if v > maxValue {
			maxIndex, maxValue = i+1, v
		}
	}

	x = min + (float32(maxIndex)+0.5)*(max-min)/float32(len(bins)-1)
	y = float32(maxValue)
	return x, y
}

// HistogramScaleLoc calculates location and scale based on the histogram
// peak, cumulating adjacent bins until the one sigma threshold of 68.27%
// is reached
func HistogramScaleLoc(data []float32, min, max float32, numBins uint32) (loc, scale float32) {
	if min == max {
		return min, 0
	}

	bins := make([]int32, numBins)
	Histogram(data, min, max, bins)

	peakBin, peakCount := uint32(0), int32(0)
	for bin, count := range bins[1 : numBins-1] {
		if count > peakCount {
			peakBin, peakCount = uint32(bin+1), count
		}
	}
	valueToBin := float32(numBins-1) / (max - min)
	loc = min + float32(peakBin)/valueToBin

	// See https://en.wikipedia.org/wiki/68%E2%80%9395%E2%80%9399.7_rule
	sigmaThreshold := int32(float32(len(data)) * 0.6827)
	intervalLimit := peakBin
	if numBins-1-peakBin < intervalLimit {
		intervalLimit = numBins - 1 - peakBin
	}
	cum := peakCount
	scale = 0.5 * float32(1.0) / valueToBin

	if cum < sigmaThreshold {
		for i := uint32(1); i <= intervalLimit; i++ {
			cum = cum + bins[peakBin-i] + bins[peakBin+i]
			scale = 0.5 * float32(2*i+1) / valueToBin
			if cum >= sigmaThreshold {
				break
			}
		}
	}
	return loc, scale
}

// GetModeStdDevFromHistogram calculates the mode and the standard deviation
// of the given histogram by fitting a normal distribution to it with
// Nelder-Mead minimization
func GetModeStdDevFromHistogram(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	// Educated initial guess: the maximum value of the histogram, with a
	// starting width proportional to the data range
	peak, peakVal := GetPeak(bins, min, max)

	// Minimize the distance between the histogram and a normal distribution
	x0 := []float64{float64(peakVal), float64(peak), float64(max-min) / 20}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := float32(x[0]), float32(x[1]), float32(x[2])
			scaler := alpha / (sigma * float32(math.Sqrt(2*math.Pi)))
			sumSqDiff := float32(0)

			for i, y := range bins {
				x := min + (float32(i)+0.5)*(max-min)/float32(len(bins)-1)

				xmusig := (x - mu) / sigma
				yPredict := scaler * float32(math.Exp(float64(-0.5*xmusig*xmusig)))

				diff := float32(y) - yPredict
				sumSqDiff += diff * diff
			}
			variance := sumSqDiff / float32(len(bins))
			return math.Sqrt(float64(variance))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return -1, -1, err
	}

	return float32(result.X[1]), float32(result.X[2]), nil
}

// Enumerated type for location and scale estimator modes
type LSEstimatorMode int

const (
	LSEMeanStdDev LSEstimatorMode = iota
	LSEMedianMAD
	LSEIKSS
	LSEHistogram
)

// LocScale summarizes the data with a location and scale estimate using
// the selected estimator. Does not change the data.
func LocScale(data []float32, width int32, mode LSEstimatorMode, maxThreads int) (loc, scale float32) {
	switch mode {
	case LSEMedianMAD:
		tmp := make([]float32, len(data))
		copy(tmp, data)
		median := qsort.QSelectMedianFloat32(tmp)
		return median, float32(MAD(data, float64(median), maxThreads) * 1.4826)
	case LSEIKSS:
		tmp := make([]float32, len(data))
		copy(tmp, data)
		qsort.QSortFloat32(tmp)
		return IKSS(tmp, 1e-6, float32(math.Pow(2, -23)))
	case LSEHistogram:
		min, max := parallel.MinMaxFloat32(len(data), maxThreads, func(lo, hi int) (float32, float32) {
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
		return HistogramScaleLoc(data, min, max, 4096)
	default:
		return MeanStdDev(data)
	}
}
