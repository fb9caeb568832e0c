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
)

// Weights for noise estimation
var enWeights = []float64{
	1, -2, 1,
	-2, 4, -2,
	1, -2, 1,
}

// EstimateNoise estimates the level of gaussian noise on a natural image,
// independent of its mean and sigma. Needs at least a 3x3 sample region;
// smaller regions return 0.
// From J. Immerkær, "Fast Noise Variance Estimation", Computer Vision and
// Image Understanding, Vol. 64, No. 2, pp. 300-302, Sep. 1996.
func EstimateNoise(smp Samples) float32 {
	width := smp.Width
	if width < 3 {
		return 0
	}
	height := int32(smp.Len()) / width
	if height < 3 {
		return 0
	}

	enOffsets := []int32{
		-width - 1, -width, -width + 1,
		-1, 0, 1,
		width - 1, width, width + 1,
	}

	sum := float64(0)
	for y := int32(1); y < height-1; y++ {
		rowSum := float64(0)
		for x := int32(1); x < width-1; x++ {
			i := y*width + x
			conv := float64(0)
			if smp.U16 != nil {
				for j, o := range enOffsets {
					conv += float64(smp.U16[i+o]) * enWeights[j]
				}
			} else {
				for j, o := range enOffsets {
					conv += float64(smp.F32[i+o]) * enWeights[j]
				}
			}
			rowSum += math.Abs(conv)
		}
		sum += rowSum
	}
	factor := math.Sqrt(0.5*math.Pi) / (6 * float64(width-2) * float64(height-2))
	return float32(sum * factor)
}
