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

package parallel

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/valyala/fastrand"
)

func TestForCoversRange(t *testing.T) {
	for _, n := range []int{0, 1, 100, minBatch, minBatch*3 + 17} {
		var count int64
		For(n, 4, func(lo, hi int) {
			atomic.AddInt64(&count, int64(hi-lo))
		})
		if count != int64(n) {
			t.Errorf("n=%d covered %d indices", n, count)
		}
	}
}

func TestSumThreadCountIndependent(t *testing.T) {
	rng := fastrand.RNG{}
	n := minBatch*5 + 13
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.Uint32n(1000)) / 1000
	}

	sum := func(lo, hi int) float64 {
		s := float64(0)
		for i := lo; i < hi; i++ {
			s += float64(data[i])
		}
		return s
	}

	serial := SumFloat64(n, 1, sum)
	for _, threads := range []int{2, 4, 16} {
		got := SumFloat64(n, threads, sum)
		if math.Abs(got-serial) > 1e-6*serial {
			t.Errorf("threads=%d got %g serial %g", threads, got, serial)
		}
	}
}

func TestMinMax(t *testing.T) {
	n := minBatch * 3
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	data[n/2] = -5
	data[n/3] = 1e9

	min, max := MinMaxFloat32(n, 8, func(lo, hi int) (float32, float32) {
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
	if min != -5 || max != 1e9 {
		t.Errorf("got min %g max %g", min, max)
	}
}
