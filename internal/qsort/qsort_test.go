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

package qsort

import (
	"sort"
	"testing"

	"github.com/valyala/fastrand"
)

func TestMedian(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 1000; i++ {
		// prepare array of given length with a random permutation of 1..n
		arr := make([]float32, i)
		for j := 0; j < len(arr); j++ {
			arr[j] = float32(j + 1)
		}
		for j := 0; j < len(arr); j++ {
			k := rng.Uint32n(uint32(len(arr)))
			arr[j], arr[k] = arr[k], arr[j]
		}

		// calculate expected result
		var expect float32
		if (i & 1) != 0 {
			expect = float32((i + 1) / 2)
		} else {
			expect = 0.5 * (float32(i/2) + float32(i/2+1))
		}

		// calculate actual result and compare
		res := QSelectMedianFloat32(arr)
		if res != expect {
			t.Logf("median(1..%d) got %f expect %f\n", i, res, expect)
			t.Fail()
		}
	}
}

// Randomized buffers with duplicates, compared against a reference
// sort-and-index implementation, for sizes up to 10001.
func TestMedianVsSortReference(t *testing.T) {
	rng := fastrand.RNG{}
	for iter := 0; iter < 1000; iter++ {
		n := int(rng.Uint32n(10001)) + 1
		arr := make([]float32, n)
		for j := range arr {
			arr[j] = float32(rng.Uint32n(256)) // duplicates on purpose
		}
		ref := make([]float32, n)
		copy(ref, arr)
		sort.Slice(ref, func(a, b int) bool { return ref[a] < ref[b] })

		expect := MedianSortedFloat32(ref)
		res := QSelectMedianFloat32(arr)
		if res != expect {
			t.Fatalf("n=%d got %f expect %f", n, res, expect)
		}
	}
}

func TestMedianUint16(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 500; i++ {
		arr := make([]uint16, i)
		for j := range arr {
			arr[j] = uint16(rng.Uint32n(65536))
		}
		ref := make([]uint16, i)
		copy(ref, arr)
		sort.Slice(ref, func(a, b int) bool { return ref[a] < ref[b] })

		var expect float32
		if (i & 1) != 0 {
			expect = float32(ref[i>>1])
		} else {
			expect = 0.5 * (float32(ref[(i>>1)-1]) + float32(ref[i>>1]))
		}

		res := QSelectMedianUint16(arr)
		if res != expect {
			t.Fatalf("n=%d got %f expect %f", i, res, expect)
		}
	}
}

func TestFirstQuartile(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 500; i++ {
		arr := make([]float32, i)
		for j := range arr {
			arr[j] = float32(rng.Uint32n(1000))
		}
		ref := make([]float32, i)
		copy(ref, arr)
		sort.Slice(ref, func(a, b int) bool { return ref[a] < ref[b] })

		expect := ref[i>>2]
		res := QSelectFirstQuartileFloat32(arr)
		if res != expect {
			t.Fatalf("n=%d got %f expect %f", i, res, expect)
		}
	}
}

func TestQSort(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 1; i < 300; i++ {
		arr := make([]float32, i)
		for j := range arr {
			arr[j] = float32(rng.Uint32n(100))
		}
		QSortFloat32(arr)
		for j := 1; j < len(arr); j++ {
			if arr[j-1] > arr[j] {
				t.Fatalf("n=%d not sorted at %d", i, j)
			}
		}

		arr16 := make([]uint16, i)
		for j := range arr16 {
			arr16[j] = uint16(rng.Uint32n(65536))
		}
		QSortUint16(arr16)
		for j := 1; j < len(arr16); j++ {
			if arr16[j-1] > arr16[j] {
				t.Fatalf("n=%d uint16 not sorted at %d", i, j)
			}
		}
	}
}

func TestEdgeCases(t *testing.T) {
	if got := QSelectMedianFloat32([]float32{42}); got != 42 {
		t.Errorf("single element got %f", got)
	}
	if got := QSelectMedianFloat32([]float32{7, 3}); got != 5 {
		t.Errorf("two elements got %f", got)
	}
	if got := QSelectMedianUint16([]uint16{9}); got != 9 {
		t.Errorf("single uint16 got %f", got)
	}
	if got := MedianSortedFloat32([]float32{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("sorted even got %f", got)
	}
}
