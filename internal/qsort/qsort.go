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

// Package qsort provides in-place partition-based selection and sorting
// primitives for pixel sample buffers. Selection reorders its input as a
// side effect; callers must pass buffers they own.
package qsort

// Sort an array of float32 in ascending order.
// Array must not contain IEEE NaN
func QSortFloat32(a []float32) {
	if len(a) > 1 {
		index := QPartitionFloat32(a)
		QSortFloat32(a[:index+1])
		QSortFloat32(a[index+1:])
	}
}

// Partitions an array of float32 with the middle pivot element, and returns the pivot index.
// Values less than the pivot are moved left of the pivot, those greater are moved right.
// Array must not contain IEEE NaN
func QPartitionFloat32(a []float32) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid]
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Sort an array of uint16 in ascending order.
func QSortUint16(a []uint16) {
	if len(a) > 1 {
		index := qPartitionUint16(a)
		QSortUint16(a[:index+1])
		QSortUint16(a[index+1:])
	}
}

func qPartitionUint16(a []uint16) int {
	left, right := 0, len(a)-1
	mid := (left + right) >> 1
	pivot := a[mid]
	l := left - 1
	r := right + 1
	for {
		for {
			l++
			if a[l] >= pivot {
				break
			}
		}
		for {
			r--
			if a[r] <= pivot {
				break
			}
		}
		if l >= r {
			return r
		}
		a[l], a[r] = a[r], a[l]
	}
}

// Select kth lowest element from an array of float32. Partially reorders the array.
// The loop narrows a [left, right] window which always contains the kth element,
// nibbling from both ends after each partition step.
// Array must not contain IEEE NaN
func QSelectFloat32(a []float32, k int) float32 {
	left, right := 0, len(a)-1
	for left < right {
		// partition
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break // index in r
			}
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}

// Select kth lowest element from an array of uint16. Partially reorders the array.
func QSelectUint16(a []uint16, k int) uint16 {
	left, right := 0, len(a)-1
	for left < right {
		mid := (left + right) >> 1
		pivot := a[mid]
		l, r := left-1, right+1
		for {
			for {
				l++
				if a[l] >= pivot {
					break
				}
			}
			for {
				r--
				if a[r] <= pivot {
					break
				}
			}
			if l >= r {
				break
			}
			a[l], a[r] = a[r], a[l]
		}
		index := r

		offset := index - left + 1
		if k <= offset {
			right = index
		} else {
			left = index + 1
			k = k - offset
		}
	}
	return a[left]
}

// Select median of an array of float32. Partially reorders the array.
// Odd lengths return the middle element, even lengths the average of the
// two middle elements.
// Array must not contain IEEE NaN
func QSelectMedianFloat32(a []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return a[0]
	}
	upper := QSelectFloat32(a, (n>>1)+1)
	if (n & 1) != 0 {
		return upper
	}
	return 0.5 * (lowerMiddleFloat32(a, upper) + upper)
}

// Returns the (n/2)th smallest element given the (n/2+1)th smallest.
// That is the largest element below upper, unless duplicates of upper
// straddle the middle ranks.
func lowerMiddleFloat32(a []float32, upper float32) float32 {
	countLess, maxLess, found := 0, float32(0), false
	for _, v := range a {
		if v < upper {
			countLess++
			if !found || v > maxLess {
				maxLess, found = v, true
			}
		}
	}
	if found && countLess >= len(a)>>1 {
		return maxLess
	}
	return upper
}

// Select median of an array of uint16. Partially reorders the array.
// Even lengths average the two middle elements in floating point.
func QSelectMedianUint16(a []uint16) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return float32(a[0])
	}
	upper := QSelectUint16(a, (n>>1)+1)
	if (n & 1) != 0 {
		return float32(upper)
	}
	countLess, maxLess := 0, uint16(0)
	for _, v := range a {
		if v < upper {
			countLess++
			if v > maxLess {
				maxLess = v
			}
		}
	}
	if countLess >= n>>1 {
		return 0.5 * (float32(maxLess) + float32(upper))
	}
	return float32(upper)
}

// Select first quartile of an array of float32. Partially reorders the array.
// Array must not contain IEEE NaN
func QSelectFirstQuartileFloat32(a []float32) float32 {
	return QSelectFloat32(a, (len(a)>>2)+1)
}

// Returns the median of data already sorted in ascending order, via direct
// indexed lookup. Use when a full sort was already mandatory for other
// reasons, to avoid the cost of unsorted selection.
func MedianSortedFloat32(a []float32) float32 {
	n := len(a)
	if n == 0 {
		return 0
	}
	if (n & 1) != 0 {
		return a[n>>1]
	}
	return 0.5 * (a[(n>>1)-1] + a[n>>1])
}
