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

// Package parallel provides data-parallel for loops and reductions over
// index ranges. Work is split into contiguous batches executed by a
// bounded number of goroutines. Reductions combine per-batch partial
// results with an associative combiner, so the statistical result is
// independent of thread count. Bitwise float reproducibility is not
// guaranteed.
package parallel

import (
	"math"
	"runtime"
)

// Minimum batch size; below this, parallelism overhead dominates
const minBatch = 16 * 1024

// Splits [0,n) into contiguous batches for the given concurrency limit.
// Returns the batch size and count.
func batches(n, maxThreads int) (batchSize, numBatches int) {
	if maxThreads < 1 {
		maxThreads = runtime.NumCPU()
	}
	numBatches = 8 * maxThreads
	batchSize = (n + numBatches - 1) / numBatches
	if batchSize < minBatch {
		batchSize = minBatch
	}
	numBatches = (n + batchSize - 1) / batchSize
	return batchSize, numBatches
}

// For runs fn over contiguous subranges covering [0,n), with at most
// maxThreads goroutines in flight. fn must not touch indices outside
// its [lo,hi) range.
func For(n, maxThreads int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	batchSize, numBatches := batches(n, maxThreads)
	if numBatches <= 1 {
		fn(0, n)
		return
	}

	if maxThreads < 1 {
		maxThreads = runtime.NumCPU()
	}
	limiter := make(chan bool, maxThreads)
	for lower := 0; lower < n; lower += batchSize {
		upper := lower + batchSize
		if upper > n {
			upper = n
		}
		limiter <- true
		go func(lo, hi int) {
			defer func() { <-limiter }()
			fn(lo, hi)
		}(lower, upper)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
}

// SumFloat64 reduces fn over [0,n): each batch contributes one float64
// partial sum, and partials are added in batch order.
func SumFloat64(n, maxThreads int, fn func(lo, hi int) float64) float64 {
	if n <= 0 {
		return 0
	}
	batchSize, numBatches := batches(n, maxThreads)
	if numBatches <= 1 {
		return fn(0, n)
	}

	partials := make([]float64, numBatches)
	For(n, maxThreads, func(lo, hi int) {
		partials[lo/batchSize] = fn(lo, hi)
	})
	sum := float64(0)
	for _, p := range partials {
		sum += p
	}
	return sum
}

// Sum2Float64 is SumFloat64 with two simultaneous accumulators, for
// passes that need e.g. a numerator and denominator in one traversal.
func Sum2Float64(n, maxThreads int, fn func(lo, hi int) (float64, float64)) (float64, float64) {
	if n <= 0 {
		return 0, 0
	}
	batchSize, numBatches := batches(n, maxThreads)
	if numBatches <= 1 {
		return fn(0, n)
	}

	partialsA := make([]float64, numBatches)
	partialsB := make([]float64, numBatches)
	For(n, maxThreads, func(lo, hi int) {
		partialsA[lo/batchSize], partialsB[lo/batchSize] = fn(lo, hi)
	})
	sumA, sumB := float64(0), float64(0)
	for i := range partialsA {
		sumA += partialsA[i]
		sumB += partialsB[i]
	}
	return sumA, sumB
}

// MinMaxFloat32 reduces per-batch extrema of fn over [0,n).
func MinMaxFloat32(n, maxThreads int, fn func(lo, hi int) (float32, float32)) (min, max float32) {
	if n <= 0 {
		return 0, 0
	}
	batchSize, numBatches := batches(n, maxThreads)
	if numBatches <= 1 {
		return fn(0, n)
	}

	mins := make([]float32, numBatches)
	maxs := make([]float32, numBatches)
	For(n, maxThreads, func(lo, hi int) {
		mins[lo/batchSize], maxs[lo/batchSize] = fn(lo, hi)
	})
	min, max = float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for i := range mins {
		if mins[i] < min {
			min = mins[i]
		}
		if maxs[i] > max {
			max = maxs[i]
		}
	}
	return min, max
}
