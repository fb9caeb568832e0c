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

package reject

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sync"

	"github.com/pbnjay/memory"

	"github.com/deepskies/imstats/internal/image"
	"github.com/deepskies/imstats/internal/stats"
)

// Weighting selects per-frame weights for the combined value
type Weighting int

const (
	WeightNone         Weighting = iota
	WeightExposure               // longer exposure gets bigger weight
	WeightInverseNoise           // smaller background noise gets bigger weight
)

// StackOptions parameterizes a stacking run
type StackOptions struct {
	Algorithm   Algorithm
	Weighting   Weighting
	SigmaLow    float32
	SigmaHigh   float32
	RefLocation float32 // substitute for pixels with no valid sample in any frame
	Log         io.Writer
}

// Weights computes the per-frame stacking weights for the given weighting
// mode, normalized so that the smallest-noise or longest-exposure frame
// dominates. Returns nil for uniform weighting.
func Weights(frames []*image.Image, layer int, weighting Weighting, maxThreads int) ([]float32, error) {
	switch weighting {
	case WeightNone:
		return nil, nil
	case WeightExposure:
		weights := make([]float32, len(frames))
		for i, f := range frames {
			if f.Exposure == 0 {
				return nil, fmt.Errorf("frame %d: missing exposure information for exposure-weighted stacking", f.ID)
			}
			weights[i] = f.Exposure
		}
		return weights, nil
	case WeightInverseNoise:
		noise := make([]float32, len(frames))
		minNoise, maxNoise := float32(math.MaxFloat32), float32(-math.MaxFloat32)
		for i, f := range frames {
			s, err := image.GetStatistics(nil, -1, f, layer, nil, stats.OptNoise, maxThreads)
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", f.ID, err)
			}
			noise[i] = float32(s.BgNoise)
			s.Release()
			if noise[i] < minNoise {
				minNoise = noise[i]
			}
			if noise[i] > maxNoise {
				maxNoise = noise[i]
			}
		}
		weights := make([]float32, len(frames))
		for i, n := range noise {
			if maxNoise > minNoise {
				weights[i] = 1 / (1 + 4*(n-minNoise)/(maxNoise-minNoise))
			} else {
				weights[i] = 1
			}
		}
		return weights, nil
	}
	return nil, errors.New("invalid weighting mode")
}

// Stack combines a set of aligned float frames into one image, applying
// the configured rejection policy independently at every pixel position.
// NaN samples are treated as missing; a position with no valid sample in
// any frame receives RefLocation. Limits parallelism to the number of
// available cores and reports total low/high clippings across all layers.
func Stack(frames []*image.Image, opts StackOptions, maxThreads int) (result *image.Image, numClippedLow, numClippedHigh int32, err error) {
	if len(frames) == 0 {
		return nil, -1, -1, errors.New("no frames to stack")
	}
	logWriter := opts.Log
	if logWriter == nil {
		logWriter = io.Discard
	}
	first := frames[0]
	layers := first.Layers()
	for _, f := range frames {
		if f.Data32 == nil {
			return nil, -1, -1, fmt.Errorf("frame %d: stacking requires float frames", f.ID)
		}
		if f.Width != first.Width || f.Height != first.Height || f.Layers() != layers {
			return nil, -1, -1, fmt.Errorf("frame %d: dimension mismatch", f.ID)
		}
	}
	alg := opts.Algorithm
	if alg == AlgAuto {
		alg = AutoSelect(len(frames))
		fmt.Fprintf(logWriter, "Auto-selected rejection algorithm %d based on %d frames\n", alg, len(frames))
	}
	if maxThreads <= 0 {
		maxThreads = runtime.NumCPU()
	}

	// all frames plus one gather buffer per thread must fit in 70% of
	// physical memory
	npix := int64(first.Width) * int64(first.Height) * int64(layers)
	frameBytes := npix * 4
	availableFrames := int64(memory.TotalMemory()) * 7 / 10 / frameBytes
	if int64(len(frames)+1) > availableFrames {
		fmt.Fprintf(logWriter, "Warning: stacking %d frames of %d MiB each, but only %d fit in memory\n",
			len(frames), frameBytes/1024/1024, availableFrames)
	}

	weights, err := Weights(frames, 0, opts.Weighting, maxThreads)
	if err != nil {
		return nil, -1, -1, err
	}

	result = image.NewImage32(first.ID, first.Width, first.Height, layers)
	for _, f := range frames {
		result.Exposure += f.Exposure
	}

	planeLen := int(first.Width) * int(first.Height)

	// split into 8 MB work packages, no fewer than 8 per CPU
	numBatches := 4 * len(frames) * planeLen / (8192 * 1024)
	if numBatches < 8*maxThreads {
		numBatches = 8 * maxThreads
	}
	batchSize := (planeLen + numBatches - 1) / numBatches
	sem := make(chan bool, maxThreads)

	var clippedLock sync.Mutex
	for layer := 0; layer < layers; layer++ {
		out := result.Data32[layer]
		for lower := 0; lower < planeLen; lower += batchSize {
			upper := lower + batchSize
			if upper > planeLen {
				upper = planeLen
			}

			sem <- true
			go func(layer, lower, upper int) {
				defer func() { <-sem }()

				rej := NewRejector(alg, opts.SigmaLow, opts.SigmaHigh, len(frames))
				gathered := make([]float32, len(frames))
				gatheredWeights := make([]float32, len(frames))
				clipLow, clipHigh := int32(0), int32(0)

				for i := lower; i < upper; i++ {
					// gather samples for this pixel across all frames,
					// skipping NaNs
					numGathered := 0
					for fi, f := range frames {
						value := f.Data32[layer][i]
						if !math.IsNaN(float64(value)) {
							gathered[numGathered] = value
							if weights != nil {
								gatheredWeights[numGathered] = weights[fi]
							}
							numGathered++
						}
					}
					if numGathered == 0 {
						// NaN would poison later passes, substitute the
						// reference location instead
						out[i] = opts.RefLocation
						continue
					}
					var w []float32
					if weights != nil {
						w = gatheredWeights[:numGathered]
					}
					combined, cl, ch := rej.RejectWeighted(gathered[:numGathered], w)
					out[i] = combined
					clipLow += cl
					clipHigh += ch
				}

				clippedLock.Lock()
				numClippedLow += clipLow
				numClippedHigh += clipHigh
				clippedLock.Unlock()
			}(layer, lower, upper)
		}
	}
	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}

	samples := int64(len(frames)) * npix
	fmt.Fprintf(logWriter, "Clipped low %d (%.2f%%) high %d (%.2f%%)\n",
		numClippedLow, float32(numClippedLow)*100.0/float32(samples),
		numClippedHigh, float32(numClippedHigh)*100.0/float32(samples))

	return result, numClippedLow, numClippedHigh, nil
}
