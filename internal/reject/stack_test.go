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
	"math"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/deepskies/imstats/internal/image"
)

// Synthetic aligned frames around a per-pixel truth of 0.5, with mild
// frame-to-frame noise and occasional hot samples
func syntheticFrames(count int, width, height int32) []*image.Image {
	rng := fastrand.RNG{}
	frames := make([]*image.Image, count)
	for fi := range frames {
		f := image.NewImage32(fi, width, height, 1)
		f.Exposure = 30
		for i := range f.Data32[0] {
			noise := (float32(rng.Uint32n(2000)) - 1000) / 100000 // +-0.01
			f.Data32[0][i] = 0.5 + noise
		}
		frames[fi] = f
	}
	// plant hot samples in one frame
	hot := frames[count/2].Data32[0]
	for i := 0; i < len(hot); i += 37 {
		hot[i] = 0.98
	}
	return frames
}

func TestStackSigmaRejectsHotPixels(t *testing.T) {
	frames := syntheticFrames(10, 32, 32)
	result, clipLow, clipHigh, err := Stack(frames, StackOptions{
		Algorithm: AlgSigma, SigmaLow: 3, SigmaHigh: 3, RefLocation: 0.5,
	}, 2)
	if err != nil {
		t.Fatalf("stack: %s", err)
	}
	if clipHigh < int32(len(result.Data32[0])/37) {
		t.Errorf("clipHigh %d, hot pixels survived", clipHigh)
	}
	if clipLow < 0 {
		t.Errorf("clipLow %d", clipLow)
	}
	for i, v := range result.Data32[0] {
		if v < 0.48 || v > 0.52 {
			t.Fatalf("pixel %d stacked to %g", i, v)
		}
	}
	if result.Exposure != 300 {
		t.Errorf("exposure %g", result.Exposure)
	}
}

// NaN samples are missing data; a pixel missing from every frame receives
// the reference location
func TestStackNaNHandling(t *testing.T) {
	frames := syntheticFrames(5, 8, 8)
	nan := float32(math.NaN())
	for _, f := range frames {
		f.Data32[0][3] = nan // missing everywhere
	}
	frames[0].Data32[0][7] = nan // missing in one frame only

	result, _, _, err := Stack(frames, StackOptions{
		Algorithm: AlgMean, RefLocation: 0.25,
	}, 1)
	if err != nil {
		t.Fatalf("stack: %s", err)
	}
	if result.Data32[0][3] != 0.25 {
		t.Errorf("all-NaN pixel %g, expected reference location", result.Data32[0][3])
	}
	if v := result.Data32[0][7]; v < 0.48 || v > 0.52 {
		t.Errorf("partial-NaN pixel %g", v)
	}
}

func TestStackWeights(t *testing.T) {
	frames := syntheticFrames(4, 8, 8)

	if w, err := Weights(frames, 0, WeightNone, 1); w != nil || err != nil {
		t.Errorf("uniform weights %v err %v", w, err)
	}

	w, err := Weights(frames, 0, WeightExposure, 1)
	if err != nil {
		t.Fatalf("exposure weights: %s", err)
	}
	for _, v := range w {
		if v != 30 {
			t.Errorf("exposure weight %g", v)
		}
	}

	frames[0].Exposure = 0
	if _, err := Weights(frames, 0, WeightExposure, 1); err == nil {
		t.Errorf("missing exposure accepted")
	}

	w, err = Weights(frames, 0, WeightInverseNoise, 1)
	if err != nil {
		t.Fatalf("noise weights: %s", err)
	}
	for _, v := range w {
		if v <= 0 || v > 1 {
			t.Errorf("noise weight %g", v)
		}
	}
}

func TestStackValidation(t *testing.T) {
	if _, _, _, err := Stack(nil, StackOptions{}, 1); err == nil {
		t.Errorf("empty frame list accepted")
	}

	frames := syntheticFrames(3, 8, 8)
	frames = append(frames, image.NewImage32(99, 4, 4, 1))
	if _, _, _, err := Stack(frames, StackOptions{Algorithm: AlgMean}, 1); err == nil {
		t.Errorf("dimension mismatch accepted")
	}

	with16 := []*image.Image{image.NewImage16(0, 8, 8, 1)}
	if _, _, _, err := Stack(with16, StackOptions{Algorithm: AlgMean}, 1); err == nil {
		t.Errorf("integer frames accepted")
	}
}
