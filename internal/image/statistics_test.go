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

package image

import (
	"errors"
	"testing"

	"github.com/deepskies/imstats/internal/stats"
)

// 10x10 test image, half zeros, half at value 100
func halfZeroImage() *Image {
	img := NewImage16(1, 10, 10, 1)
	for i := 50; i < 100; i++ {
		img.Data16[0][i] = 100
	}
	return img
}

// End-to-end scenario through the public entry point: zero pixels count
// into Total and Min only, the nonzero subset feeds everything else
func TestGetStatisticsEndToEnd(t *testing.T) {
	img := halfZeroImage()
	defer img.InvalidateStats()

	s, err := GetStatistics(nil, -1, img, 0, nil, stats.OptMain, 2)
	if err != nil {
		t.Fatalf("stats: %s", err)
	}
	defer s.Release()

	if s.Total != 100 || s.Ngoodpix != 50 {
		t.Errorf("total %d ngoodpix %d", s.Total, s.Ngoodpix)
	}
	if s.Min != 0 || s.Max != 100 || s.NormValue != 255 {
		t.Errorf("min %g max %g norm %g", s.Min, s.Max, s.NormValue)
	}
	if s.Median != 100 || s.MAD != 0 {
		t.Errorf("median %g mad %g", s.Median, s.MAD)
	}
}

// Repeated requests against an image return the same augmented object and
// never recompute valid fields
func TestImageCacheIdempotent(t *testing.T) {
	img := halfZeroImage()
	defer img.InvalidateStats()

	s1, err := GetStatistics(nil, -1, img, 0, nil, stats.OptMinMax, 1)
	if err != nil {
		t.Fatalf("minmax: %s", err)
	}
	s2, err := GetStatistics(nil, -1, img, 0, nil, stats.OptMain, 1)
	if err != nil {
		t.Fatalf("main: %s", err)
	}
	if s1 != s2 {
		t.Errorf("image cache returned distinct objects")
	}
	if !s2.Has(stats.OptMinMax) || !s2.Has(stats.OptMedian) {
		t.Errorf("augmented object incomplete")
	}
	s1.Release()
	s2.Release()
	if img.Stats(0) != s1 {
		t.Errorf("cache slot lost its descriptor")
	}
}

// Selection statistics never touch the cache
func TestSelectionNeverCached(t *testing.T) {
	img := halfZeroImage()
	sel := &Area{X: 0, Y: 0, W: 5, H: 5}

	s, err := GetStatistics(nil, -1, img, 0, sel, stats.OptBasic, 1)
	if err != nil {
		t.Fatalf("selection stats: %s", err)
	}
	defer s.Release()

	if s.Total != 25 {
		t.Errorf("selection total %d", s.Total)
	}
	if img.Stats(0) != nil {
		t.Errorf("selection stats leaked into the image cache")
	}
	if s.Refs() != 1 {
		t.Errorf("throwaway descriptor refs %d", s.Refs())
	}
}

// Sequence topology: result lands in the (layer, index) table, marks the
// sequence dirty, and is dual-attached to the live image
func TestSequenceTopology(t *testing.T) {
	seq := NewSequence("lights", 3)
	defer seq.Unload()
	img := halfZeroImage()
	defer img.InvalidateStats()

	s, err := GetStatistics(seq, 1, img, 0, nil, stats.OptBasic, 1)
	if err != nil {
		t.Fatalf("stats: %s", err)
	}
	defer s.Release()

	if !seq.NeedsSave {
		t.Errorf("sequence not marked for saving")
	}
	if seq.Stats(0, 1) != s {
		t.Errorf("sequence slot does not hold the descriptor")
	}
	if img.Stats(0) != s {
		t.Errorf("image slot does not hold the descriptor")
	}
	// caller + sequence slot + image slot
	if s.Refs() != 3 {
		t.Errorf("refs %d", s.Refs())
	}
}

// Serving cached fields works without pixel data; uncached fields fail
// with the missing-source error
func TestServeFromCacheWithoutImage(t *testing.T) {
	seq := NewSequence("lights", 2)
	defer seq.Unload()
	img := halfZeroImage()

	s, err := GetStatistics(seq, 0, img, 0, nil, stats.OptBasic, 1)
	if err != nil {
		t.Fatalf("prime: %s", err)
	}
	s.Release()
	img.InvalidateStats() // image goes away, sequence table survives

	cached, err := GetStatistics(seq, 0, nil, 0, nil, stats.OptBasic, 1)
	if err != nil {
		t.Fatalf("cached: %s", err)
	}
	if cached.Mean == 0 || cached.Ngoodpix != 50 {
		t.Errorf("cached fields lost: %s", cached)
	}
	cached.Release()

	_, err = GetStatistics(seq, 0, nil, 0, nil, stats.OptExtra, 1)
	if !errors.Is(err, stats.ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}

// Moving descriptors between image and sequence tables transfers the
// objects without copying and without leaking references
func TestStatsTransfer(t *testing.T) {
	live0 := stats.LiveObjects()
	seq := NewSequence("lights", 2)
	img := halfZeroImage()

	s, err := GetStatistics(nil, -1, img, 0, nil, stats.OptBasic, 1)
	if err != nil {
		t.Fatalf("stats: %s", err)
	}
	s.Release() // keep only the cache reference

	seq.TakeImageStats(0, img)
	if img.Stats(0) != nil {
		t.Errorf("image table not cleared after transfer")
	}
	if got := seq.Stats(0, 0); got != s {
		t.Errorf("sequence did not take the descriptor")
	}
	if s.Refs() != 1 {
		t.Errorf("refs %d after transfer", s.Refs())
	}

	img2 := halfZeroImage()
	seq.CopyStatsToImage(0, img2)
	if img2.Stats(0) != s {
		t.Errorf("copy to image missed the descriptor")
	}
	if s.Refs() != 2 {
		t.Errorf("refs %d after copy", s.Refs())
	}

	img2.InvalidateStats()
	seq.Unload()
	if stats.LiveObjects() != live0 {
		t.Errorf("leaked %d descriptors", stats.LiveObjects()-live0)
	}
}

// Attaching the same object twice to its own slot must not disturb the
// reference count
func TestAttachSameObject(t *testing.T) {
	img := halfZeroImage()
	s := stats.NewStats()

	img.SetStats(0, s)
	img.SetStats(0, s)
	if s.Refs() != 2 {
		t.Errorf("refs %d after re-attach", s.Refs())
	}
	img.InvalidateStats()
	if s.Refs() != 1 {
		t.Errorf("refs %d after invalidate", s.Refs())
	}
	s.Release()
}

// Replacing a slot's occupant releases the old descriptor
func TestAttachReplacement(t *testing.T) {
	img := halfZeroImage()
	old, repl := stats.NewStats(), stats.NewStats()

	img.SetStats(0, old)
	img.SetStats(0, repl)
	if old.Refs() != 1 {
		t.Errorf("old refs %d", old.Refs())
	}
	if repl.Refs() != 2 {
		t.Errorf("replacement refs %d", repl.Refs())
	}
	img.InvalidateStats()
	old.Release()
	repl.Release()
}

// A region without valid pixels must keep failing on a cached descriptor:
// an earlier min/max request attaches the object, but the noise pass may
// not be marked complete with zeroed fields
func TestNoDataRepeatsOnCachedObject(t *testing.T) {
	img := NewImage16(7, 10, 10, 1) // all zero
	defer img.InvalidateStats()

	s, err := GetStatistics(nil, -1, img, 0, nil, stats.OptMinMax, 1)
	if err != nil {
		t.Fatalf("minmax on empty region: %s", err)
	}
	s.Release()

	for attempt := 0; attempt < 2; attempt++ {
		got, err := GetStatistics(nil, -1, img, 0, nil, stats.OptNoise, 1)
		if !errors.Is(err, stats.ErrNoData) {
			got.Release()
			t.Fatalf("attempt %d: expected ErrNoData, got %v", attempt, err)
		}
	}
	if cached := img.Stats(0); cached != nil && cached.Has(stats.OptNoise) {
		t.Errorf("noise pass marked complete on a no-data region")
	}
}

// An image index beyond the sequence length is a failure result, not a
// crash
func TestGetStatisticsIndexOutOfRange(t *testing.T) {
	seq := NewSequence("lights", 2)
	defer seq.Unload()
	img := halfZeroImage()
	defer img.InvalidateStats()

	if _, err := GetStatistics(seq, 5, img, 0, nil, stats.OptBasic, 1); err == nil {
		t.Errorf("out-of-range index accepted")
	}
	if seq.NeedsSave {
		t.Errorf("failed request marked the sequence for saving")
	}
}

func TestGetStatisticsNoSource(t *testing.T) {
	_, err := GetStatistics(nil, -1, nil, 0, nil, stats.OptBasic, 1)
	if !errors.Is(err, stats.ErrMissingSource) {
		t.Errorf("expected ErrMissingSource, got %v", err)
	}
}
