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
	"fmt"

	"github.com/deepskies/imstats/internal/stats"
)

// attach stores s in *slot, retaining one reference for the slot.
// Attaching the same object to its own slot is a no-op; attaching a
// different object releases the previous occupant first. All reference
// count balancing for cache slots goes through here, so no call site can
// forget to pair an increment with a release.
func attach(slot **stats.Stats, s *stats.Stats) {
	if *slot == s {
		return
	}
	if *slot != nil {
		(*slot).Release()
	}
	if s != nil {
		*slot = s.Ref()
	} else {
		*slot = nil
	}
}

// Stats returns the cached descriptor for the given layer, or nil. The
// returned reference is borrowed; callers that store it must Ref it.
func (img *Image) Stats(layer int) *stats.Stats {
	if img.layerStats == nil || layer >= len(img.layerStats) {
		return nil
	}
	return img.layerStats[layer]
}

// SetStats attaches a descriptor to the image's per-layer table,
// allocating the table on first use
func (img *Image) SetStats(layer int, s *stats.Stats) {
	if img.layerStats == nil {
		img.layerStats = make([]*stats.Stats, img.Layers())
	}
	attach(&img.layerStats[layer], s)
}

// InvalidateStats detaches and releases all descriptors of the image.
// Must be called whenever the pixel data has been mutated.
func (img *Image) InvalidateStats() {
	for l := range img.layerStats {
		attach(&img.layerStats[l], nil)
	}
	img.layerStats = nil
}

// Stats returns the cached descriptor for (layer, index), or nil.
// The returned reference is borrowed.
func (seq *Sequence) Stats(layer, index int) *stats.Stats {
	if seq.layerStats == nil || layer >= len(seq.layerStats) || index < 0 || index >= seq.Count {
		return nil
	}
	return seq.layerStats[layer][index]
}

// SetStats attaches a descriptor to the sequence's (layer, index) slot and
// marks the sequence as needing saving. Indices outside the sequence are
// ignored.
func (seq *Sequence) SetStats(layer, index int, s *stats.Stats) {
	if index < 0 || index >= seq.Count {
		return
	}
	for len(seq.layerStats) <= layer {
		seq.layerStats = append(seq.layerStats, make([]*stats.Stats, seq.Count))
	}
	attach(&seq.layerStats[layer][index], s)
	seq.NeedsSave = true
}

// ClearLayerStats releases all descriptors of one layer across the entire
// sequence
func (seq *Sequence) ClearLayerStats(layer int) {
	if seq.layerStats == nil || layer >= len(seq.layerStats) {
		return
	}
	for i := range seq.layerStats[layer] {
		attach(&seq.layerStats[layer][i], nil)
	}
}

// Unload releases every descriptor held by the sequence
func (seq *Sequence) Unload() {
	for layer := range seq.layerStats {
		seq.ClearLayerStats(layer)
	}
	seq.layerStats = nil
}

// TakeImageStats moves all per-layer descriptors from the image into the
// sequence's table at the given index, then clears the image's table. The
// descriptor objects are shared, not copied; the sequence is marked as
// needing saving.
func (seq *Sequence) TakeImageStats(index int, img *Image) {
	for layer := 0; layer < img.Layers(); layer++ {
		if s := img.Stats(layer); s != nil {
			seq.SetStats(layer, index, s)
		}
	}
	img.InvalidateStats()
}

// CopyStatsToImage attaches the sequence's descriptors at the given index
// to a freshly loaded image, sharing the same objects
func (seq *Sequence) CopyStatsToImage(index int, img *Image) {
	for layer := 0; layer < img.Layers(); layer++ {
		if s := seq.Stats(layer, index); s != nil {
			img.SetStats(layer, s)
		}
	}
}

// Full-layer sample view reading straight from pixel data. The stats
// passes only read it; compaction copies before any reordering.
func (img *Image) layerSamples(layer int) stats.Samples {
	if img.Data16 != nil {
		return stats.Samples{U16: img.Data16[layer], Width: img.Width}
	}
	return stats.Samples{F32: img.Data32[layer], Width: img.Width}
}

// Sample view of a rectangular selection, copied out of the plane
func (img *Image) regionSamples(layer int, sel Area) (stats.Samples, error) {
	if img.Data16 != nil {
		buf, err := img.ExtractRegion16(layer, sel)
		if err != nil {
			return stats.Samples{}, err
		}
		return stats.Samples{U16: buf, Width: sel.W}, nil
	}
	buf, err := img.ExtractRegion32(layer, sel)
	if err != nil {
		return stats.Samples{}, err
	}
	return stats.Samples{F32: buf, Width: sel.W}, nil
}

// GetStatistics returns a descriptor holding the requested fields for one
// layer of an image, computing only what is missing. It is the single
// entry point other subsystems call. Dispatch depends on the arguments:
//
//   - sel with positive width and height: computes over the selection
//     only, never reads or writes any cache;
//   - seq == nil or index < 0: the descriptor is cached in the image's
//     per-layer table and augmented in place on later requests;
//   - seq != nil and index >= 0: cached in the sequence's (layer, index)
//     table, marking the sequence as needing saving; if a live image is
//     also supplied the same object is attached to it too.
//
// img may be nil to serve purely from cache; requesting uncached fields
// then fails with stats.ErrMissingSource.
//
// The returned descriptor carries one reference owned by the caller,
// which must Release it. Concurrent calls for the same (image) or
// (sequence, index, layer) key must be serialized by the caller;
// different keys may proceed in parallel.
func GetStatistics(seq *Sequence, index int, img *Image, layer int, sel *Area, opts stats.Options, maxThreads int) (*stats.Stats, error) {
	// ad hoc selections are one-off: always a throwaway descriptor
	if sel != nil && sel.W > 0 && sel.H > 0 {
		if img == nil {
			return nil, fmt.Errorf("selection given: %w", stats.ErrMissingSource)
		}
		smp, err := img.regionSamples(layer, *sel)
		if err != nil {
			return nil, err
		}
		s := stats.NewStats()
		if err := s.Update(smp, opts, maxThreads); err != nil {
			s.Release()
			return nil, err
		}
		return s, nil
	}

	// locate an existing descriptor for the cache key
	var existing *stats.Stats
	useSeq := seq != nil && index >= 0
	if useSeq {
		if index >= seq.Count {
			return nil, fmt.Errorf("image index %d outside sequence of %d images", index, seq.Count)
		}
		existing = seq.Stats(layer, index)
	} else if img != nil {
		existing = img.Stats(layer)
	} else {
		return nil, fmt.Errorf("neither image nor sequence given: %w", stats.ErrMissingSource)
	}

	var s *stats.Stats
	if existing != nil {
		s = existing.Ref() // augment the shared object in place
	} else {
		s = stats.NewStats()
	}

	var smp stats.Samples
	if img != nil {
		smp = img.layerSamples(layer)
	}
	if err := s.Update(smp, opts, maxThreads); err != nil {
		s.Release() // drop the caller reference; a cached object stays attached
		return nil, err
	}

	if useSeq {
		seq.SetStats(layer, index, s)
		if img != nil {
			img.SetStats(layer, s) // dual attachment
		}
	} else {
		img.SetStats(layer, s)
	}
	return s, nil
}
