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

// Package image models multi-layer pixel buffers, sequences of exposures
// of the same subject, and the statistics cache tying computed descriptors
// to either a single image or a (sequence, index, layer) slot.
package image

import (
	"fmt"

	"github.com/deepskies/imstats/internal/stats"
)

// Area is a rectangular selection. The coordinate origin is at the bottom
// left of the image, like the pixel data itself.
type Area struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	W int32 `json:"w"`
	H int32 `json:"h"`
}

// Image is a multi-layer pixel buffer with one plane per layer. Pixel data
// is either 16-bit integer or normalized float, never both. Scanline 0 of
// a plane is the image bottom. A zero pixel conventionally means "no data".
type Image struct {
	ID       int
	Width    int32
	Height   int32
	Exposure float32 // exposure in seconds, for weighted stacking

	Data16 [][]uint16  // per-layer planes; nil for float images
	Data32 [][]float32 // per-layer planes; nil for 16-bit images

	layerStats []*stats.Stats // lazily allocated per-layer descriptor table
}

// NewImage16 creates a 16-bit image with allocated planes
func NewImage16(id int, width, height int32, layers int) *Image {
	img := &Image{ID: id, Width: width, Height: height, Data16: make([][]uint16, layers)}
	for l := range img.Data16 {
		img.Data16[l] = make([]uint16, width*height)
	}
	return img
}

// NewImage32 creates a float image with allocated planes
func NewImage32(id int, width, height int32, layers int) *Image {
	img := &Image{ID: id, Width: width, Height: height, Data32: make([][]float32, layers)}
	for l := range img.Data32 {
		img.Data32[l] = make([]float32, width*height)
	}
	return img
}

// Layers returns the number of layers (color channels) in the image
func (img *Image) Layers() int {
	if img.Data16 != nil {
		return len(img.Data16)
	}
	return len(img.Data32)
}

// Validates a selection against the image bounds
func (img *Image) checkArea(sel Area) error {
	if sel.W <= 0 || sel.H <= 0 ||
		sel.X < 0 || sel.Y < 0 ||
		sel.X+sel.W > img.Width || sel.Y+sel.H > img.Height {
		return fmt.Errorf("selection %dx%d%+d%+d outside %dx%d image",
			sel.W, sel.H, sel.X, sel.Y, img.Width, img.Height)
	}
	return nil
}

// ExtractRegion16 copies the selection of the given layer into a flat
// row-major sample buffer. The plane stores the image bottom-up while the
// selection origin is at the bottom left as well, so row r of the result
// reads from (Height-y-h+r)*Width+x, skipping Width-w samples between
// rows. Downstream consumers (cosmetic pixel lists, hot pixel
// coordinates) rely on this exact flip point.
func (img *Image) ExtractRegion16(layer int, sel Area) ([]uint16, error) {
	if err := img.checkArea(sel); err != nil {
		return nil, err
	}
	plane := img.Data16[layer]
	out := make([]uint16, sel.W*sel.H)
	from := (img.Height - sel.Y - sel.H) * img.Width
	for r := int32(0); r < sel.H; r++ {
		src := from + r*img.Width + sel.X
		copy(out[r*sel.W:(r+1)*sel.W], plane[src:src+sel.W])
	}
	return out, nil
}

// ExtractRegion32 is ExtractRegion16 for float planes
func (img *Image) ExtractRegion32(layer int, sel Area) ([]float32, error) {
	if err := img.checkArea(sel); err != nil {
		return nil, err
	}
	plane := img.Data32[layer]
	out := make([]float32, sel.W*sel.H)
	from := (img.Height - sel.Y - sel.H) * img.Width
	for r := int32(0); r < sel.H; r++ {
		src := from + r*img.Width + sel.X
		copy(out[r*sel.W:(r+1)*sel.W], plane[src:src+sel.W])
	}
	return out, nil
}

// Sequence is an ordered set of exposures of the same subject. The engine
// only reads the frame count and inclusion flags, and sets NeedsSave after
// writing to the per (layer, index) descriptor table; persisting that
// table is owned by the excluded I/O layer.
type Sequence struct {
	Name      string
	Count     int
	Included  []bool
	NeedsSave bool

	layerStats [][]*stats.Stats // [layer][index], lazily allocated
}

// NewSequence creates a sequence of the given length with all frames included
func NewSequence(name string, count int) *Sequence {
	included := make([]bool, count)
	for i := range included {
		included[i] = true
	}
	return &Sequence{Name: name, Count: count, Included: included}
}
