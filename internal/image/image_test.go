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
	"testing"
)

// A selection anchored at the bottom left must read the last scanlines of
// the plane: plane row 0 is the image bottom, but the plane is stored with
// the image top first.
func TestExtractRegionFlip(t *testing.T) {
	img := NewImage16(0, 4, 4, 1)
	for i := range img.Data16[0] {
		img.Data16[0][i] = uint16(i)
	}

	// bottom-left 2x2 of a 4x4 image: plane rows 2 and 3
	buf, err := img.ExtractRegion16(0, Area{X: 0, Y: 0, W: 2, H: 2})
	if err != nil {
		t.Fatalf("extract: %s", err)
	}
	expect := []uint16{8, 9, 12, 13}
	for i, v := range expect {
		if buf[i] != v {
			t.Errorf("sample %d: got %d expect %d", i, buf[i], v)
		}
	}

	// top-right 2x2: plane rows 0 and 1
	buf, err = img.ExtractRegion16(0, Area{X: 2, Y: 2, W: 2, H: 2})
	if err != nil {
		t.Fatalf("extract: %s", err)
	}
	expect = []uint16{2, 3, 6, 7}
	for i, v := range expect {
		if buf[i] != v {
			t.Errorf("sample %d: got %d expect %d", i, buf[i], v)
		}
	}
}

func TestExtractRegionFloat(t *testing.T) {
	img := NewImage32(0, 3, 3, 1)
	for i := range img.Data32[0] {
		img.Data32[0][i] = float32(i) / 10
	}
	buf, err := img.ExtractRegion32(0, Area{X: 1, Y: 0, W: 2, H: 1})
	if err != nil {
		t.Fatalf("extract: %s", err)
	}
	if buf[0] != 0.7 || buf[1] != 0.8 {
		t.Errorf("got %v", buf)
	}
}

func TestExtractRegionBounds(t *testing.T) {
	img := NewImage16(0, 10, 8, 1)
	bad := []Area{
		{X: -1, Y: 0, W: 2, H: 2},
		{X: 0, Y: -1, W: 2, H: 2},
		{X: 9, Y: 0, W: 2, H: 2},
		{X: 0, Y: 7, W: 2, H: 2},
		{X: 0, Y: 0, W: 0, H: 2},
		{X: 0, Y: 0, W: 2, H: 0},
	}
	for _, sel := range bad {
		if _, err := img.ExtractRegion16(0, sel); err == nil {
			t.Errorf("selection %+v accepted", sel)
		}
	}
	if _, err := img.ExtractRegion16(0, Area{X: 8, Y: 6, W: 2, H: 2}); err != nil {
		t.Errorf("corner selection rejected: %s", err)
	}
}

func TestNewSequence(t *testing.T) {
	seq := NewSequence("lights", 5)
	if seq.Count != 5 || len(seq.Included) != 5 {
		t.Fatalf("count %d included %d", seq.Count, len(seq.Included))
	}
	for i, inc := range seq.Included {
		if !inc {
			t.Errorf("frame %d excluded by default", i)
		}
	}
	if seq.NeedsSave {
		t.Errorf("fresh sequence marked dirty")
	}
}
