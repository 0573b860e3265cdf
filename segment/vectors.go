// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package segment

import "github.com/annlite/annlite/vdberr"

// VectorsData is a batch of vectors being ingested or queried
// (spec: VectorsData). Exactly one of Float or Binary should
// be populated, matching the dense/binary split in the wire
// contract.
type VectorsData struct {
	Dimension int
	N         int // number of rows

	// Float holds n*d float32 values, row-major.
	Float []float32
	// Binary holds n*d/8 packed bits, row-major.
	Binary []byte

	// IDs is the caller-supplied external id for each row.
	// If empty, ids are allocated from the id generator.
	IDs []int64
}

// IsBinary reports whether this batch carries packed binary
// vectors (Hamming/Jaccard/Tanimoto family) rather than dense
// float32 vectors.
func (v *VectorsData) IsBinary() bool { return v.Binary != nil }

// Validate checks the batch is internally consistent.
func (v *VectorsData) Validate() error {
	if v.N <= 0 {
		return vdberr.New(vdberr.InvalidArgument, "vectors batch: non-positive row count %d", v.N)
	}
	if v.Dimension <= 0 {
		return vdberr.New(vdberr.InvalidArgument, "vectors batch: non-positive dimension %d", v.Dimension)
	}
	if v.IsBinary() {
		want := v.N * ((v.Dimension + 7) / 8)
		if len(v.Binary) != want {
			return vdberr.New(vdberr.InvalidArgument, "vectors batch: binary buffer has %d bytes, want %d", len(v.Binary), want)
		}
	} else {
		want := v.N * v.Dimension
		if len(v.Float) != want {
			return vdberr.New(vdberr.InvalidArgument, "vectors batch: float buffer has %d elements, want %d", len(v.Float), want)
		}
	}
	if len(v.IDs) != 0 && len(v.IDs) != v.N {
		return vdberr.New(vdberr.InvalidArgument, "vectors batch: id_array has %d entries, want %d", len(v.IDs), v.N)
	}
	return nil
}

// Row returns the float32 slice for row i. It panics if the
// batch is binary; callers should check IsBinary first.
func (v *VectorsData) Row(i int) []float32 {
	off := i * v.Dimension
	return v.Float[off : off+v.Dimension]
}
