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

// Package vecindex implements the polymorphic ANN index
// contract shared by the FLAT, IVF, HNSW and NSG variants.
//
// The original engine expresses this as a C++ class hierarchy
// (VecIndex plus a FaissBaseIndex mixin). Go has no multiple
// inheritance, and the teacher repo's own answer to "many
// concrete implementations of one contract" -- ion/blockfmt's
// Format interface with per-codec structs (UncompressedFormat,
// the zstd/s2-backed formats in compr) -- is a small capability
// interface plus one struct per variant, so that's the shape
// used here: a handful of narrow interfaces (Trainable, Addable,
// Searchable, Serializable, GPUMovable) that each variant
// implements only where it applies.
package vecindex

import (
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

// Dataset is a batch of vectors presented to Train, AddWithoutIds
// or Query. Binary vectors (Hamming/Jaccard/Tanimoto metrics) pack
// Dimension/8 bytes per row into Binary instead of Float.
type Dataset struct {
	N         int
	Dimension int
	Float     []float32 // len == N*Dimension when non-binary
	Binary    []byte    // len == N*Dimension/8 when binary
}

// Row returns the i'th vector as a float32 slice. It panics if
// the dataset is binary; callers must check IsBinary first.
func (d *Dataset) Row(i int) []float32 {
	return d.Float[i*d.Dimension : (i+1)*d.Dimension]
}

// IsBinary reports whether the dataset carries packed-bit rows.
func (d *Dataset) IsBinary() bool {
	return d.Binary != nil
}

// RuntimeConfig carries the per-call parameters a Query
// (nprobe, ef, search_k) or a build (training iterations, PQ
// subquantizer count) needs. Unset fields use the variant's
// built-in default.
type RuntimeConfig struct {
	Nprobe   int
	Ef       int
	SearchK  int
	PQM      int // number of PQ subquantizers
	PQNbits  int // bits per PQ code
}

// BinarySet is a named collection of serialized blobs making up
// one index's on-disk representation -- generalizes
// ion/blockfmt's Trailer-plus-blocks split into a map keyed by
// logical name ("hnsw.idx", "ivf.idx") instead of a single
// stream, since a segment directory already gives each file its
// own name (segment.IndexFile).
type BinarySet map[string][]byte

// Index is the common capability surface every variant
// implements. Train, AddWithoutIds and CopyCpuToGpu are split
// into the narrower Trainable/Addable/GPUMovable interfaces below
// since not every variant supports them.
type Index interface {
	Searchable
	Serializable

	// Variant names the concrete engine.
	Variant() segment.EngineType
	// Mode reports whether the index is CPU- or GPU-resident.
	// A GPU-mode index is bound to exactly one device.
	Mode() Mode
	// Size returns uids_size + index_size, the figure the
	// device cache accounts artifacts by.
	Size() int64
	// Len returns the number of vectors currently indexed.
	Len() int
}

// Trainable is implemented by variants with a training phase
// (IVF's coarse quantizer, PQ/SQ8 codebooks). FLAT, HNSW and NSG
// implement it as a no-op.
type Trainable interface {
	Train(dataset *Dataset, cfg *RuntimeConfig) error
}

// Addable is implemented by every variant. NSG is build-only:
// its AddWithoutIds always returns ErrNotIncremental.
type Addable interface {
	// AddWithoutIds appends dataset's vectors, assigning each a
	// contiguous internal offset starting at Len().
	AddWithoutIds(dataset *Dataset, cfg *RuntimeConfig) error
}

// Builder is the BuildAll contract: Train then AddWithoutIds for
// incremental variants, a single atomic build for NSG.
type Builder interface {
	BuildAll(dataset *Dataset, cfg *RuntimeConfig) error
}

// Searchable is implemented by every variant.
type Searchable interface {
	// Query returns, for each of the n rows in dataset, the
	// topk nearest internal offsets and their distances, both
	// laid out row-major (length n*topk). Offsets whose bit is
	// set in blacklist are skipped; unfilled slots are padded
	// with a -1 label and the query layer truncates the
	// trailing run of -1s. Each row is sorted best-first and
	// distances are reported in the metric's own value:
	// ascending for L2 and the binary metrics, descending for
	// IP, where larger is better.
	Query(dataset *Dataset, topk int, cfg *RuntimeConfig, blacklist *segment.DeletionBitmap) (distances []float32, labels []int64, err error)
}

// Serializable is implemented by every variant.
type Serializable interface {
	Serialize(cfg *RuntimeConfig) (BinarySet, error)
	Load(bs BinarySet) error
}

// GPUMovable is implemented only by variants that can be copied
// to GPU device memory (FLAT and IVF; HNSW and NSG are CPU-only
// graph structures in this implementation, matching the teacher
// pack's ANN examples, none of which move graph indexes to GPU).
type GPUMovable interface {
	// CopyCpuToGpu returns a GPU-resident copy; the CPU
	// original remains valid and usable.
	CopyCpuToGpu(deviceID int, cfg *RuntimeConfig) (Index, error)
}

// ErrNotIncremental is returned by NSG's AddWithoutIds: NSG is
// build-only and must go through BuildAll.
var ErrNotIncremental = vdberr.New(vdberr.NotIncremental, "index variant is not incremental; use BuildAll")

// ErrNotTrained is returned by AddWithoutIds on a trainable
// variant that has not yet had Train called.
var ErrNotTrained = vdberr.New(vdberr.IndexNotTrained, "index not trained")

// MapOffsetToUid replaces each non-negative internal offset in
// labels with uids[offset], leaving -1 entries (padding) as they
// are. It is the Go analogue of the original engine's per-result
// uid lookup performed by the caller after Query returns.
func MapOffsetToUid(labels []int64, uids []int64) {
	for i, off := range labels {
		if off >= 0 {
			labels[i] = uids[off]
		}
	}
}

// New constructs a zero-value index of the given variant, ready
// for Train/BuildAll.
func New(variant segment.EngineType, dimension int, metric segment.MetricType) (Index, error) {
	switch variant {
	case segment.FLAT:
		return newFlat(dimension, metric), nil
	case segment.IVFFLAT, segment.IVFSQ8, segment.IVFPQ:
		return newIVF(variant, dimension, metric), nil
	case segment.HNSW:
		return newHNSW(dimension, metric), nil
	case segment.NSG:
		return newNSG(dimension, metric), nil
	default:
		return nil, vdberr.New(vdberr.InvalidArgument, "unknown index variant %v", variant)
	}
}
