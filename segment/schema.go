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

// Package segment describes the atomic unit of vector
// storage and merge: an immutable, on-disk segment file,
// plus the mutable "files holder" working sets that the
// merge planner and scheduler operate over.
package segment

import (
	"github.com/annlite/annlite/vdberr"
	"github.com/google/uuid"
)

// MetricType is the distance/similarity function a
// segment's vectors were indexed under.
type MetricType int

const (
	L2 MetricType = iota
	IP
	Hamming
	Jaccard
	Tanimoto
	Substructure
	Superstructure
)

func (m MetricType) String() string {
	switch m {
	case L2:
		return "L2"
	case IP:
		return "IP"
	case Hamming:
		return "HAMMING"
	case Jaccard:
		return "JACCARD"
	case Tanimoto:
		return "TANIMOTO"
	case Substructure:
		return "SUBSTRUCTURE"
	case Superstructure:
		return "SUPERSTRUCTURE"
	default:
		return "UNKNOWN"
	}
}

// EngineType names the ANN index variant a segment's
// index file was (or will be) built with.
type EngineType int

const (
	FLAT EngineType = iota
	IVFFLAT
	IVFSQ8
	IVFPQ
	HNSW
	NSG
)

func (e EngineType) String() string {
	switch e {
	case FLAT:
		return "FLAT"
	case IVFFLAT:
		return "IVFFLAT"
	case IVFSQ8:
		return "IVFSQ8"
	case IVFPQ:
		return "IVFPQ"
	case HNSW:
		return "HNSW"
	case NSG:
		return "NSG"
	default:
		return "UNKNOWN"
	}
}

// FileType is the lifecycle stage of a segment file.
type FileType int

const (
	Raw FileType = iota
	NewMerge
	ToIndex
	Index
	Backup
)

// Schema is the atomic unit of storage and merge
// (spec: SegmentSchema).
type Schema struct {
	FileID             string
	CollectionID        string
	PartitionTag        string
	Dimension           int
	Metric              MetricType
	Engine              EngineType
	FileSize            int64
	IndexFileSizeTarget int64
	RowCount            int64
	CreatedOn           int64 // microseconds since epoch
	FileType            FileType

	// ETag is the blake2b content hash of the segment's raw
	// vector file, set when the segment is sealed. It makes
	// device-cache keys stable across re-registration of the
	// same physical file.
	ETag string
}

// NewFileID mints a fresh opaque segment file id.
// Grounded on cmd/snellerd's use of github.com/google/uuid
// for request identifiers; here it names a segment directory.
func NewFileID() string {
	return uuid.NewString()
}

// Validate checks the invariants from spec.md section 3.
func (s *Schema) Validate() error {
	if s.FileSize < 0 {
		return vdberr.New(vdberr.InvalidArgument, "segment %s: negative file_size %d", s.FileID, s.FileSize)
	}
	return nil
}

// MergeEligible reports whether the segment can participate
// in the merge planner: index_file_size_target must be set.
func (s *Schema) MergeEligible() bool {
	return s.IndexFileSizeTarget > 0
}
