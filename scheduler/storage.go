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

package scheduler

import (
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vecindex"
)

// Artifact is the loaded, queryable form of one segment: its
// index, the offset->uid table, and the tombstone bitmap. This
// is the unit the device caches account for.
type Artifact struct {
	Index     vecindex.Index
	UIDs      []int64
	Deletions *segment.DeletionBitmap
}

// Size is the figure the device cache charges for this
// artifact: index bytes plus the uid table.
func (a *Artifact) Size() int64 {
	return a.Index.Size() + int64(len(a.UIDs))*8
}

// Storage abstracts the segment directory I/O the workers need.
// The ingest package provides the disk-backed implementation;
// tests substitute in-memory fakes.
type Storage interface {
	// LoadArtifact reads a segment's serialized index (building
	// a FLAT index over the raw vectors when no index artifact
	// exists yet), uid table, and deletion bitmap.
	LoadArtifact(ref *segment.Schema) (*Artifact, error)
	// LoadRaw reads a segment's raw vector rows for an index
	// build.
	LoadRaw(ref *segment.Schema) (*vecindex.Dataset, error)
	// WriteIndex persists a freshly built index artifact into
	// the segment's directory.
	WriteIndex(ref *segment.Schema, bs vecindex.BinarySet) error
}

// artifactKey is the device-cache key for a segment's main
// artifact.
func artifactKey(ref *segment.Schema) string {
	return ref.FileID
}

// quantizerKey is the device-cache key under which a GPU
// resource holds just the coarse quantizer of an IVF index,
// when the full inverted lists stay on the CPU side.
func quantizerKey(ref *segment.Schema) string {
	return ref.FileID + ".quantizer"
}
