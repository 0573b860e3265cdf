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

import "path/filepath"

// On-disk filenames within a segment directory (spec.md section 6).
const (
	RawVectorsFile = "rv.bin"
	UIDsFile       = "uid.bin"
	DeletionsFile  = "del.bin"
)

// IndexFile returns the filename of the serialized index
// artifact for the given engine, e.g. "hnsw.idx".
func IndexFile(e EngineType) string {
	name := e.String()
	switch e {
	case FLAT:
		name = "flat"
	case IVFFLAT, IVFSQ8, IVFPQ:
		name = "ivf"
	case HNSW:
		name = "hnsw"
	case NSG:
		name = "nsg"
	}
	return name + ".idx"
}

// Dir returns the segment directory path for file id within root.
func Dir(root, fileID string) string {
	return filepath.Join(root, fileID)
}

// Magic is the 2-byte magic header ('M','I') prefixed to every
// serialized index blob (spec.md section 6).
const Magic uint16 = 0x4D49

// BlobHeader is the fixed-size header prepended to each
// <engine>.idx blob: magic, format version, variant id, and
// payload length, all little-endian.
type BlobHeader struct {
	Magic         uint16
	Version       uint16
	VariantID     uint32
	PayloadLength uint64
}

const BlobHeaderSize = 2 + 2 + 4 + 8
