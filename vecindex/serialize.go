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

package vecindex

import (
	"encoding/binary"
	"math"

	"github.com/annlite/annlite/compr"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

// blobVersion is the current on-disk format version written
// into segment.BlobHeader.Version. Bump when the payload
// layout of any variant changes incompatibly.
const blobVersion uint16 = 1

// blobCompression names the compr algorithm every serialized
// payload goes through. The header's PayloadLength records the
// *uncompressed* size so Load can allocate the exact output
// buffer that compr.Decompressor.Decompress requires.
const blobCompression = "zstd"

// encodeBlob wraps payload in the segment blob header
// (magic, version, variant id, payload length) and compresses
// the payload.
func encodeBlob(variant segment.EngineType, payload []byte) []byte {
	out := make([]byte, segment.BlobHeaderSize, segment.BlobHeaderSize+len(payload)/2)
	binary.LittleEndian.PutUint16(out[0:2], segment.Magic)
	binary.LittleEndian.PutUint16(out[2:4], blobVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(variant))
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(payload)))
	return compr.Compression(blobCompression).Compress(payload, out)
}

// decodeBlob extracts and decompresses the payload of the named
// blob in bs, checking the header against the expected variant.
func decodeBlob(bs BinarySet, name string, variant segment.EngineType) ([]byte, error) {
	blob, ok := bs[name]
	if !ok {
		return nil, vdberr.New(vdberr.NotFound, "binary set has no blob %q", name)
	}
	if len(blob) < segment.BlobHeaderSize {
		return nil, vdberr.New(vdberr.InvalidArgument, "blob %q: truncated header (%d bytes)", name, len(blob))
	}
	if magic := binary.LittleEndian.Uint16(blob[0:2]); magic != segment.Magic {
		return nil, vdberr.New(vdberr.InvalidArgument, "blob %q: bad magic %#x", name, magic)
	}
	if v := binary.LittleEndian.Uint16(blob[2:4]); v != blobVersion {
		return nil, vdberr.New(vdberr.InvalidArgument, "blob %q: unsupported version %d", name, v)
	}
	if got := segment.EngineType(binary.LittleEndian.Uint32(blob[4:8])); got != variant {
		return nil, vdberr.New(vdberr.InvalidArgument, "blob %q: variant is %v, want %v", name, got, variant)
	}
	size := binary.LittleEndian.Uint64(blob[8:16])
	payload := make([]byte, size)
	err := compr.Decompression(blobCompression).Decompress(blob[segment.BlobHeaderSize:], payload)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.Internal, err, "blob %q: decompress", name)
	}
	return payload, nil
}

func mathFloat32bits(f float32) uint32     { return math.Float32bits(f) }
func mathFloat32frombits(b uint32) float32 { return math.Float32frombits(b) }

// putInt32s appends vals to dst little-endian.
func putInt32s(dst []byte, vals []int32) []byte {
	for _, v := range vals {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(v))
	}
	return dst
}

// getInt32s decodes n little-endian int32s from src.
func getInt32s(src []byte, n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}
