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

package compr

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("vectors"), 4096)
	for _, name := range []string{"zstd", "s2"} {
		comp := Compression(name)
		if comp == nil || comp.Name() != name {
			t.Fatalf("bad compressor for %q: %v", name, comp)
		}
		dec := Decompression(name)
		if dec == nil || dec.Name() != name {
			t.Fatalf("bad decompressor for %q: %v", name, dec)
		}
		packed := comp.Compress(src, nil)
		if len(packed) >= len(src) {
			t.Errorf("%s: repetitive input did not shrink (%d -> %d)", name, len(src), len(packed))
		}
		dst := make([]byte, len(src))
		if err := dec.Decompress(packed, dst); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(src, dst) {
			t.Fatalf("%s: round-trip mismatch", name)
		}
		// short output buffer must error, not truncate silently
		if err := dec.Decompress(packed, dst[:len(dst)-1]); err == nil {
			t.Fatalf("%s: decompress into short buffer succeeded", name)
		}
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if Compression("lz4") != nil {
		t.Error("unknown compressor should be nil")
	}
	if Decompression("lz4") != nil {
		t.Error("unknown decompressor should be nil")
	}
}

func TestCompressAppends(t *testing.T) {
	prefix := []byte("hdr:")
	src := bytes.Repeat([]byte("x"), 1024)
	out := Compression("zstd").Compress(src, append([]byte(nil), prefix...))
	if !bytes.HasPrefix(out, prefix) {
		t.Fatal("Compress did not append to dst")
	}
	dst := make([]byte, len(src))
	if err := Decompression("zstd").Decompress(out[len(prefix):], dst); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst, src) {
		t.Fatal("mismatch after prefixed compress")
	}
}
