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

// Package ingest binds incoming vector batches to growing
// segments under the shared id generator, seals them to disk on
// flush, and provides the disk-backed storage the scheduler's
// workers read segments through.
package ingest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/annlite/annlite/idgen"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

// growing is one in-memory segment accepting appends until it
// reaches the insert buffer budget or a flush seals it.
type growing struct {
	ref    *segment.Schema
	floats []float32
	packed []byte
	uids   []int64
}

func (g *growing) bytes() int64 {
	return int64(len(g.floats))*4 + int64(len(g.packed)) + int64(len(g.uids))*8
}

// Pipeline accepts inserts for any number of collections and
// partitions, each with at most one growing segment at a time.
type Pipeline struct {
	// Logf, if set, receives flush logging.
	Logf func(f string, args ...any)

	root string
	ids  *idgen.Generator

	// InsertBufferSize is the growing-segment byte budget;
	// the insert that brings a segment to it seals the segment.
	InsertBufferSize int64

	mu      sync.Mutex
	growing map[string]*growing
	sealed  []*segment.Schema
}

// NewPipeline builds a pipeline writing segments under root.
func NewPipeline(root string, ids *idgen.Generator, insertBufferSize int64) *Pipeline {
	return &Pipeline{
		root:             root,
		ids:              ids,
		InsertBufferSize: insertBufferSize,
		growing:          make(map[string]*growing),
	}
}

func (p *Pipeline) logf(f string, args ...any) {
	if p.Logf != nil {
		p.Logf(f, args...)
	}
}

func slot(collection, partition string) string {
	return collection + "\x00" + partition
}

// Insert appends batch to the collection+partition's growing
// segment and returns the external id assigned to each row.
// Rows without caller-supplied ids draw a block from the id
// generator.
func (p *Pipeline) Insert(collection, partition string, metric segment.MetricType, batch *segment.VectorsData) ([]int64, error) {
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	uids := batch.IDs
	if len(uids) == 0 {
		var err error
		uids, err = p.ids.NextBlock(batch.N)
		if err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := slot(collection, partition)
	g := p.growing[key]
	if g == nil {
		g = &growing{ref: &segment.Schema{
			FileID:              segment.NewFileID(),
			CollectionID:        collection,
			PartitionTag:        partition,
			Dimension:           batch.Dimension,
			Metric:              metric,
			Engine:              segment.FLAT,
			IndexFileSizeTarget: 1 << 30,
			FileType:            segment.Raw,
		}}
		p.growing[key] = g
	}
	if g.ref.Dimension != batch.Dimension {
		return nil, vdberr.New(vdberr.InvalidArgument,
			"collection %s: batch dimension %d, segment dimension %d",
			collection, batch.Dimension, g.ref.Dimension)
	}
	g.floats = append(g.floats, batch.Float...)
	g.packed = append(g.packed, batch.Binary...)
	g.uids = append(g.uids, uids...)
	g.ref.RowCount += int64(batch.N)
	if g.bytes() >= p.InsertBufferSize {
		if err := p.sealLocked(key, g); err != nil {
			return nil, err
		}
	}
	return uids, nil
}

// Flush seals every growing segment of the collection (all of
// them when collection is empty) and returns the schemas
// sealed by this call.
func (p *Pipeline) Flush(collection string) ([]*segment.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*segment.Schema
	for key, g := range p.growing {
		if collection != "" && g.ref.CollectionID != collection {
			continue
		}
		had := g.ref.RowCount > 0
		if err := p.sealLocked(key, g); err != nil {
			return nil, err
		}
		if had {
			out = append(out, g.ref)
		}
	}
	return out, nil
}

// Sealed returns the schemas of all segments sealed so far.
func (p *Pipeline) Sealed() []*segment.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*segment.Schema(nil), p.sealed...)
}

// sealLocked writes the growing segment's directory and
// records the sealed schema.
func (p *Pipeline) sealLocked(key string, g *growing) error {
	if g.ref.RowCount == 0 {
		delete(p.growing, key)
		return nil
	}
	if err := writeSegmentDir(p.root, g); err != nil {
		return err
	}
	p.sealed = append(p.sealed, g.ref)
	p.logf("sealed segment %s: %d rows, %d bytes", g.ref.FileID, g.ref.RowCount, g.ref.FileSize)
	delete(p.growing, key)
	return nil
}

// writeSegmentDir seals one segment to disk: rv.bin, uid.bin,
// del.bin under root/<file-id>/, and stamps the schema's
// FileSize, ETag and CreatedOn.
func writeSegmentDir(root string, g *growing) error {
	dir := segment.Dir(root, g.ref.FileID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return vdberr.Wrap(vdberr.Internal, err, "segment %s: mkdir", g.ref.FileID)
	}
	var raw []byte
	if len(g.packed) > 0 {
		raw = g.packed
	} else {
		raw = make([]byte, len(g.floats)*4)
		for i, v := range g.floats {
			binary.LittleEndian.PutUint32(raw[i*4:], floatBits(v))
		}
	}
	uidbuf := make([]byte, len(g.uids)*8)
	for i, u := range g.uids {
		binary.LittleEndian.PutUint64(uidbuf[i*8:], uint64(u))
	}
	delbuf := segment.NewDeletionBitmap(int(g.ref.RowCount)).Serialize()
	for _, f := range []struct {
		name string
		data []byte
	}{
		{segment.RawVectorsFile, raw},
		{segment.UIDsFile, uidbuf},
		{segment.DeletionsFile, delbuf},
	} {
		if err := writeFileAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return vdberr.Wrap(vdberr.Internal, err, "segment %s: write %s", g.ref.FileID, f.name)
		}
	}
	sum := blake2b.Sum256(raw)
	g.ref.ETag = hex.EncodeToString(sum[:])
	g.ref.FileSize = int64(len(raw) + len(uidbuf) + len(delbuf))
	g.ref.CreatedOn = time.Now().UnixMicro()
	return nil
}

// writeFileAtomic writes data via a temp file and rename so a
// crash never leaves a half-written segment file behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func floatBits(f float32) uint32 { return math.Float32bits(f) }
