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

package ingest

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/annlite/annlite/devcache"
	"github.com/annlite/annlite/scheduler"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
)

// DiskStorage reads and writes the segment directory layout:
// rv.bin, uid.bin, del.bin and the serialized index artifact.
// It is the disk-backed implementation of scheduler.Storage.
type DiskStorage struct {
	Root string

	// deletion bitmaps are shared between concurrent queries
	// and the delete path, so the loaded instance per segment
	// is canonical
	mu   sync.Mutex
	dels map[string]*segment.DeletionBitmap
}

// NewDiskStorage builds storage rooted at root.
func NewDiskStorage(root string) *DiskStorage {
	return &DiskStorage{Root: root, dels: make(map[string]*segment.DeletionBitmap)}
}

func (d *DiskStorage) dir(ref *segment.Schema) string {
	return segment.Dir(d.Root, ref.FileID)
}

func (d *DiskStorage) readFile(ref *segment.Schema, name string) ([]byte, error) {
	buf, err := os.ReadFile(filepath.Join(d.dir(ref), name))
	if err != nil {
		kind := vdberr.Internal
		if os.IsNotExist(err) {
			kind = vdberr.NotFound
		}
		return nil, vdberr.Wrap(kind, err, "segment %s: read %s", ref.FileID, name)
	}
	return buf, nil
}

// mapBlob memory-maps a (potentially large) index artifact
// instead of copying it through the heap; release with
// devcache.UnmapFile.
func (d *DiskStorage) mapBlob(ref *segment.Schema, name string) ([]byte, error) {
	buf, err := devcache.MapFile(filepath.Join(d.dir(ref), name))
	if err != nil {
		kind := vdberr.Internal
		if os.IsNotExist(err) {
			kind = vdberr.NotFound
		}
		return nil, vdberr.Wrap(kind, err, "segment %s: map %s", ref.FileID, name)
	}
	return buf, nil
}

// LoadRaw reads a segment's raw vector rows.
func (d *DiskStorage) LoadRaw(ref *segment.Schema) (*vecindex.Dataset, error) {
	buf, err := d.readFile(ref, segment.RawVectorsFile)
	if err != nil {
		return nil, err
	}
	ds := &vecindex.Dataset{Dimension: ref.Dimension, N: int(ref.RowCount)}
	if isBinaryMetric(ref.Metric) {
		ds.Binary = buf
		return ds, nil
	}
	ds.Float = make([]float32, len(buf)/4)
	for i := range ds.Float {
		ds.Float[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return ds, nil
}

// loadUIDs reads the offset->uid table.
func (d *DiskStorage) loadUIDs(ref *segment.Schema) ([]int64, error) {
	buf, err := d.readFile(ref, segment.UIDsFile)
	if err != nil {
		return nil, err
	}
	uids := make([]int64, len(buf)/8)
	for i := range uids {
		uids[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return uids, nil
}

// Deletions returns the segment's canonical in-memory deletion
// bitmap, loading del.bin on first use.
func (d *DiskStorage) Deletions(ref *segment.Schema) (*segment.DeletionBitmap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bm, ok := d.dels[ref.FileID]; ok {
		return bm, nil
	}
	buf, err := d.readFile(ref, segment.DeletionsFile)
	if err != nil {
		if vdberr.KindOf(err) == vdberr.NotFound {
			bm := segment.NewDeletionBitmap(int(ref.RowCount))
			d.dels[ref.FileID] = bm
			return bm, nil
		}
		return nil, err
	}
	bm := segment.LoadDeletionBitmap(buf, int(ref.RowCount))
	d.dels[ref.FileID] = bm
	return bm, nil
}

// DeleteUIDs tombstones the given external ids in the segment,
// rewriting del.bin. Unknown ids are ignored (they may live in
// another segment).
func (d *DiskStorage) DeleteUIDs(ref *segment.Schema, uids []int64) error {
	table, err := d.loadUIDs(ref)
	if err != nil {
		return err
	}
	bm, err := d.Deletions(ref)
	if err != nil {
		return err
	}
	doomed := make(map[int64]bool, len(uids))
	for _, u := range uids {
		doomed[u] = true
	}
	for off, u := range table {
		if doomed[u] {
			bm.Add(off)
		}
	}
	return writeFileAtomic(filepath.Join(d.dir(ref), segment.DeletionsFile), bm.Serialize())
}

// LoadArtifact assembles the queryable form of a segment: the
// serialized index artifact if one was built, otherwise a FLAT
// index over the raw vectors, plus the uid table and the
// canonical deletion bitmap.
func (d *DiskStorage) LoadArtifact(ref *segment.Schema) (*scheduler.Artifact, error) {
	uids, err := d.loadUIDs(ref)
	if err != nil {
		return nil, err
	}
	dels, err := d.Deletions(ref)
	if err != nil {
		return nil, err
	}
	ix, err := vecindex.New(ref.Engine, ref.Dimension, ref.Metric)
	if err != nil {
		return nil, err
	}
	blobName := segment.IndexFile(ref.Engine)
	blob, err := d.mapBlob(ref, blobName)
	switch {
	case err == nil:
		// Load copies what it needs out of the mapping, so the
		// mapping can be dropped as soon as decoding finishes.
		lerr := ix.Load(vecindex.BinarySet{blobName: blob})
		devcache.UnmapFile(blob)
		if lerr != nil {
			return nil, lerr
		}
	case vdberr.KindOf(err) == vdberr.NotFound:
		// no built artifact yet: serve exact search over raw
		ds, rerr := d.LoadRaw(ref)
		if rerr != nil {
			return nil, rerr
		}
		ix, rerr = vecindex.New(segment.FLAT, ref.Dimension, ref.Metric)
		if rerr != nil {
			return nil, rerr
		}
		if rerr := ix.(vecindex.Builder).BuildAll(ds, nil); rerr != nil {
			return nil, rerr
		}
	default:
		return nil, err
	}
	return &scheduler.Artifact{Index: ix, UIDs: uids, Deletions: dels}, nil
}

// WriteIndex persists a built index's blobs into the segment
// directory.
func (d *DiskStorage) WriteIndex(ref *segment.Schema, bs vecindex.BinarySet) error {
	dir := d.dir(ref)
	for name, blob := range bs {
		if err := writeFileAtomic(filepath.Join(dir, name), blob); err != nil {
			return vdberr.Wrap(vdberr.Internal, err, "segment %s: write %s", ref.FileID, name)
		}
	}
	return nil
}

// Remove deletes a segment's directory, used by garbage
// collection of merged-away (Backup) files.
func (d *DiskStorage) Remove(ref *segment.Schema) error {
	d.mu.Lock()
	delete(d.dels, ref.FileID)
	d.mu.Unlock()
	if err := os.RemoveAll(d.dir(ref)); err != nil {
		return vdberr.Wrap(vdberr.Internal, err, "segment %s: remove", ref.FileID)
	}
	return nil
}

func isBinaryMetric(m segment.MetricType) bool {
	switch m {
	case segment.Hamming, segment.Jaccard, segment.Tanimoto,
		segment.Substructure, segment.Superstructure:
		return true
	}
	return false
}
