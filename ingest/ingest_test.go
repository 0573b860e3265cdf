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
	"context"
	"math/rand"
	"testing"

	"github.com/annlite/annlite/idgen"
	"github.com/annlite/annlite/merge"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vecindex"
)

func testPipeline(t *testing.T) (*Pipeline, *DiskStorage) {
	t.Helper()
	root := t.TempDir()
	return NewPipeline(root, idgen.New(), 64<<20), NewDiskStorage(root)
}

func TestInsertFlushSearch(t *testing.T) {
	p, store := testPipeline(t)
	rows := make([]float32, 2*8)
	rows[0] = 1
	rows[9] = 1
	uids, err := p.Insert("c1", "p0", segment.L2, &segment.VectorsData{
		N: 2, Dimension: 8, Float: rows, IDs: []int64{10, 20},
	})
	if err != nil {
		t.Fatal(err)
	}
	if uids[0] != 10 || uids[1] != 20 {
		t.Fatalf("caller ids not honored: %v", uids)
	}
	sealed, err := p.Flush("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 1 {
		t.Fatalf("sealed %d segments, want 1", len(sealed))
	}
	ref := sealed[0]
	if ref.RowCount != 2 || ref.FileSize <= 0 || ref.ETag == "" {
		t.Fatalf("bad sealed schema: %+v", ref)
	}

	art, err := store.LoadArtifact(ref)
	if err != nil {
		t.Fatal(err)
	}
	q := make([]float32, 8)
	q[0] = 1
	dist, labels, err := art.Index.Query(&vecindex.Dataset{N: 1, Dimension: 8, Float: q}, 1, nil, art.Deletions)
	if err != nil {
		t.Fatal(err)
	}
	vecindex.MapOffsetToUid(labels, art.UIDs)
	if labels[0] != 10 || dist[0] != 0 {
		t.Fatalf("got (%d, %f), want (10, 0.0)", labels[0], dist[0])
	}
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	p, _ := testPipeline(t)
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		uids, err := p.Insert("c1", "p0", segment.L2, &segment.VectorsData{
			N: 100, Dimension: 4, Float: make([]float32, 400),
		})
		if err != nil {
			t.Fatal(err)
		}
		for _, u := range uids {
			if seen[u] {
				t.Fatalf("duplicate generated id %d", u)
			}
			seen[u] = true
		}
	}
}

func TestAutoSealOnBufferSize(t *testing.T) {
	root := t.TempDir()
	p := NewPipeline(root, idgen.New(), 1024) // tiny budget
	for i := 0; i < 4; i++ {
		_, err := p.Insert("c1", "p0", segment.L2, &segment.VectorsData{
			N: 32, Dimension: 8, Float: make([]float32, 32*8),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(p.Sealed()) == 0 {
		t.Fatal("no segment sealed despite exceeding the insert buffer")
	}
}

func TestDeleteByID(t *testing.T) {
	p, store := testPipeline(t)
	const n = 2000
	rng := rand.New(rand.NewSource(42))
	rows := make([]float32, n*4)
	for i := range rows {
		rows[i] = rng.Float32()
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i)
	}
	if _, err := p.Insert("c1", "p0", segment.L2, &segment.VectorsData{
		N: n, Dimension: 4, Float: rows, IDs: ids,
	}); err != nil {
		t.Fatal(err)
	}
	sealed, err := p.Flush("c1")
	if err != nil {
		t.Fatal(err)
	}
	ref := sealed[0]
	doomed := []int64{7, 42, 1000}
	if err := store.DeleteUIDs(ref, doomed); err != nil {
		t.Fatal(err)
	}
	art, err := store.LoadArtifact(ref)
	if err != nil {
		t.Fatal(err)
	}
	// query *at* a deleted row's vector: it must never surface
	q := rows[7*4 : 8*4]
	_, labels, err := art.Index.Query(&vecindex.Dataset{N: 1, Dimension: 4, Float: q}, 10, nil, art.Deletions)
	if err != nil {
		t.Fatal(err)
	}
	vecindex.MapOffsetToUid(labels, art.UIDs)
	for _, l := range labels {
		for _, d := range doomed {
			if l == d {
				t.Fatalf("deleted id %d returned", d)
			}
		}
	}
}

func TestMergeGroupExecution(t *testing.T) {
	p, store := testPipeline(t)
	var refs []*segment.Schema
	for i := 0; i < 3; i++ {
		ids := []int64{int64(i*10 + 1), int64(i*10 + 2)}
		rows := make([]float32, 2*4)
		rows[0] = float32(i)
		if _, err := p.Insert("c1", "p0", segment.L2, &segment.VectorsData{
			N: 2, Dimension: 4, Float: rows, IDs: ids,
		}); err != nil {
			t.Fatal(err)
		}
		sealed, err := p.Flush("c1")
		if err != nil {
			t.Fatal(err)
		}
		refs = append(refs, sealed...)
	}
	if len(refs) != 3 {
		t.Fatalf("sealed %d segments, want 3", len(refs))
	}
	// tombstone one row of the middle segment; the merge drops it
	if err := store.DeleteUIDs(refs[1], []int64{11}); err != nil {
		t.Fatal(err)
	}
	m := &Merger{Storage: store}
	out, err := m.ExecuteGroup(context.Background(), &merge.Group{Files: refs})
	if err != nil {
		t.Fatal(err)
	}
	if out.RowCount != 5 {
		t.Fatalf("merged row count: got %d, want 5 (6 minus 1 tombstone)", out.RowCount)
	}
	for _, ref := range refs {
		if ref.FileType != segment.Backup {
			t.Errorf("input %s not marked Backup", ref.FileID)
		}
	}
	art, err := store.LoadArtifact(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(art.UIDs) != 5 {
		t.Fatalf("merged uid table has %d entries", len(art.UIDs))
	}
	for _, u := range art.UIDs {
		if u == 11 {
			t.Fatal("tombstoned uid survived the merge")
		}
	}
}
