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
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

func randomDataset(t *testing.T, n, dim int, seed int64) *Dataset {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	vals := make([]float32, n*dim)
	for i := range vals {
		vals[i] = rng.Float32()
	}
	return &Dataset{N: n, Dimension: dim, Float: vals}
}

func TestFlatExactSearch(t *testing.T) {
	ix, err := New(segment.FLAT, 8, segment.L2)
	if err != nil {
		t.Fatal(err)
	}
	vecs := make([]float32, 2*8)
	vecs[0] = 1 // [1,0,...]
	vecs[9] = 1 // [0,1,0,...]
	err = ix.(Addable).AddWithoutIds(&Dataset{N: 2, Dimension: 8, Float: vecs}, nil)
	if err != nil {
		t.Fatal(err)
	}
	q := make([]float32, 8)
	q[0] = 1
	dist, labels, err := ix.Query(&Dataset{N: 1, Dimension: 8, Float: q}, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != 0 || dist[0] != 0 {
		t.Errorf("got label %d dist %f, want 0 0.0", labels[0], dist[0])
	}
	// map through an external uid table, scenario-style
	uids := []int64{10, 20}
	MapOffsetToUid(labels, uids)
	if labels[0] != 10 {
		t.Errorf("mapped uid: got %d, want 10", labels[0])
	}
}

func TestFlatPadsMissingNeighbors(t *testing.T) {
	ix, _ := New(segment.FLAT, 4, segment.L2)
	ix.(Addable).AddWithoutIds(randomDataset(t, 2, 4, 1), nil)
	_, labels, err := ix.Query(randomDataset(t, 1, 4, 2), 5, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 2; i < 5; i++ {
		if labels[i] != -1 {
			t.Errorf("slot %d: got %d, want -1 padding", i, labels[i])
		}
	}
	// -1 survives uid mapping untouched
	MapOffsetToUid(labels, []int64{7, 9})
	if labels[4] != -1 {
		t.Errorf("padding mutated by uid mapping: %d", labels[4])
	}
}

func TestFlatBinaryHamming(t *testing.T) {
	ix, _ := New(segment.FLAT, 16, segment.Hamming)
	rows := []byte{
		0xff, 0xff, // offset 0
		0x00, 0x00, // offset 1
		0xff, 0x00, // offset 2
	}
	err := ix.(Addable).AddWithoutIds(&Dataset{N: 3, Dimension: 16, Binary: rows}, nil)
	if err != nil {
		t.Fatal(err)
	}
	dist, labels, err := ix.Query(&Dataset{N: 1, Dimension: 16, Binary: []byte{0xff, 0x01}}, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if labels[0] != 2 || dist[0] != 1 {
		t.Errorf("nearest: got label %d dist %f, want 2 1", labels[0], dist[0])
	}
	if labels[1] != 0 || dist[1] != 7 {
		t.Errorf("second: got label %d dist %f, want 0 7", labels[1], dist[1])
	}
}

func TestBlacklistExcluded(t *testing.T) {
	dim := 8
	ds := randomDataset(t, 200, dim, 3)
	for _, variant := range []segment.EngineType{segment.FLAT, segment.IVFFLAT, segment.HNSW} {
		ix, err := New(variant, dim, segment.L2)
		if err != nil {
			t.Fatal(err)
		}
		if err := ix.(Builder).BuildAll(ds, nil); err != nil {
			t.Fatalf("%v: %v", variant, err)
		}
		// delete the exact row we query for; it must never come back
		bl := segment.NewDeletionBitmap(200)
		bl.Add(17)
		q := &Dataset{N: 1, Dimension: dim, Float: ds.Row(17)}
		_, labels, err := ix.Query(q, 10, &RuntimeConfig{Nprobe: 64, Ef: 128}, bl)
		if err != nil {
			t.Fatalf("%v: %v", variant, err)
		}
		for _, l := range labels {
			if l == 17 {
				t.Errorf("%v: blacklisted offset 17 returned", variant)
			}
		}
	}
}

func TestIVFRequiresTraining(t *testing.T) {
	ix, _ := New(segment.IVFFLAT, 4, segment.L2)
	err := ix.(Addable).AddWithoutIds(randomDataset(t, 10, 4, 4), nil)
	if !errors.Is(err, ErrNotTrained) {
		t.Fatalf("got %v, want ErrNotTrained", err)
	}
	if vdberr.KindOf(err) != vdberr.IndexNotTrained {
		t.Errorf("kind: got %v", vdberr.KindOf(err))
	}
}

func TestNSGNotIncremental(t *testing.T) {
	ix, _ := New(segment.NSG, 4, segment.L2)
	err := ix.(Addable).AddWithoutIds(randomDataset(t, 10, 4, 5), nil)
	if !errors.Is(err, ErrNotIncremental) {
		t.Fatalf("got %v, want ErrNotIncremental", err)
	}
	// BuildAll is the only way in, and it works
	if err := ix.(Builder).BuildAll(randomDataset(t, 100, 4, 6), nil); err != nil {
		t.Fatal(err)
	}
	if ix.Len() != 100 {
		t.Errorf("Len: got %d, want 100", ix.Len())
	}
}

func TestIVFRecall(t *testing.T) {
	// with nprobe == nlist the scan is exhaustive, so IVFFLAT
	// must agree exactly with brute force
	dim := 8
	ds := randomDataset(t, 500, dim, 7)
	flat, _ := New(segment.FLAT, dim, segment.L2)
	flat.(Builder).BuildAll(ds, nil)
	ivf, _ := New(segment.IVFFLAT, dim, segment.L2)
	if err := ivf.(Builder).BuildAll(ds, nil); err != nil {
		t.Fatal(err)
	}
	q := randomDataset(t, 5, dim, 8)
	cfg := &RuntimeConfig{Nprobe: defaultNlist}
	_, want, err := flat.Query(q, 10, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, got, err := ivf.Query(q, 10, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("label %d: flat %d vs ivf %d", i, want[i], got[i])
		}
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	dim := 8
	ds := randomDataset(t, 300, dim, 9)
	q := randomDataset(t, 3, dim, 10)
	cfg := &RuntimeConfig{Nprobe: defaultNlist, Ef: 128, SearchK: 128}
	variants := []segment.EngineType{
		segment.FLAT, segment.IVFFLAT, segment.IVFSQ8, segment.IVFPQ, segment.HNSW, segment.NSG,
	}
	for _, variant := range variants {
		ix, err := New(variant, dim, segment.L2)
		if err != nil {
			t.Fatal(err)
		}
		if err := ix.(Builder).BuildAll(ds, cfg); err != nil {
			t.Fatalf("%v: build: %v", variant, err)
		}
		d0, l0, err := ix.Query(q, 5, cfg, nil)
		if err != nil {
			t.Fatalf("%v: query: %v", variant, err)
		}
		bs, err := ix.Serialize(cfg)
		if err != nil {
			t.Fatalf("%v: serialize: %v", variant, err)
		}
		fresh, err := New(variant, dim, segment.L2)
		if err != nil {
			t.Fatal(err)
		}
		if err := fresh.Load(bs); err != nil {
			t.Fatalf("%v: load: %v", variant, err)
		}
		if fresh.Len() != ix.Len() {
			t.Fatalf("%v: Len after load: got %d, want %d", variant, fresh.Len(), ix.Len())
		}
		d1, l1, err := fresh.Query(q, 5, cfg, nil)
		if err != nil {
			t.Fatalf("%v: query after load: %v", variant, err)
		}
		for i := range l0 {
			if l0[i] != l1[i] {
				t.Fatalf("%v: label %d changed across round-trip: %d vs %d", variant, i, l0[i], l1[i])
			}
			if math.Abs(float64(d0[i]-d1[i])) > 1e-5 {
				t.Fatalf("%v: distance %d changed across round-trip: %f vs %f", variant, i, d0[i], d1[i])
			}
		}
	}
}

func TestCopyCpuToGpuDisabled(t *testing.T) {
	if GPUSupported {
		t.Skip("built with gpu support")
	}
	ix, _ := New(segment.FLAT, 4, segment.L2)
	ix.(Builder).BuildAll(randomDataset(t, 10, 4, 11), nil)
	_, err := ix.(GPUMovable).CopyCpuToGpu(0, nil)
	if vdberr.KindOf(err) != vdberr.ResourceUnavailable {
		t.Fatalf("got %v, want ResourceUnavailable", err)
	}
}

func TestIPSearchOrder(t *testing.T) {
	ix, _ := New(segment.FLAT, 2, segment.IP)
	vecs := []float32{
		1, 0, // offset 0: ip with query = 1
		3, 0, // offset 1: ip = 3
		2, 0, // offset 2: ip = 2
	}
	ix.(Addable).AddWithoutIds(&Dataset{N: 3, Dimension: 2, Float: vecs}, nil)
	dist, labels, err := ix.Query(&Dataset{N: 1, Dimension: 2, Float: []float32{1, 0}}, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantLabels := []int64{1, 2, 0}
	wantDist := []float32{3, 2, 1}
	for i := range wantLabels {
		if labels[i] != wantLabels[i] || dist[i] != wantDist[i] {
			t.Errorf("slot %d: got (%d, %f), want (%d, %f)",
				i, labels[i], dist[i], wantLabels[i], wantDist[i])
		}
	}
}
