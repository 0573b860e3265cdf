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

package wire

import (
	"testing"

	"github.com/annlite/annlite/scheduler"
	"github.com/annlite/annlite/vdberr"
)

func TestSearchRequestDataset(t *testing.T) {
	doc := `{"vectors": [[1,0],[0,1]], "topk": 3, "params": {"nprobe": 16}}`
	var req SearchRequest
	if err := Unmarshal([]byte(doc), &req); err != nil {
		t.Fatal(err)
	}
	ds, err := req.Dataset(2)
	if err != nil {
		t.Fatal(err)
	}
	if ds.N != 2 || ds.Dimension != 2 || ds.Float[0] != 1 || ds.Float[3] != 1 {
		t.Fatalf("bad dataset: %+v", ds)
	}
	if req.Params.Runtime().Nprobe != 16 {
		t.Errorf("nprobe not carried: %+v", req.Params)
	}
	if _, err := req.Dataset(3); vdberr.KindOf(err) != vdberr.InvalidArgument {
		t.Errorf("dimension mismatch accepted: %v", err)
	}
}

func TestVectorsActionDiscrimination(t *testing.T) {
	var act VectorsAction
	if err := Unmarshal([]byte(`{"search": {"vectors": [[1]], "topk": 1}}`), &act); err != nil {
		t.Fatal(err)
	}
	if act.Search == nil || act.Delete != nil {
		t.Fatalf("search payload mis-discriminated: %+v", act)
	}
	act = VectorsAction{}
	if err := Unmarshal([]byte(`{"delete": {"ids": [7, 42]}}`), &act); err != nil {
		t.Fatal(err)
	}
	if act.Delete == nil || len(act.Delete.IDs) != 2 || act.Search != nil {
		t.Fatalf("delete payload mis-discriminated: %+v", act)
	}
}

func TestBuildResultsTruncatesPadding(t *testing.T) {
	res := &scheduler.SearchResult{
		NQ:        2,
		TopK:      3,
		UIDs:      []int64{10, 20, -1, 30, -1, -1},
		Distances: []float32{0, 1, 0, 2, 0, 0},
	}
	rows := BuildResults(res)
	if len(rows) != 2 {
		t.Fatalf("rows: %d", len(rows))
	}
	if len(rows[0]) != 2 || rows[0][0] != (Result{ID: 10, Distance: 0}) || rows[0][1] != (Result{ID: 20, Distance: 1}) {
		t.Fatalf("row 0: %+v", rows[0])
	}
	if len(rows[1]) != 1 || rows[1][0].ID != 30 {
		t.Fatalf("row 1: %+v", rows[1])
	}
}

func TestStatusCodesStable(t *testing.T) {
	cases := []struct {
		kind vdberr.Kind
		code int
	}{
		{vdberr.InvalidArgument, CodeInvalidArgument},
		{vdberr.NotFound, CodeNotFound},
		{vdberr.AlreadyExists, CodeAlreadyExists},
		{vdberr.IndexNotTrained, CodeIndexNotTrained},
		{vdberr.IndexNotSupported, CodeIndexNotSupported},
		{vdberr.NotIncremental, CodeNotIncremental},
		{vdberr.CapacityExceeded, CodeCapacityExceeded},
		{vdberr.ResourceUnavailable, CodeResourceUnavailable},
		{vdberr.Cancelled, CodeCancelled},
		{vdberr.DeadlineExceeded, CodeDeadlineExceeded},
		{vdberr.Internal, CodeInternal},
	}
	for _, tc := range cases {
		got := StatusOf(vdberr.New(tc.kind, "x"))
		if got.Code != tc.code {
			t.Errorf("kind %v: code %d, want %d", tc.kind, got.Code, tc.code)
		}
	}
	if StatusOf(nil).Code != CodeOK {
		t.Error("nil error must map to CodeOK")
	}
}

func TestParseNames(t *testing.T) {
	if e, err := ParseEngineType("IVF_SQ8"); err != nil || e.String() != "IVFSQ8" {
		t.Errorf("ParseEngineType: %v %v", e, err)
	}
	if _, err := ParseEngineType("ANNOY"); vdberr.KindOf(err) != vdberr.IndexNotSupported {
		t.Errorf("unknown engine: %v", err)
	}
	if m, err := ParseMetricType("jaccard"); err != nil || m.String() != "JACCARD" {
		t.Errorf("ParseMetricType: %v %v", m, err)
	}
	if _, err := ParseMetricType("COSINE"); vdberr.KindOf(err) != vdberr.InvalidArgument {
		t.Errorf("unknown metric: %v", err)
	}
}
