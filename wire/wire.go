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

// Package wire defines the request/response contract shared by
// the RPC and HTTP surfaces: search, insert, delete and admin
// task payloads, plus the stable numeric codes each error kind
// maps to.
package wire

import (
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/annlite/annlite/scheduler"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
)

// json is the codec for every wire message; the jsoniter
// config is wire-compatible with encoding/json but much faster
// on the small, frequent messages this surface deals in.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Unmarshal decodes one wire message.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return vdberr.Wrap(vdberr.InvalidArgument, err, "wire: decode")
	}
	return nil
}

// Marshal encodes one wire message.
func Marshal(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.Internal, err, "wire: encode")
	}
	return buf, nil
}

// Encode writes v to w as JSON.
func Encode(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return vdberr.Wrap(vdberr.Internal, err, "wire: encode")
	}
	return nil
}

// Decode reads one JSON value from r into v.
func Decode(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return vdberr.Wrap(vdberr.InvalidArgument, err, "wire: decode")
	}
	return nil
}

// Status is the error envelope attached to every response.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Stable numeric codes, one per error kind. These are part of
// the wire contract and must never be renumbered.
const (
	CodeOK                  = 0
	CodeInternal            = 1
	CodeInvalidArgument     = 2
	CodeNotFound            = 3
	CodeAlreadyExists       = 4
	CodeIndexNotTrained     = 5
	CodeIndexNotSupported   = 6
	CodeNotIncremental      = 7
	CodeCapacityExceeded    = 8
	CodeResourceUnavailable = 9
	CodeCancelled           = 10
	CodeDeadlineExceeded    = 11
)

// StatusOf maps err to its wire status. A nil error is CodeOK.
func StatusOf(err error) Status {
	if err == nil {
		return Status{Code: CodeOK, Message: "OK"}
	}
	code := CodeInternal
	switch vdberr.KindOf(err) {
	case vdberr.InvalidArgument:
		code = CodeInvalidArgument
	case vdberr.NotFound:
		code = CodeNotFound
	case vdberr.AlreadyExists:
		code = CodeAlreadyExists
	case vdberr.IndexNotTrained:
		code = CodeIndexNotTrained
	case vdberr.IndexNotSupported:
		code = CodeIndexNotSupported
	case vdberr.NotIncremental:
		code = CodeNotIncremental
	case vdberr.CapacityExceeded:
		code = CodeCapacityExceeded
	case vdberr.ResourceUnavailable:
		code = CodeResourceUnavailable
	case vdberr.Cancelled:
		code = CodeCancelled
	case vdberr.DeadlineExceeded:
		code = CodeDeadlineExceeded
	}
	return Status{Code: code, Message: err.Error()}
}

// SearchParams carries the per-query runtime knobs.
type SearchParams struct {
	Nprobe  int `json:"nprobe,omitempty"`
	Ef      int `json:"ef,omitempty"`
	SearchK int `json:"search_k,omitempty"`
}

// Runtime converts the wire params to the index layer's config.
func (p *SearchParams) Runtime() *vecindex.RuntimeConfig {
	if p == nil {
		return nil
	}
	return &vecindex.RuntimeConfig{Nprobe: p.Nprobe, Ef: p.Ef, SearchK: p.SearchK}
}

// SearchRequest is the search payload. Exactly one of Vectors
// or BinaryVectors is set; binary rows travel base64-encoded.
type SearchRequest struct {
	Collection    string        `json:"collection,omitempty"`
	PartitionTags []string      `json:"partition_tags,omitempty"`
	Vectors       [][]float32   `json:"vectors,omitempty"`
	BinaryVectors [][]byte      `json:"binary_vectors,omitempty"`
	TopK          int64         `json:"topk"`
	Params        *SearchParams `json:"params,omitempty"`
}

// Dataset flattens the request's query rows into the index
// layer's dataset form.
func (r *SearchRequest) Dataset(dimension int) (*vecindex.Dataset, error) {
	if r.TopK <= 0 {
		return nil, vdberr.New(vdberr.InvalidArgument, "topk must be positive, got %d", r.TopK)
	}
	if len(r.Vectors) > 0 {
		flat := make([]float32, 0, len(r.Vectors)*dimension)
		for i, row := range r.Vectors {
			if len(row) != dimension {
				return nil, vdberr.New(vdberr.InvalidArgument, "query row %d has %d dims, want %d", i, len(row), dimension)
			}
			flat = append(flat, row...)
		}
		return &vecindex.Dataset{N: len(r.Vectors), Dimension: dimension, Float: flat}, nil
	}
	if len(r.BinaryVectors) > 0 {
		width := (dimension + 7) / 8
		packed := make([]byte, 0, len(r.BinaryVectors)*width)
		for i, row := range r.BinaryVectors {
			if len(row) != width {
				return nil, vdberr.New(vdberr.InvalidArgument, "binary query row %d has %d bytes, want %d", i, len(row), width)
			}
			packed = append(packed, row...)
		}
		return &vecindex.Dataset{N: len(r.BinaryVectors), Dimension: dimension, Binary: packed}, nil
	}
	return nil, vdberr.New(vdberr.InvalidArgument, "search request carries no query vectors")
}

// Result is one (id, distance) hit.
type Result struct {
	ID       int64   `json:"id"`
	Distance float32 `json:"distance"`
}

// SearchResponse is row-major: one result list per query row,
// each at most topk long after truncation of the trailing -1
// run.
type SearchResponse struct {
	Status  Status     `json:"status"`
	NumRows int        `json:"num"`
	Results [][]Result `json:"result"`
}

// BuildResults converts a completed search task's output into
// per-row result lists, truncating each row's trailing -1
// padding.
func BuildResults(res *scheduler.SearchResult) [][]Result {
	out := make([][]Result, res.NQ)
	for row := 0; row < res.NQ; row++ {
		base := row * res.TopK
		end := res.TopK
		for end > 0 && res.UIDs[base+end-1] == -1 {
			end--
		}
		hits := make([]Result, end)
		for i := 0; i < end; i++ {
			hits[i] = Result{ID: res.UIDs[base+i], Distance: res.Distances[base+i]}
		}
		out[row] = hits
	}
	return out
}

// InsertRequest is the vector-insert payload.
type InsertRequest struct {
	PartitionTag  string      `json:"partition_tag,omitempty"`
	Vectors       [][]float32 `json:"vectors,omitempty"`
	BinaryVectors [][]byte    `json:"binary_vectors,omitempty"`
	IDs           []int64     `json:"ids,omitempty"`
}

// Batch converts the request into the ingest layer's batch.
func (r *InsertRequest) Batch(dimension int) (*segment.VectorsData, error) {
	v := &segment.VectorsData{Dimension: dimension, IDs: r.IDs}
	switch {
	case len(r.Vectors) > 0:
		v.N = len(r.Vectors)
		flat := make([]float32, 0, v.N*dimension)
		for _, row := range r.Vectors {
			flat = append(flat, row...)
		}
		v.Float = flat
	case len(r.BinaryVectors) > 0:
		v.N = len(r.BinaryVectors)
		width := (dimension + 7) / 8
		packed := make([]byte, 0, v.N*width)
		for _, row := range r.BinaryVectors {
			packed = append(packed, row...)
		}
		v.Binary = packed
	default:
		return nil, vdberr.New(vdberr.InvalidArgument, "insert request carries no vectors")
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// InsertResponse returns the assigned ids.
type InsertResponse struct {
	Status Status  `json:"status"`
	IDs    []int64 `json:"ids"`
}

// VectorsAction is the PUT /collections/{name}/vectors payload,
// discriminated by which top-level key is present.
type VectorsAction struct {
	Search *SearchRequest `json:"search,omitempty"`
	Delete *DeleteRequest `json:"delete,omitempty"`
}

// DeleteRequest tombstones vectors by external id.
type DeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// IndexRequest asks for an index build over a collection.
type IndexRequest struct {
	IndexType string        `json:"index_type"`
	Params    *SearchParams `json:"params,omitempty"`
}

// CollectionRequest creates a collection.
type CollectionRequest struct {
	Name          string `json:"collection_name"`
	Dimension     int    `json:"dimension"`
	MetricType    string `json:"metric_type"`
	IndexFileSize int64  `json:"index_file_size"`
}

// TaskRequest is the PUT /system/task payload; exactly one
// member is set.
type TaskRequest struct {
	Flush   *FlushTask   `json:"flush,omitempty"`
	Compact *CompactTask `json:"compact,omitempty"`
	Load    *LoadTask    `json:"load,omitempty"`
}

type FlushTask struct {
	CollectionNames []string `json:"collection_names"`
}

type CompactTask struct {
	CollectionName string `json:"collection_name"`
}

type LoadTask struct {
	CollectionName string `json:"collection_name"`
}

// ParseEngineType maps a wire-level index_type name to the
// engine enum.
func ParseEngineType(name string) (segment.EngineType, error) {
	switch strings.ToUpper(name) {
	case "FLAT":
		return segment.FLAT, nil
	case "IVFFLAT", "IVF_FLAT":
		return segment.IVFFLAT, nil
	case "IVFSQ8", "IVF_SQ8":
		return segment.IVFSQ8, nil
	case "IVFPQ", "IVF_PQ":
		return segment.IVFPQ, nil
	case "HNSW":
		return segment.HNSW, nil
	case "NSG", "RNSG":
		return segment.NSG, nil
	}
	return 0, vdberr.New(vdberr.IndexNotSupported, "unknown index type %q", name)
}

// ParseMetricType maps a wire-level metric_type name to the
// metric enum.
func ParseMetricType(name string) (segment.MetricType, error) {
	switch strings.ToUpper(name) {
	case "L2", "":
		return segment.L2, nil
	case "IP":
		return segment.IP, nil
	case "HAMMING":
		return segment.Hamming, nil
	case "JACCARD":
		return segment.Jaccard, nil
	case "TANIMOTO":
		return segment.Tanimoto, nil
	case "SUBSTRUCTURE":
		return segment.Substructure, nil
	case "SUPERSTRUCTURE":
		return segment.Superstructure, nil
	}
	return 0, vdberr.New(vdberr.InvalidArgument, "unknown metric type %q", name)
}
