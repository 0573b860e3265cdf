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

package main

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/annlite/annlite/ingest"
	"github.com/annlite/annlite/merge"
	"github.com/annlite/annlite/scheduler"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/wire"
)

func httpStatus(err error) int {
	switch vdberr.KindOf(err) {
	case vdberr.InvalidArgument, vdberr.NotIncremental, vdberr.IndexNotSupported:
		return http.StatusBadRequest
	case vdberr.NotFound:
		return http.StatusNotFound
	case vdberr.AlreadyExists:
		return http.StatusConflict
	case vdberr.ResourceUnavailable, vdberr.CapacityExceeded:
		return http.StatusServiceUnavailable
	case vdberr.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	wire.Encode(w, wire.StatusOf(err))
}

func (s *server) ok(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		v = wire.StatusOf(nil)
	}
	wire.Encode(w, v)
}

// collectionsHandler serves POST /collections.
func (s *server) collectionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req wire.CollectionRequest
	if err := wire.Decode(r.Body, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.Name == "" || req.Dimension <= 0 {
		s.fail(w, vdberr.New(vdberr.InvalidArgument, "collection_name and dimension are required"))
		return
	}
	metric, err := wire.ParseMetricType(req.MetricType)
	if err != nil {
		s.fail(w, err)
		return
	}
	target := req.IndexFileSize
	if target <= 0 {
		target = 1 << 30
	}
	err = s.catalog.create(&collection{
		Name:          req.Name,
		Dimension:     req.Dimension,
		Metric:        metric,
		IndexFileSize: target,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, nil)
}

// collectionHandler routes /collections/{name}[/vectors|/indexes].
func (s *server) collectionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/collections/")
	name, sub, _ := strings.Cut(rest, "/")
	col, err := s.catalog.get(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	switch sub {
	case "":
		s.collectionRoot(w, r, col)
	case "vectors":
		s.vectorsHandler(w, r, col)
	case "indexes":
		s.indexesHandler(w, r, col)
	default:
		http.NotFound(w, r)
	}
}

type collectionInfo struct {
	Status        wire.Status `json:"status"`
	Name          string      `json:"collection_name"`
	Dimension     int         `json:"dimension"`
	MetricType    string      `json:"metric_type"`
	IndexFileSize int64       `json:"index_file_size"`
	RowCount      int64       `json:"count"`
	SegmentCount  int         `json:"segment_count"`
}

func (s *server) collectionRoot(w http.ResponseWriter, r *http.Request, col *collection) {
	switch r.Method {
	case http.MethodGet:
		info := collectionInfo{
			Status:        wire.StatusOf(nil),
			Name:          col.Name,
			Dimension:     col.Dimension,
			MetricType:    col.Metric.String(),
			IndexFileSize: col.IndexFileSize,
		}
		for _, ref := range col.segments() {
			info.RowCount += ref.RowCount
			info.SegmentCount++
		}
		s.ok(w, info)
	case http.MethodDelete:
		dropped, err := s.catalog.drop(col.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		for _, ref := range dropped.segments() {
			if err := s.storage.Remove(ref); err != nil {
				s.logger.Printf("drop %s: %v", col.Name, err)
			}
		}
		s.ok(w, nil)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) vectorsHandler(w http.ResponseWriter, r *http.Request, col *collection) {
	switch r.Method {
	case http.MethodPost:
		s.insert(w, r, col)
	case http.MethodPut:
		var act wire.VectorsAction
		if err := wire.Decode(r.Body, &act); err != nil {
			s.fail(w, err)
			return
		}
		switch {
		case act.Search != nil:
			s.search(w, r, act.Search, col)
		case act.Delete != nil:
			s.delete(w, r, act.Delete, col)
		default:
			s.fail(w, vdberr.New(vdberr.InvalidArgument, "expected a search or delete payload"))
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) insert(w http.ResponseWriter, r *http.Request, col *collection) {
	var req wire.InsertRequest
	if err := wire.Decode(r.Body, &req); err != nil {
		s.fail(w, err)
		return
	}
	batch, err := req.Batch(col.Dimension)
	if err != nil {
		s.fail(w, err)
		return
	}
	ids, err := s.pipeline.Insert(col.Name, req.PartitionTag, col.Metric, batch)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, wire.InsertResponse{Status: wire.StatusOf(nil), IDs: ids})
}

func (s *server) search(w http.ResponseWriter, r *http.Request, req *wire.SearchRequest, col *collection) {
	ds, err := req.Dataset(col.Dimension)
	if err != nil {
		s.fail(w, err)
		return
	}
	// searches see sealed data only; seal anything growing first
	sealed, err := s.pipeline.Flush(col.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.registerSealed(sealed)

	refs := col.segments()
	if len(req.PartitionTags) > 0 {
		refs = filterPartitions(refs, req.PartitionTags)
	}
	if len(refs) == 0 {
		s.ok(w, wire.SearchResponse{Status: wire.StatusOf(nil), NumRows: ds.N, Results: make([][]wire.Result, ds.N)})
		return
	}
	jobID := s.sched.Jobs().NewJob()
	defer s.sched.Jobs().Forget(jobID)
	tasks := make([]*scheduler.Task, len(refs))
	for i, ref := range refs {
		tasks[i] = scheduler.NewSearchTask(ref, ds, int(req.TopK), req.Params.Runtime())
		tasks[i].JobID = jobID
	}
	if err := s.sched.RunAll(r.Context(), tasks); err != nil {
		s.fail(w, err)
		return
	}
	rows := mergeResults(tasks, ds.N, int(req.TopK), col.Metric)
	s.ok(w, wire.SearchResponse{Status: wire.StatusOf(nil), NumRows: ds.N, Results: rows})
}

// mergeResults folds the per-segment top-k lists into one
// global top-k list per query row.
func mergeResults(tasks []*scheduler.Task, nq, topk int, metric segment.MetricType) [][]wire.Result {
	larger := metric == segment.IP
	out := make([][]wire.Result, nq)
	for row := 0; row < nq; row++ {
		var all []wire.Result
		for _, t := range tasks {
			res := t.Result()
			if res == nil {
				continue
			}
			base := row * res.TopK
			for i := 0; i < res.TopK; i++ {
				if res.UIDs[base+i] == -1 {
					break
				}
				all = append(all, wire.Result{ID: res.UIDs[base+i], Distance: res.Distances[base+i]})
			}
		}
		sort.Slice(all, func(i, j int) bool {
			if larger {
				return all[i].Distance > all[j].Distance
			}
			return all[i].Distance < all[j].Distance
		})
		if len(all) > topk {
			all = all[:topk]
		}
		out[row] = all
	}
	return out
}

func filterPartitions(refs []*segment.Schema, tags []string) []*segment.Schema {
	keep := make(map[string]bool, len(tags))
	for _, tag := range tags {
		keep[tag] = true
	}
	var out []*segment.Schema
	for _, ref := range refs {
		if keep[ref.PartitionTag] {
			out = append(out, ref)
		}
	}
	return out
}

func (s *server) delete(w http.ResponseWriter, r *http.Request, req *wire.DeleteRequest, col *collection) {
	// tombstones apply to sealed segments; seal first so rows
	// still in the growing buffer are reachable
	sealed, err := s.pipeline.Flush(col.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.registerSealed(sealed)
	for _, ref := range col.segments() {
		if err := s.storage.DeleteUIDs(ref, req.IDs); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.ok(w, nil)
}

func (s *server) indexesHandler(w http.ResponseWriter, r *http.Request, col *collection) {
	switch r.Method {
	case http.MethodPost:
		var req wire.IndexRequest
		if err := wire.Decode(r.Body, &req); err != nil {
			s.fail(w, err)
			return
		}
		engine, err := wire.ParseEngineType(req.IndexType)
		if err != nil {
			s.fail(w, err)
			return
		}
		sealed, err := s.pipeline.Flush(col.Name)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.registerSealed(sealed)
		var tasks []*scheduler.Task
		for _, ref := range col.segments() {
			if ref.Engine == engine && ref.FileType == segment.Index {
				continue // already built
			}
			ref.FileType = segment.ToIndex
			tasks = append(tasks, scheduler.NewBuildTask(ref, engine))
		}
		if err := s.sched.RunAll(r.Context(), tasks); err != nil {
			s.fail(w, err)
			return
		}
		s.ok(w, nil)
	case http.MethodGet:
		type indexInfo struct {
			Status    wire.Status `json:"status"`
			IndexType string      `json:"index_type"`
		}
		engine := segment.FLAT
		for _, ref := range col.segments() {
			if ref.FileType == segment.Index {
				engine = ref.Engine
				break
			}
		}
		s.ok(w, indexInfo{Status: wire.StatusOf(nil), IndexType: engine.String()})
	case http.MethodDelete:
		for _, ref := range col.segments() {
			if ref.FileType == segment.Index {
				ref.Engine = segment.FLAT
				ref.FileType = segment.Raw
			}
		}
		s.ok(w, nil)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// taskHandler serves PUT /system/task: flush, compact, load.
func (s *server) taskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req wire.TaskRequest
	if err := wire.Decode(r.Body, &req); err != nil {
		s.fail(w, err)
		return
	}
	switch {
	case req.Flush != nil:
		names := req.Flush.CollectionNames
		if len(names) == 0 {
			names = []string{""}
		}
		for _, name := range names {
			sealed, err := s.pipeline.Flush(name)
			if err != nil {
				s.fail(w, err)
				return
			}
			s.registerSealed(sealed)
		}
		s.ok(w, nil)
	case req.Compact != nil:
		if err := s.compact(r.Context(), req.Compact.CollectionName); err != nil {
			s.fail(w, err)
			return
		}
		s.ok(w, nil)
	case req.Load != nil:
		col, err := s.catalog.get(req.Load.CollectionName)
		if err != nil {
			s.fail(w, err)
			return
		}
		if err := s.sched.WarmCache(r.Context(), col.segments()); err != nil {
			s.fail(w, err)
			return
		}
		s.ok(w, nil)
	default:
		s.fail(w, vdberr.New(vdberr.InvalidArgument, "expected a flush, compact or load payload"))
	}
}

// compact runs one merge-planner pass over a collection and
// executes the resulting groups.
func (s *server) compact(ctx context.Context, name string) error {
	col, err := s.catalog.get(name)
	if err != nil {
		return err
	}
	sealed, err := s.pipeline.Flush(name)
	if err != nil {
		return err
	}
	s.registerSealed(sealed)

	var mergeable []*segment.Schema
	for _, ref := range col.segments() {
		if ref.MergeEligible() && (ref.FileType == segment.Raw || ref.FileType == segment.NewMerge) {
			mergeable = append(mergeable, ref)
		}
	}
	holder := segment.NewHolder(mergeable...)
	planner := &merge.Planner{}
	merger := &ingest.Merger{Storage: s.storage, Logf: s.logger.Printf}
	for _, group := range planner.Plan(holder) {
		out, err := merger.ExecuteGroup(ctx, group)
		if err != nil {
			return err
		}
		col.addSegments(out)
	}
	for _, dead := range col.dropBackups() {
		if err := s.storage.Remove(dead); err != nil {
			s.logger.Printf("gc segment %s: %v", dead.FileID, err)
		}
	}
	return nil
}
