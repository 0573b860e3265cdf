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
	"sync"

	"github.com/annlite/annlite/heap"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

const (
	nsgDegree        = 32
	nsgSearchDefault = 64
)

// nsgIndex is the navigating spreading-out graph: a single-layer
// proximity graph entered through a fixed navigating node (the
// medoid). The graph is constructed in one shot over the whole
// dataset; it cannot be grown afterwards, so AddWithoutIds
// always fails with ErrNotIncremental and BuildAll is the only
// way in.
type nsgIndex struct {
	mu        sync.RWMutex
	dimension int
	metric    segment.MetricType

	vectors []float32
	links   [][]int32
	medoid  int32
	built   bool
}

func newNSG(dimension int, metric segment.MetricType) *nsgIndex {
	return &nsgIndex{dimension: dimension, metric: metric, medoid: -1}
}

func (g *nsgIndex) Variant() segment.EngineType { return segment.NSG }

func (g *nsgIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.dimension == 0 {
		return 0
	}
	return len(g.vectors) / g.dimension
}

func (g *nsgIndex) Size() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := int64(len(g.vectors)) * 4
	for _, l := range g.links {
		n += int64(len(l)) * 4
	}
	return n
}

// Train is a no-op; the whole build happens in BuildAll.
func (g *nsgIndex) Train(dataset *Dataset, cfg *RuntimeConfig) error { return nil }

// AddWithoutIds always fails: the graph is non-incremental.
func (g *nsgIndex) AddWithoutIds(dataset *Dataset, cfg *RuntimeConfig) error {
	return ErrNotIncremental
}

// BuildAll constructs the graph atomically over dataset: links
// every node to its nsgDegree nearest neighbors and picks the
// medoid (the row closest to the dataset mean) as the fixed
// entry point.
func (g *nsgIndex) BuildAll(dataset *Dataset, cfg *RuntimeConfig) error {
	if dataset.IsBinary() {
		return vdberr.New(vdberr.IndexNotSupported, "NSG: binary vectors not supported")
	}
	if dataset.N == 0 {
		return vdberr.New(vdberr.InvalidArgument, "NSG: empty build set")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.built {
		return vdberr.New(vdberr.AlreadyExists, "NSG: graph already built")
	}
	n, d := dataset.N, g.dimension
	g.vectors = append([]float32(nil), dataset.Float...)

	mean := make([]float32, d)
	for i := 0; i < n; i++ {
		row := dataset.Row(i)
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float32(n)
	}
	g.medoid = 0
	best := l2(mean, dataset.Row(0))
	for i := 1; i < n; i++ {
		if dist := l2(mean, dataset.Row(i)); dist < best {
			g.medoid, best = int32(i), dist
		}
	}

	g.links = make([][]int32, n)
	for i := 0; i < n; i++ {
		acc := newTopkAcc(nsgDegree, false)
		row := dataset.Row(i)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			acc.push(int64(j), l2(row, dataset.Row(j)))
		}
		res := acc.results()
		out := make([]int32, len(res))
		for k, c := range res {
			out[k] = int32(c.offset)
		}
		g.links[i] = out
	}
	g.built = true
	return nil
}

func (g *nsgIndex) row(off int32) []float32 {
	return g.vectors[int(off)*g.dimension : (int(off)+1)*g.dimension]
}

func (g *nsgIndex) Query(dataset *Dataset, topk int, cfg *RuntimeConfig, blacklist *segment.DeletionBitmap) ([]float32, []int64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.built {
		return nil, nil, vdberr.New(vdberr.IndexNotTrained, "NSG: graph not built")
	}
	pool := nsgSearchDefault
	if cfg != nil && cfg.SearchK > 0 {
		pool = cfg.SearchK
	}
	if pool < topk {
		pool = topk
	}
	n := dataset.N
	larger := largerIsBetter(g.metric)
	distances := make([]float32, n*topk)
	labels := make([]int64, n*topk)
	for row := 0; row < n; row++ {
		q := dataset.Row(row)
		found := g.searchLocked(q, pool, blacklist)
		if larger {
			for i := range found {
				found[i].dist = -found[i].dist
			}
		}
		fill(distances, labels, row, topk, found)
	}
	return distances, labels, nil
}

func (g *nsgIndex) sdist(a, b []float32) float32 {
	d := distance(g.metric, a, b)
	if largerIsBetter(g.metric) {
		return -d
	}
	return d
}

// searchLocked is best-first graph traversal from the medoid
// with a pool-bounded result set, the same shape as HNSW's
// single-layer search.
func (g *nsgIndex) searchLocked(q []float32, pool int, blacklist *segment.DeletionBitmap) []cand {
	better := func(a, b cand) bool { return a.dist < b.dist }
	worse := func(a, b cand) bool { return a.dist > b.dist }
	start := cand{offset: int64(g.medoid), dist: g.sdist(q, g.row(g.medoid))}
	visited := map[int32]bool{g.medoid: true}
	frontier := []cand{start}
	var results []cand
	if blacklist == nil || !blacklist.Test(int(g.medoid)) {
		results = append(results, start)
	}
	for len(frontier) > 0 {
		c := heap.PopSlice(&frontier, better)
		if len(results) >= pool && c.dist > results[0].dist {
			break
		}
		for _, nb := range g.links[c.offset32()] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := g.sdist(q, g.row(nb))
			if len(results) < pool || d < results[0].dist {
				heap.PushSlice(&frontier, cand{offset: int64(nb), dist: d}, better)
				if blacklist == nil || !blacklist.Test(int(nb)) {
					heap.PushSlice(&results, cand{offset: int64(nb), dist: d}, worse)
					if len(results) > pool {
						heap.PopSlice(&results, worse)
					}
				}
			}
		}
	}
	out := make([]cand, len(results))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.PopSlice(&results, worse)
	}
	return out
}

func (g *nsgIndex) Serialize(cfg *RuntimeConfig) (BinarySet, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	count := 0
	if g.dimension > 0 {
		count = len(g.vectors) / g.dimension
	}
	hdr := make([]byte, 20)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(g.dimension))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(g.metric))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(count))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(g.medoid))
	flags := uint32(0)
	if g.built {
		flags = 1
	}
	binary.LittleEndian.PutUint32(hdr[16:20], flags)
	payload := append([]byte(nil), hdr...)
	payload = appendFloats(payload, g.vectors)
	for _, l := range g.links {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(l)))
		payload = putInt32s(payload, l)
	}
	return BinarySet{segment.IndexFile(segment.NSG): encodeBlob(segment.NSG, payload)}, nil
}

func (g *nsgIndex) Load(bs BinarySet) error {
	raw, err := decodeBlob(bs, segment.IndexFile(segment.NSG), segment.NSG)
	if err != nil {
		return err
	}
	if len(raw) < 20 {
		return vdberr.New(vdberr.InvalidArgument, "NSG: truncated payload")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dimension = int(binary.LittleEndian.Uint32(raw[0:4]))
	g.metric = segment.MetricType(binary.LittleEndian.Uint32(raw[4:8]))
	count := int(binary.LittleEndian.Uint32(raw[8:12]))
	g.medoid = int32(binary.LittleEndian.Uint32(raw[12:16]))
	g.built = binary.LittleEndian.Uint32(raw[16:20])&1 != 0
	p := raw[20:]
	g.vectors, p = takeFloats(p, count*g.dimension)
	g.links = make([][]int32, count)
	for i := range g.links {
		ln := int(binary.LittleEndian.Uint32(p))
		p = p[4:]
		g.links[i] = getInt32s(p, ln)
		p = p[ln*4:]
	}
	return nil
}
