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
	"math/rand"
	"sync"

	"github.com/annlite/annlite/heap"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

const (
	hnswM              = 16
	hnswEfConstruction = 200
	hnswEfDefault      = 64
)

// hnswIndex is the hierarchical navigable-small-world graph:
// each vector is a node linked to its M nearest neighbors per
// layer on insertion (back-links can grow a list to 2M before
// it is pruned back to the M closest), a
// geometrically-distributed top layer, and greedy descent from
// the entry point. Incremental (AddWithoutIds grows the graph
// node by node), no training phase.
type hnswIndex struct {
	mu        sync.RWMutex
	dimension int
	metric    segment.MetricType

	vectors  []float32
	levels   []int32
	links    [][][]int32 // node -> layer -> neighbor offsets
	entry    int32
	maxLevel int32
	rng      *rand.Rand
}

func newHNSW(dimension int, metric segment.MetricType) *hnswIndex {
	return &hnswIndex{
		dimension: dimension,
		metric:    metric,
		entry:     -1,
		maxLevel:  -1,
		// fixed seed: level assignment only needs the right
		// distribution, and determinism keeps tests stable
		rng: rand.New(rand.NewSource(0x6e737731)),
	}
}

func (h *hnswIndex) Variant() segment.EngineType { return segment.HNSW }

func (h *hnswIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.levels)
}

func (h *hnswIndex) Size() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := int64(len(h.vectors)+len(h.levels)) * 4
	for _, layers := range h.links {
		for _, l := range layers {
			n += int64(len(l)) * 4
		}
	}
	return n
}

// Train is a no-op: HNSW has no codebooks to fit.
func (h *hnswIndex) Train(dataset *Dataset, cfg *RuntimeConfig) error { return nil }

// sdist is the internal navigation score: smaller is always
// better. Larger-is-better metrics are negated here and
// un-negated when results are emitted.
func (h *hnswIndex) sdist(a, b []float32) float32 {
	d := distance(h.metric, a, b)
	if largerIsBetter(h.metric) {
		return -d
	}
	return d
}

func (h *hnswIndex) row(off int32) []float32 {
	return h.vectors[int(off)*h.dimension : (int(off)+1)*h.dimension]
}

func (h *hnswIndex) randomLevel() int32 {
	// geometric distribution with level multiplier 1/ln(M):
	// a node reaches level l with probability M^-l
	mult := 1 / math.Log(float64(hnswM))
	return int32(-math.Log(h.rng.Float64()) * mult)
}

func (h *hnswIndex) AddWithoutIds(dataset *Dataset, cfg *RuntimeConfig) error {
	if dataset.IsBinary() {
		return vdberr.New(vdberr.IndexNotSupported, "HNSW: binary vectors not supported")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < dataset.N; i++ {
		h.insertLocked(dataset.Row(i))
	}
	return nil
}

func (h *hnswIndex) BuildAll(dataset *Dataset, cfg *RuntimeConfig) error {
	return h.AddWithoutIds(dataset, cfg)
}

func (h *hnswIndex) insertLocked(vec []float32) {
	off := int32(len(h.levels))
	level := h.randomLevel()
	h.vectors = append(h.vectors, vec...)
	h.levels = append(h.levels, level)
	layers := make([][]int32, level+1)
	h.links = append(h.links, layers)

	if h.entry < 0 {
		h.entry = off
		h.maxLevel = level
		return
	}
	cur := h.entry
	// greedy descent through layers above the insertion level
	for l := h.maxLevel; l > level; l-- {
		cur = h.greedyClosest(vec, cur, l)
	}
	top := level
	if top > h.maxLevel {
		top = h.maxLevel
	}
	for l := top; l >= 0; l-- {
		found := h.searchLayerLocked(vec, cur, hnswEfConstruction, l, nil)
		neighbors := selectNearest(found, hnswM)
		h.links[off][l] = neighbors
		for _, nb := range neighbors {
			h.links[nb][l] = append(h.links[nb][l], off)
			if len(h.links[nb][l]) > hnswM*2 {
				h.pruneLocked(nb, l)
			}
		}
		if len(found) > 0 {
			cur = found[0].offset32()
		}
	}
	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = off
	}
}

// pruneLocked trims node nb's layer-l neighbor list back to the
// M closest.
func (h *hnswIndex) pruneLocked(nb int32, l int32) {
	base := h.row(nb)
	cands := make([]cand, 0, len(h.links[nb][l]))
	for _, o := range h.links[nb][l] {
		cands = append(cands, cand{offset: int64(o), dist: h.sdist(base, h.row(o))})
	}
	sortCandidates(cands, false)
	h.links[nb][l] = selectNearest(cands, hnswM)
}

// greedyClosest walks layer l links greedily toward vec.
func (h *hnswIndex) greedyClosest(vec []float32, start int32, l int32) int32 {
	cur := start
	curDist := h.sdist(vec, h.row(cur))
	for {
		improved := false
		for _, nb := range h.links[cur][l] {
			if d := h.sdist(vec, h.row(nb)); d < curDist {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayerLocked is the ef-bounded best-first search over one
// layer. Results come back sorted best-first. Blacklisted nodes
// are traversed (their links still matter) but never emitted.
func (h *hnswIndex) searchLayerLocked(vec []float32, entry int32, ef int, l int32, blacklist *segment.DeletionBitmap) []cand {
	visited := map[int32]bool{entry: true}
	start := cand{offset: int64(entry), dist: h.sdist(vec, h.row(entry))}
	// candidates: best-first frontier; results: bounded, worst at root
	frontier := []cand{start}
	better := func(a, b cand) bool { return a.dist < b.dist }
	worse := func(a, b cand) bool { return a.dist > b.dist }
	var results []cand
	if blacklist == nil || !blacklist.Test(int(entry)) {
		results = append(results, start)
	}
	for len(frontier) > 0 {
		c := heap.PopSlice(&frontier, better)
		if len(results) >= ef && c.dist > results[0].dist {
			break
		}
		for _, nb := range h.links[c.offset32()][l] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := h.sdist(vec, h.row(nb))
			if len(results) < ef || d < results[0].dist {
				heap.PushSlice(&frontier, cand{offset: int64(nb), dist: d}, better)
				if blacklist == nil || !blacklist.Test(int(nb)) {
					heap.PushSlice(&results, cand{offset: int64(nb), dist: d}, worse)
					if len(results) > ef {
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

func (c cand) offset32() int32 { return int32(c.offset) }

// selectNearest keeps the first m candidate offsets (cands are
// already sorted best-first).
func selectNearest(cands []cand, m int) []int32 {
	if len(cands) > m {
		cands = cands[:m]
	}
	out := make([]int32, len(cands))
	for i, c := range cands {
		out[i] = c.offset32()
	}
	return out
}

func (h *hnswIndex) Query(dataset *Dataset, topk int, cfg *RuntimeConfig, blacklist *segment.DeletionBitmap) ([]float32, []int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := dataset.N
	distances := make([]float32, n*topk)
	labels := make([]int64, n*topk)
	if h.entry < 0 {
		for i := range labels {
			labels[i] = -1
		}
		return distances, labels, nil
	}
	ef := hnswEfDefault
	if cfg != nil && cfg.Ef > 0 {
		ef = cfg.Ef
	}
	if ef < topk {
		ef = topk
	}
	larger := largerIsBetter(h.metric)
	for row := 0; row < n; row++ {
		q := dataset.Row(row)
		cur := h.entry
		for l := h.maxLevel; l > 0; l-- {
			cur = h.greedyClosest(q, cur, l)
		}
		found := h.searchLayerLocked(q, cur, ef, 0, blacklist)
		if larger {
			// un-negate the navigation scores back to the
			// metric's native value
			for i := range found {
				found[i].dist = -found[i].dist
			}
		}
		fill(distances, labels, row, topk, found)
	}
	return distances, labels, nil
}

func (h *hnswIndex) Serialize(cfg *RuntimeConfig) (BinarySet, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := len(h.levels)
	payload := make([]byte, 0, 24+len(h.vectors)*4)
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(h.dimension))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(h.metric))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(count))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(h.entry))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(h.maxLevel))
	payload = append(payload, hdr...)
	payload = appendFloats(payload, h.vectors)
	payload = putInt32s(payload, h.levels)
	for _, layers := range h.links {
		for _, l := range layers {
			payload = binary.LittleEndian.AppendUint32(payload, uint32(len(l)))
			payload = putInt32s(payload, l)
		}
	}
	return BinarySet{segment.IndexFile(segment.HNSW): encodeBlob(segment.HNSW, payload)}, nil
}

func (h *hnswIndex) Load(bs BinarySet) error {
	raw, err := decodeBlob(bs, segment.IndexFile(segment.HNSW), segment.HNSW)
	if err != nil {
		return err
	}
	if len(raw) < 24 {
		return vdberr.New(vdberr.InvalidArgument, "HNSW: truncated payload")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dimension = int(binary.LittleEndian.Uint32(raw[0:4]))
	h.metric = segment.MetricType(binary.LittleEndian.Uint32(raw[4:8]))
	count := int(binary.LittleEndian.Uint32(raw[8:12]))
	h.entry = int32(binary.LittleEndian.Uint32(raw[12:16]))
	h.maxLevel = int32(binary.LittleEndian.Uint32(raw[16:20]))
	p := raw[24:]
	h.vectors, p = takeFloats(p, count*h.dimension)
	h.levels = getInt32s(p, count)
	p = p[count*4:]
	h.links = make([][][]int32, count)
	for i := 0; i < count; i++ {
		layers := make([][]int32, h.levels[i]+1)
		for l := range layers {
			ln := int(binary.LittleEndian.Uint32(p))
			p = p[4:]
			layers[l] = getInt32s(p, ln)
			p = p[ln*4:]
		}
		h.links[i] = layers
	}
	return nil
}
