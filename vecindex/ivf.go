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

	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

const (
	defaultNlist  = 64
	defaultNprobe = 8
	// kmeansRounds bounds Lloyd iterations during Train; the
	// coarse quantizer only needs to be roughly balanced, not
	// converged.
	kmeansRounds = 10
	pqCodebook   = 256 // 8-bit codes
)

// ivfIndex is the inverted-file family: a k-means coarse
// quantizer partitions the space into nlist cells, and each
// vector is stored in the inverted list of its nearest
// centroid. Queries probe only the nprobe nearest cells.
// Residual storage per cell is the variant knob: full float32
// rows (IVFFLAT), per-dimension 8-bit scalar quantization
// (IVFSQ8), or product quantization codes (IVFPQ).
type ivfIndex struct {
	mu        sync.RWMutex
	variant   segment.EngineType
	dimension int
	metric    segment.MetricType

	trained   bool
	nlist     int
	centroids []float32 // nlist*dimension
	lists     [][]int32 // internal offsets per cell
	count     int

	// IVFFLAT rows, indexed by internal offset.
	vectors []float32
	// IVFSQ8/IVFPQ codes, indexed by internal offset.
	codes []byte

	// SQ8 per-dimension affine decode params:
	// value = sqMin[d] + code/255 * sqDiff[d].
	sqMin  []float32
	sqDiff []float32

	// PQ: m subspaces of dsub dims each, 256 centroids per
	// subspace, flattened [m][256][dsub].
	pqM         int
	pqCodebooks []float32
}

func newIVF(variant segment.EngineType, dimension int, metric segment.MetricType) *ivfIndex {
	return &ivfIndex{variant: variant, dimension: dimension, metric: metric}
}

func (ix *ivfIndex) Variant() segment.EngineType { return ix.variant }

func (ix *ivfIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

func (ix *ivfIndex) Size() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := int64(len(ix.centroids)+len(ix.vectors)+len(ix.sqMin)+len(ix.sqDiff)+len(ix.pqCodebooks)) * 4
	n += int64(len(ix.codes))
	for _, l := range ix.lists {
		n += int64(len(l)) * 4
	}
	return n
}

// codeWidth is the per-row byte width of the codes buffer.
func (ix *ivfIndex) codeWidth() int {
	if ix.variant == segment.IVFPQ {
		return ix.pqM
	}
	return ix.dimension
}

// Train fits the coarse quantizer (and, per variant, the SQ8
// range or PQ codebooks) on dataset. It must be called before
// AddWithoutIds.
func (ix *ivfIndex) Train(dataset *Dataset, cfg *RuntimeConfig) error {
	if dataset.IsBinary() {
		return vdberr.New(vdberr.IndexNotSupported, "%v: binary vectors not supported", ix.variant)
	}
	if dataset.N == 0 {
		return vdberr.New(vdberr.InvalidArgument, "%v: empty training set", ix.variant)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	nlist := defaultNlist
	if nlist > dataset.N {
		nlist = dataset.N
	}
	ix.nlist = nlist
	ix.centroids = kmeans(dataset.Float, dataset.N, ix.dimension, nlist, kmeansRounds)
	ix.lists = make([][]int32, nlist)
	switch ix.variant {
	case segment.IVFSQ8:
		ix.trainSQ8(dataset)
	case segment.IVFPQ:
		if err := ix.trainPQ(dataset, cfg); err != nil {
			return err
		}
	}
	ix.trained = true
	return nil
}

func (ix *ivfIndex) trainSQ8(dataset *Dataset) {
	d := ix.dimension
	ix.sqMin = make([]float32, d)
	ix.sqDiff = make([]float32, d)
	for j := 0; j < d; j++ {
		lo, hi := dataset.Float[j], dataset.Float[j]
		for i := 1; i < dataset.N; i++ {
			v := dataset.Float[i*d+j]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		ix.sqMin[j] = lo
		ix.sqDiff[j] = hi - lo
	}
}

func (ix *ivfIndex) trainPQ(dataset *Dataset, cfg *RuntimeConfig) error {
	m := 0
	if cfg != nil {
		m = cfg.PQM
	}
	if m == 0 {
		// largest power-of-two subspace count <= 8 that divides
		// the dimension evenly
		for _, try := range []int{8, 4, 2, 1} {
			if ix.dimension%try == 0 {
				m = try
				break
			}
		}
	}
	if ix.dimension%m != 0 {
		return vdberr.New(vdberr.InvalidArgument, "IVFPQ: dimension %d not divisible by m=%d", ix.dimension, m)
	}
	ix.pqM = m
	dsub := ix.dimension / m
	ix.pqCodebooks = make([]float32, m*pqCodebook*dsub)
	sub := make([]float32, dataset.N*dsub)
	for s := 0; s < m; s++ {
		for i := 0; i < dataset.N; i++ {
			copy(sub[i*dsub:(i+1)*dsub], dataset.Float[i*ix.dimension+s*dsub:][:dsub])
		}
		k := pqCodebook
		if k > dataset.N {
			k = dataset.N
		}
		cb := kmeans(sub, dataset.N, dsub, k, kmeansRounds)
		copy(ix.pqCodebooks[s*pqCodebook*dsub:], cb)
	}
	return nil
}

// AddWithoutIds appends dataset's vectors, assigning contiguous
// internal offsets and routing each row to its nearest cell.
func (ix *ivfIndex) AddWithoutIds(dataset *Dataset, cfg *RuntimeConfig) error {
	if dataset.IsBinary() {
		return vdberr.New(vdberr.IndexNotSupported, "%v: binary vectors not supported", ix.variant)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.trained {
		return ErrNotTrained
	}
	d := ix.dimension
	for i := 0; i < dataset.N; i++ {
		row := dataset.Row(i)
		off := int32(ix.count)
		cell := nearestCentroid(ix.centroids, ix.nlist, d, row)
		ix.lists[cell] = append(ix.lists[cell], off)
		switch ix.variant {
		case segment.IVFFLAT:
			ix.vectors = append(ix.vectors, row...)
		case segment.IVFSQ8:
			ix.codes = append(ix.codes, ix.encodeSQ8(row)...)
		case segment.IVFPQ:
			ix.codes = append(ix.codes, ix.encodePQ(row)...)
		}
		ix.count++
	}
	return nil
}

func (ix *ivfIndex) BuildAll(dataset *Dataset, cfg *RuntimeConfig) error {
	if err := ix.Train(dataset, cfg); err != nil {
		return err
	}
	return ix.AddWithoutIds(dataset, cfg)
}

func (ix *ivfIndex) encodeSQ8(row []float32) []byte {
	out := make([]byte, len(row))
	for j, v := range row {
		diff := ix.sqDiff[j]
		if diff <= 0 {
			continue
		}
		q := (v - ix.sqMin[j]) / diff * 255
		if q < 0 {
			q = 0
		}
		if q > 255 {
			q = 255
		}
		out[j] = byte(q + 0.5)
	}
	return out
}

func (ix *ivfIndex) decodeSQ8(code []byte, dst []float32) {
	for j, c := range code {
		dst[j] = ix.sqMin[j] + float32(c)/255*ix.sqDiff[j]
	}
}

func (ix *ivfIndex) encodePQ(row []float32) []byte {
	dsub := ix.dimension / ix.pqM
	out := make([]byte, ix.pqM)
	for s := 0; s < ix.pqM; s++ {
		sub := row[s*dsub : (s+1)*dsub]
		cb := ix.pqCodebooks[s*pqCodebook*dsub:]
		best, bestDist := 0, float32(0)
		for c := 0; c < pqCodebook; c++ {
			d := l2(sub, cb[c*dsub:(c+1)*dsub])
			if c == 0 || d < bestDist {
				best, bestDist = c, d
			}
		}
		out[s] = byte(best)
	}
	return out
}

// Query probes the nprobe nearest cells and scores their lists.
func (ix *ivfIndex) Query(dataset *Dataset, topk int, cfg *RuntimeConfig, blacklist *segment.DeletionBitmap) ([]float32, []int64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.trained {
		return nil, nil, ErrNotTrained
	}
	nprobe := defaultNprobe
	if cfg != nil && cfg.Nprobe > 0 {
		nprobe = cfg.Nprobe
	}
	if nprobe > ix.nlist {
		nprobe = ix.nlist
	}
	n := dataset.N
	d := ix.dimension
	larger := largerIsBetter(ix.metric)
	distances := make([]float32, n*topk)
	labels := make([]int64, n*topk)
	decoded := make([]float32, d)
	for row := 0; row < n; row++ {
		q := dataset.Row(row)
		cells := nearestCells(ix.centroids, ix.nlist, d, q, nprobe)
		var lut []float32
		if ix.variant == segment.IVFPQ {
			lut = ix.pqLUT(q)
		}
		acc := newTopkAcc(topk, larger)
		for _, cell := range cells {
			for _, off := range ix.lists[cell] {
				if blacklist != nil && blacklist.Test(int(off)) {
					continue
				}
				var dist float32
				switch ix.variant {
				case segment.IVFFLAT:
					dist = distance(ix.metric, q, ix.vectors[int(off)*d:(int(off)+1)*d])
				case segment.IVFSQ8:
					ix.decodeSQ8(ix.codes[int(off)*d:(int(off)+1)*d], decoded)
					dist = distance(ix.metric, q, decoded)
				case segment.IVFPQ:
					dist = ix.pqDistance(lut, ix.codes[int(off)*ix.pqM:(int(off)+1)*ix.pqM])
				}
				acc.push(int64(off), dist)
			}
		}
		fill(distances, labels, row, topk, acc.results())
	}
	return distances, labels, nil
}

// pqLUT precomputes, for one query, the partial L2 distance
// from each query subvector to every codebook centroid, so
// scoring one code is m table lookups.
func (ix *ivfIndex) pqLUT(q []float32) []float32 {
	dsub := ix.dimension / ix.pqM
	lut := make([]float32, ix.pqM*pqCodebook)
	for s := 0; s < ix.pqM; s++ {
		sub := q[s*dsub : (s+1)*dsub]
		cb := ix.pqCodebooks[s*pqCodebook*dsub:]
		for c := 0; c < pqCodebook; c++ {
			lut[s*pqCodebook+c] = l2(sub, cb[c*dsub:(c+1)*dsub])
		}
	}
	return lut
}

func (ix *ivfIndex) pqDistance(lut []float32, code []byte) float32 {
	var sum float32
	for s, c := range code {
		sum += lut[s*pqCodebook+int(c)]
	}
	return sum
}

func (ix *ivfIndex) Serialize(cfg *RuntimeConfig) (BinarySet, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	payload := make([]byte, 0, 64+len(ix.centroids)*4+len(ix.codes)+len(ix.vectors)*4)
	hdr := make([]byte, 28)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(ix.dimension))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(ix.metric))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(ix.nlist))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(ix.count))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(ix.pqM))
	flags := uint32(0)
	if ix.trained {
		flags = 1
	}
	binary.LittleEndian.PutUint32(hdr[20:24], flags)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(ix.variant))
	payload = append(payload, hdr...)
	payload = appendFloats(payload, ix.centroids)
	for _, l := range ix.lists {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(l)))
		payload = putInt32s(payload, l)
	}
	switch ix.variant {
	case segment.IVFFLAT:
		payload = appendFloats(payload, ix.vectors)
	case segment.IVFSQ8:
		payload = appendFloats(payload, ix.sqMin)
		payload = appendFloats(payload, ix.sqDiff)
		payload = append(payload, ix.codes...)
	case segment.IVFPQ:
		payload = appendFloats(payload, ix.pqCodebooks)
		payload = append(payload, ix.codes...)
	}
	return BinarySet{segment.IndexFile(ix.variant): encodeBlob(ix.variant, payload)}, nil
}

func (ix *ivfIndex) Load(bs BinarySet) error {
	raw, err := decodeBlob(bs, segment.IndexFile(ix.variant), ix.variant)
	if err != nil {
		return err
	}
	if len(raw) < 28 {
		return vdberr.New(vdberr.InvalidArgument, "%v: truncated payload", ix.variant)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dimension = int(binary.LittleEndian.Uint32(raw[0:4]))
	ix.metric = segment.MetricType(binary.LittleEndian.Uint32(raw[4:8]))
	ix.nlist = int(binary.LittleEndian.Uint32(raw[8:12]))
	ix.count = int(binary.LittleEndian.Uint32(raw[12:16]))
	ix.pqM = int(binary.LittleEndian.Uint32(raw[16:20]))
	ix.trained = binary.LittleEndian.Uint32(raw[20:24])&1 != 0
	p := raw[28:]
	ix.centroids, p = takeFloats(p, ix.nlist*ix.dimension)
	ix.lists = make([][]int32, ix.nlist)
	for i := range ix.lists {
		ln := int(binary.LittleEndian.Uint32(p))
		p = p[4:]
		ix.lists[i] = getInt32s(p, ln)
		p = p[ln*4:]
	}
	switch ix.variant {
	case segment.IVFFLAT:
		ix.vectors, p = takeFloats(p, ix.count*ix.dimension)
	case segment.IVFSQ8:
		ix.sqMin, p = takeFloats(p, ix.dimension)
		ix.sqDiff, p = takeFloats(p, ix.dimension)
		ix.codes = append([]byte(nil), p[:ix.count*ix.dimension]...)
	case segment.IVFPQ:
		dsub := 0
		if ix.pqM > 0 {
			dsub = ix.dimension / ix.pqM
		}
		ix.pqCodebooks, p = takeFloats(p, ix.pqM*pqCodebook*dsub)
		ix.codes = append([]byte(nil), p[:ix.count*ix.pqM]...)
	}
	return nil
}

func appendFloats(dst []byte, src []float32) []byte {
	for _, v := range src {
		dst = binary.LittleEndian.AppendUint32(dst, mathFloat32bits(v))
	}
	return dst
}

func takeFloats(src []byte, n int) ([]float32, []byte) {
	out := make([]float32, n)
	for i := range out {
		out[i] = mathFloat32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out, src[n*4:]
}

func l2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// nearestCentroid returns the cell index whose centroid is
// L2-nearest to row.
func nearestCentroid(centroids []float32, nlist, d int, row []float32) int {
	best, bestDist := 0, float32(0)
	for c := 0; c < nlist; c++ {
		dist := l2(row, centroids[c*d:(c+1)*d])
		if c == 0 || dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best
}

// nearestCells returns the nprobe cell indices closest to q,
// nearest first.
func nearestCells(centroids []float32, nlist, d int, q []float32, nprobe int) []int32 {
	acc := newTopkAcc(nprobe, false)
	for c := 0; c < nlist; c++ {
		acc.push(int64(c), l2(q, centroids[c*d:(c+1)*d]))
	}
	res := acc.results()
	out := make([]int32, len(res))
	for i, c := range res {
		out[i] = int32(c.offset)
	}
	return out
}

// kmeans runs a bounded number of Lloyd rounds over n rows of
// width d, returning k centroids. Initialization samples rows
// at a fixed stride so results are deterministic.
func kmeans(rows []float32, n, d, k, rounds int) []float32 {
	centroids := make([]float32, k*d)
	stride := n / k
	if stride == 0 {
		stride = 1
	}
	for c := 0; c < k; c++ {
		src := (c * stride) % n
		copy(centroids[c*d:(c+1)*d], rows[src*d:(src+1)*d])
	}
	assign := make([]int, n)
	sums := make([]float32, k*d)
	counts := make([]int, k)
	for r := 0; r < rounds; r++ {
		changed := false
		for i := 0; i < n; i++ {
			cell := nearestCentroid(centroids, k, d, rows[i*d:(i+1)*d])
			if assign[i] != cell {
				assign[i] = cell
				changed = true
			}
		}
		if r > 0 && !changed {
			break
		}
		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			cell := assign[i]
			counts[cell]++
			for j := 0; j < d; j++ {
				sums[cell*d+j] += rows[i*d+j]
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				continue // keep the old centroid for empty cells
			}
			for j := 0; j < d; j++ {
				centroids[c*d+j] = sums[c*d+j] / float32(counts[c])
			}
		}
	}
	return centroids
}
