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
	"sort"
	"sync"

	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

// flatIndex is a brute-force exact index: every query scans the
// whole vector set. Train is a no-op; it is the only variant
// that never needs one. It is also the only variant that
// accepts packed binary vectors, since the binary metric family
// (Hamming/Jaccard/Tanimoto and the structure containment
// tests) is defined over raw bit rows rather than a trained
// embedding.
type flatIndex struct {
	mu        sync.RWMutex
	dimension int
	metric    segment.MetricType
	vectors   []float32 // row-major, len == n*dimension
	packed    []byte    // row-major, len == n*ceil(dimension/8), binary metrics only
}

func newFlat(dimension int, metric segment.MetricType) *flatIndex {
	return &flatIndex{dimension: dimension, metric: metric}
}

func (f *flatIndex) Variant() segment.EngineType { return segment.FLAT }

func (f *flatIndex) binary() bool {
	switch f.metric {
	case segment.Hamming, segment.Jaccard, segment.Tanimoto,
		segment.Substructure, segment.Superstructure:
		return true
	}
	return false
}

func (f *flatIndex) rowWidth() int { return (f.dimension + 7) / 8 }

func (f *flatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lenLocked()
}

func (f *flatIndex) lenLocked() int {
	if f.dimension == 0 {
		return 0
	}
	if f.binary() {
		return len(f.packed) / f.rowWidth()
	}
	return len(f.vectors) / f.dimension
}

func (f *flatIndex) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.vectors))*4 + int64(len(f.packed))
}

// Train is a no-op: FLAT needs no codebook or coarse quantizer.
func (f *flatIndex) Train(dataset *Dataset, cfg *RuntimeConfig) error { return nil }

func (f *flatIndex) AddWithoutIds(dataset *Dataset, cfg *RuntimeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.binary() != dataset.IsBinary() {
		return vdberr.New(vdberr.InvalidArgument, "flat: dataset payload does not match metric %v", f.metric)
	}
	if f.binary() {
		f.packed = append(f.packed, dataset.Binary...)
	} else {
		f.vectors = append(f.vectors, dataset.Float...)
	}
	return nil
}

func (f *flatIndex) BuildAll(dataset *Dataset, cfg *RuntimeConfig) error {
	return f.AddWithoutIds(dataset, cfg)
}

func (f *flatIndex) Query(dataset *Dataset, topk int, cfg *RuntimeConfig, blacklist *segment.DeletionBitmap) ([]float32, []int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := dataset.N
	distances := make([]float32, n*topk)
	labels := make([]int64, n*topk)
	larger := largerIsBetter(f.metric)
	total := f.lenLocked()
	for row := 0; row < n; row++ {
		cands := make([]cand, 0, total)
		if f.binary() {
			q := binaryRow(dataset, row)
			w := f.rowWidth()
			for off := 0; off < total; off++ {
				if blacklist != nil && blacklist.Test(off) {
					continue
				}
				d := distanceBinary(f.metric, q, f.packed[off*w:(off+1)*w])
				cands = append(cands, cand{offset: int64(off), dist: d})
			}
		} else {
			q := dataset.Row(row)
			for off := 0; off < total; off++ {
				if blacklist != nil && blacklist.Test(off) {
					continue
				}
				d := distance(f.metric, q, f.vectors[off*f.dimension:(off+1)*f.dimension])
				cands = append(cands, cand{offset: int64(off), dist: d})
			}
		}
		sortCandidates(cands, larger)
		fill(distances, labels, row, topk, cands)
	}
	return distances, labels, nil
}

func (f *flatIndex) Serialize(cfg *RuntimeConfig) (BinarySet, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	payload := make([]byte, 12, 12+len(f.vectors)*4+len(f.packed))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(f.dimension))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(f.metric))
	binary.LittleEndian.PutUint32(payload[8:12], uint32(f.lenLocked()))
	if f.binary() {
		payload = append(payload, f.packed...)
	} else {
		floats := make([]byte, len(f.vectors)*4)
		floatsToBytes(f.vectors, floats)
		payload = append(payload, floats...)
	}
	return BinarySet{segment.IndexFile(segment.FLAT): encodeBlob(segment.FLAT, payload)}, nil
}

func (f *flatIndex) Load(bs BinarySet) error {
	raw, err := decodeBlob(bs, segment.IndexFile(segment.FLAT), segment.FLAT)
	if err != nil {
		return err
	}
	if len(raw) < 12 {
		return vdberr.New(vdberr.InvalidArgument, "flat: truncated payload")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dimension = int(binary.LittleEndian.Uint32(raw[0:4]))
	f.metric = segment.MetricType(binary.LittleEndian.Uint32(raw[4:8]))
	if f.binary() {
		f.packed = append([]byte(nil), raw[12:]...)
		f.vectors = nil
	} else {
		f.vectors = bytesToFloats(raw[12:])
		f.packed = nil
	}
	return nil
}

// cand is one (internal offset, distance) candidate shared by
// every variant's scoring step.
type cand struct {
	offset int64
	dist   float32
}

func largerIsBetter(m segment.MetricType) bool {
	return m == segment.IP
}

func sortCandidates(cands []cand, larger bool) {
	if larger {
		sort.Slice(cands, func(i, j int) bool { return cands[i].dist > cands[j].dist })
	} else {
		sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	}
}

// fill writes up to topk candidates into row "row" of distances
// and labels, padding any remainder with -1 labels -- the
// "fewer than k neighbors available" signal the query layer
// truncates.
func fill(distances []float32, labels []int64, row, topk int, cands []cand) {
	base := row * topk
	i := 0
	for ; i < topk && i < len(cands); i++ {
		distances[base+i] = cands[i].dist
		labels[base+i] = cands[i].offset
	}
	for ; i < topk; i++ {
		labels[base+i] = -1
	}
}

func distance(m segment.MetricType, a, b []float32) float32 {
	switch m {
	case segment.IP:
		var sum float32
		for i := range a {
			sum += a[i] * b[i]
		}
		return sum
	default: // L2
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
}

func floatsToBytes(src []float32, dst []byte) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], mathFloat32bits(v))
	}
}

func bytesToFloats(src []byte) []float32 {
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = mathFloat32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}
