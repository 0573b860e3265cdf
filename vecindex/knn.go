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
	"math/bits"

	"github.com/annlite/annlite/heap"
	"github.com/annlite/annlite/segment"
)

// topkAcc accumulates the k best candidates from a stream of
// scored offsets without materializing the whole candidate set.
// Internally it keeps a bounded heap ordered worst-at-root so
// each new candidate is a single comparison in the common case
// where it doesn't make the cut.
type topkAcc struct {
	k      int
	larger bool // larger distance is better (IP family)
	h      []cand
}

func newTopkAcc(k int, larger bool) *topkAcc {
	return &topkAcc{k: k, larger: larger, h: make([]cand, 0, k)}
}

// worse reports whether a scores strictly worse than b.
func (t *topkAcc) worse(a, b cand) bool {
	if t.larger {
		return a.dist < b.dist
	}
	return a.dist > b.dist
}

func (t *topkAcc) push(offset int64, dist float32) {
	c := cand{offset: offset, dist: dist}
	if len(t.h) < t.k {
		heap.PushSlice(&t.h, c, t.worse)
		return
	}
	if t.worse(c, t.h[0]) || c.dist == t.h[0].dist {
		return
	}
	t.h[0] = c
	heap.FixSlice(t.h, 0, t.worse)
}

// results drains the accumulator, best candidate first.
func (t *topkAcc) results() []cand {
	out := make([]cand, len(t.h))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.PopSlice(&t.h, t.worse)
	}
	return out
}

// binaryRow returns the i'th packed row of a binary dataset.
func binaryRow(d *Dataset, i int) []byte {
	w := (d.Dimension + 7) / 8
	return d.Binary[i*w : (i+1)*w]
}

// distanceBinary scores two packed-bit rows under the binary
// metrics. Hamming counts differing bits (smaller is better);
// Jaccard and Tanimoto are dissimilarity coefficients in [0,1];
// Substructure/Superstructure are containment tests scored 0
// (contained) or 1, so exact matches sort first.
func distanceBinary(m segment.MetricType, a, b []byte) float32 {
	switch m {
	case segment.Jaccard, segment.Tanimoto:
		var inter, union int
		for i := range a {
			inter += bits.OnesCount8(a[i] & b[i])
			union += bits.OnesCount8(a[i] | b[i])
		}
		if union == 0 {
			return 0
		}
		j := 1 - float32(inter)/float32(union)
		if m == segment.Tanimoto {
			// Tanimoto distance is -log2(similarity); keep the
			// monotone-equivalent 2j/(1+j) form used by the
			// original engine to avoid infinities on j == 1.
			return 2 * j / (1 + j)
		}
		return j
	case segment.Substructure:
		for i := range a {
			if a[i]&b[i] != a[i] {
				return 1
			}
		}
		return 0
	case segment.Superstructure:
		for i := range a {
			if a[i]&b[i] != b[i] {
				return 1
			}
		}
		return 0
	default: // Hamming
		var n int
		for i := range a {
			n += bits.OnesCount8(a[i] ^ b[i])
		}
		return float32(n)
	}
}
