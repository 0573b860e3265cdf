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

package heap

import (
	"math/rand"
	"sort"
	"testing"
)

func TestPushPopSorts(t *testing.T) {
	less := func(a, b int) bool { return a < b }
	rng := rand.New(rand.NewSource(1))
	var h []int
	for i := 0; i < 1000; i++ {
		PushSlice(&h, rng.Int(), less)
	}
	drained := make([]int, 0, 1000)
	for len(h) > 0 {
		drained = append(drained, PopSlice(&h, less))
	}
	if !sort.IntsAreSorted(drained) {
		t.Fatal("pop order not sorted")
	}
}

func TestFixSlice(t *testing.T) {
	less := func(a, b int) bool { return a < b }
	rng := rand.New(rand.NewSource(2))
	var h []int
	for i := 0; i < 100; i++ {
		PushSlice(&h, rng.Intn(1000)+100, less)
	}
	// overwrite an interior element with a new minimum
	h[len(h)/2] = 1
	FixSlice(h, len(h)/2, less)
	if got := PopSlice(&h, less); got != 1 {
		t.Fatalf("min after FixSlice: got %d, want 1", got)
	}
	prev := 0
	for len(h) > 0 {
		v := PopSlice(&h, less)
		if v < prev {
			t.Fatalf("heap order violated: %d after %d", v, prev)
		}
		prev = v
	}
}
