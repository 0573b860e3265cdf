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

// Package heap implements slice-based generic min-heap
// operations. The query layer uses these for bounded top-k
// candidate selection, where the per-candidate constant factor
// matters more than container/heap's interface indirection.
package heap

// PushSlice appends item to *x, restoring the min-heap
// invariant defined by less.
func PushSlice[T any](x *[]T, item T, less func(x, y T) bool) {
	*x = append(*x, item)
	siftUp(*x, len(*x)-1, less)
}

// PopSlice removes and returns the minimum element of *x
// under less.
func PopSlice[T any](x *[]T, less func(x, y T) bool) T {
	h := *x
	min := h[0]
	last := len(h) - 1
	h[0] = h[last]
	*x = h[:last]
	if last > 0 {
		siftDown(*x, 0, less)
	}
	return min
}

// FixSlice restores the heap invariant after x[index] has been
// modified in place, cheaper than popping and re-pushing.
func FixSlice[T any](x []T, index int, less func(x, y T) bool) {
	siftDown(x, index, less)
	siftUp(x, index, less)
}

func siftUp[T any](x []T, i int, less func(x, y T) bool) {
	for i > 0 {
		parent := (i - 1) / 2
		if less(x[parent], x[i]) {
			return
		}
		x[i], x[parent] = x[parent], x[i]
		i = parent
	}
}

func siftDown[T any](x []T, i int, less func(x, y T) bool) {
	for {
		kid := 2*i + 1
		if kid >= len(x) {
			return
		}
		if r := kid + 1; r < len(x) && less(x[r], x[kid]) {
			kid = r
		}
		if less(x[i], x[kid]) {
			return
		}
		x[i], x[kid] = x[kid], x[i]
		i = kid
	}
}
