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

package segment

import "sync"

// Holder is a mutable working set of segment files under
// active planning for one collection+partition (spec:
// "files holder"). Its membership is disjoint across
// concurrent planners of the same collection -- callers are
// expected to construct one Holder per planning pass and
// discard it afterwards.
type Holder struct {
	mu    sync.Mutex
	files map[string]*Schema
}

// NewHolder builds a Holder seeded with files.
func NewHolder(files ...*Schema) *Holder {
	h := &Holder{files: make(map[string]*Schema, len(files))}
	for _, f := range files {
		h.files[f.FileID] = f
	}
	return h
}

// Add inserts f into the holder.
func (h *Holder) Add(f *Schema) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[f.FileID] = f
}

// UnmarkFile removes f from the holder without deleting the
// underlying segment -- it signals "leave alone" to whatever
// planner owns this holder.
func (h *Holder) UnmarkFile(f *Schema) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.files, f.FileID)
}

// Files returns a snapshot slice of the files currently held.
// The returned slice is safe to mutate (sort, filter) without
// affecting the holder.
func (h *Holder) Files() []*Schema {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Schema, 0, len(h.files))
	for _, f := range h.files {
		out = append(out, f)
	}
	return out
}

// Len reports the number of files currently in the holder.
func (h *Holder) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.files)
}
