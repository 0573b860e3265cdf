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
	"sync"

	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
)

// collection is one named vector collection and its sealed
// segment set.
type collection struct {
	Name          string
	Dimension     int
	Metric        segment.MetricType
	IndexFileSize int64

	mu   sync.Mutex
	refs []*segment.Schema
}

func (c *collection) segments() []*segment.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*segment.Schema(nil), c.refs...)
}

func (c *collection) addSegments(refs ...*segment.Schema) {
	c.mu.Lock()
	c.refs = append(c.refs, refs...)
	c.mu.Unlock()
}

// dropBackups removes Backup-typed segments from the live set
// and returns them for garbage collection.
func (c *collection) dropBackups() []*segment.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	var live, dead []*segment.Schema
	for _, ref := range c.refs {
		if ref.FileType == segment.Backup {
			dead = append(dead, ref)
		} else {
			live = append(live, ref)
		}
	}
	c.refs = live
	return dead
}

// catalog is the in-process collection registry. The metadata
// catalog proper is an external collaborator; this is the
// minimal in-memory stand-in the daemon needs to route
// requests.
type catalog struct {
	mu          sync.Mutex
	collections map[string]*collection
}

func newCatalog() *catalog {
	return &catalog{collections: make(map[string]*collection)}
}

func (c *catalog) create(col *collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[col.Name]; ok {
		return vdberr.New(vdberr.AlreadyExists, "collection %s", col.Name)
	}
	c.collections[col.Name] = col
	return nil
}

func (c *catalog) get(name string) (*collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, vdberr.New(vdberr.NotFound, "collection %s", name)
	}
	return col, nil
}

func (c *catalog) drop(name string) (*collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.collections[name]
	if !ok {
		return nil, vdberr.New(vdberr.NotFound, "collection %s", name)
	}
	delete(c.collections, name)
	return col, nil
}
