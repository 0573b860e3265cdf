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

package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/annlite/annlite/merge"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
)

// Merger materializes the merge planner's groups: it
// concatenates the live (non-tombstoned) rows of a group's
// input segments into one new segment, then marks the inputs
// Backup so garbage collection can reclaim them later.
type Merger struct {
	// Logf, if set, receives merge logging.
	Logf func(f string, args ...any)

	Storage *DiskStorage
}

func (m *Merger) logf(f string, args ...any) {
	if m.Logf != nil {
		m.Logf(f, args...)
	}
}

// ExecuteGroup merges one group and returns the schema of the
// merged segment. Input segments are only marked Backup after
// the output is durably written, so a crash mid-merge leaves
// the inputs authoritative.
func (m *Merger) ExecuteGroup(ctx context.Context, g *merge.Group) (*segment.Schema, error) {
	if len(g.Files) < 2 {
		return nil, vdberr.New(vdberr.InvalidArgument, "merge group has %d files, want >= 2", len(g.Files))
	}
	first := g.Files[0]
	type part struct {
		ds   *vecindex.Dataset
		uids []int64
		dels *segment.DeletionBitmap
	}
	for _, ref := range g.Files {
		if ref.CollectionID != first.CollectionID || ref.PartitionTag != first.PartitionTag {
			return nil, vdberr.New(vdberr.InvalidArgument,
				"merge group mixes %s/%s with %s/%s",
				first.CollectionID, first.PartitionTag, ref.CollectionID, ref.PartitionTag)
		}
	}
	parts := make([]part, len(g.Files))
	eg, _ := errgroup.WithContext(ctx)
	for i, ref := range g.Files {
		i, ref := i, ref
		eg.Go(func() error {
			ds, err := m.Storage.LoadRaw(ref)
			if err != nil {
				return err
			}
			uids, err := m.Storage.loadUIDs(ref)
			if err != nil {
				return err
			}
			dels, err := m.Storage.Deletions(ref)
			if err != nil {
				return err
			}
			parts[i] = part{ds: ds, uids: uids, dels: dels}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := &growing{ref: &segment.Schema{
		FileID:              segment.NewFileID(),
		CollectionID:        first.CollectionID,
		PartitionTag:        first.PartitionTag,
		Dimension:           first.Dimension,
		Metric:              first.Metric,
		Engine:              segment.FLAT,
		IndexFileSizeTarget: first.IndexFileSizeTarget,
		FileType:            segment.NewMerge,
	}}
	width := (first.Dimension + 7) / 8
	for _, pt := range parts {
		for row := 0; row < pt.ds.N; row++ {
			if pt.dels.Test(row) {
				continue // compaction drops tombstoned rows
			}
			if pt.ds.IsBinary() {
				out.packed = append(out.packed, pt.ds.Binary[row*width:(row+1)*width]...)
			} else {
				out.floats = append(out.floats, pt.ds.Row(row)...)
			}
			out.uids = append(out.uids, pt.uids[row])
			out.ref.RowCount++
		}
	}
	if err := writeSegmentDir(m.Storage.Root, out); err != nil {
		return nil, err
	}
	for _, ref := range g.Files {
		ref.FileType = segment.Backup
	}
	m.logf("merged %d segments (%s) into %s: %d rows",
		len(g.Files), g.Reason, out.ref.FileID, out.ref.RowCount)
	return out.ref, nil
}
