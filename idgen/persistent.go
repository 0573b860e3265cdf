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

package idgen

import (
	"fmt"
	"os"
	"strconv"

	"github.com/annlite/annlite/vdberr"
)

// PersistentGenerator is a Generator whose reservation
// windows are checkpointed to a file, so that a process
// restart resumes allocation after the highest id that was
// ever reserved rather than just the highest id that was
// ever handed out. This trades a little bit of id-space
// waste (up to one window's worth per restart) for a hard
// guarantee against reuse across restarts.
//
// The checkpoint file is rewritten with the write-to-temp,
// rename-into-place idiom used for cache entries elsewhere
// in this module, so a crash mid-write cannot leave a
// partially written counter behind.
type PersistentGenerator struct {
	*Generator
	path string
}

// OpenPersistent opens (or creates) a persistent generator
// backed by the file at path. If the file does not exist,
// allocation starts from zero.
func OpenPersistent(path string, window int64) (*PersistentGenerator, error) {
	pg := &PersistentGenerator{path: path}
	pg.Generator = NewWithSource(pg.readCheckpoint, window)
	return pg, nil
}

// readCheckpoint is installed as the Generator's Source; it
// is called with g.mu held, so concurrent refills cannot race
// on the checkpoint file.
func (pg *PersistentGenerator) readCheckpoint() int64 {
	data, err := os.ReadFile(pg.path)
	base := int64(0)
	if err == nil {
		base, _ = strconv.ParseInt(string(data), 10, 64)
	}
	next := base + pg.Generator.window
	if pg.Generator.window == 0 {
		next = base + DefaultWindow
	}
	if werr := pg.writeCheckpoint(next); werr != nil {
		// fall back to the in-memory value; NextBlock will
		// still hand out correct ids for this process, it's
		// only cross-restart durability that's degraded.
		return base
	}
	return base
}

func (pg *PersistentGenerator) writeCheckpoint(v int64) error {
	tmp := pg.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fmt.Sprintf("%d", v)), 0644); err != nil {
		return vdberr.Wrap(vdberr.Internal, err, "idgen: writing checkpoint")
	}
	return os.Rename(tmp, pg.path)
}
