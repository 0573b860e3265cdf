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

package scheduler

import (
	"sync"

	"github.com/annlite/annlite/vdberr"
	"github.com/google/uuid"
)

// JobTable groups tasks that belong to one logical operation,
// such as the per-segment fan-out of a single query. Tasks
// carry only the job id; the table owns the reverse mapping, so
// there is no task->job pointer cycle to manage.
type JobTable struct {
	mu   sync.Mutex
	jobs map[string][]*Task
}

// NewJobTable builds an empty table.
func NewJobTable() *JobTable {
	return &JobTable{jobs: make(map[string][]*Task)}
}

// NewJob mints a fresh job id.
func (j *JobTable) NewJob() string {
	return uuid.NewString()
}

// attach records t under its job id, if it has one.
func (j *JobTable) attach(t *Task) {
	if t.JobID == "" {
		return
	}
	j.mu.Lock()
	j.jobs[t.JobID] = append(j.jobs[t.JobID], t)
	j.mu.Unlock()
}

// Tasks returns the tasks recorded under a job id.
func (j *JobTable) Tasks(jobID string) []*Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Task(nil), j.jobs[jobID]...)
}

// Cancel marks every not-yet-terminal task of the job
// Cancelled. Tasks already executing finish on their own
// (cancellation is best-effort once a kernel is running); the
// worker discards their transition since terminal states are
// sticky.
func (j *JobTable) Cancel(jobID string) {
	for _, t := range j.Tasks(jobID) {
		t.cancel(vdberr.New(vdberr.Cancelled, "job %s cancelled", jobID))
	}
}

// Forget drops a completed job's bookkeeping.
func (j *JobTable) Forget(jobID string) {
	j.mu.Lock()
	delete(j.jobs, jobID)
	j.mu.Unlock()
}
