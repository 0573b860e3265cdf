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
	"context"
	"sync"
	"time"

	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
	"github.com/google/uuid"
)

// Kind discriminates the task variants.
type Kind int

const (
	SearchTask Kind = iota
	BuildTask
	LoadTask
)

func (k Kind) String() string {
	switch k {
	case BuildTask:
		return "build"
	case LoadTask:
		return "load"
	default:
		return "search"
	}
}

// State is the task lifecycle:
// New -> Scheduled -> Loading -> Executing -> Completed|Failed|Cancelled.
// Terminal states are sticky.
type State int

const (
	StateNew State = iota
	StateScheduled
	StateLoading
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateLoading:
		return "loading"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "new"
	}
}

func (s State) terminal() bool {
	return s >= StateCompleted
}

// SearchResult is a completed search task's output: row-major
// topk (uid, distance) pairs with -1 uids marking truncation.
type SearchResult struct {
	Distances []float32
	UIDs      []int64
	TopK      int
	NQ        int
}

// Task is the scheduler's unit of work. Construct with
// NewSearchTask/NewBuildTask/NewLoadTask, submit through
// Scheduler.Submit, then Wait (or Poll) on it.
type Task struct {
	ID      string
	Kind    Kind
	Segment *segment.Schema

	// search fields
	Query  *vecindex.Dataset
	TopK   int
	Params *vecindex.RuntimeConfig

	// build fields
	IndexSpec segment.EngineType

	// load fields: Device is only meaningful for LoadTask,
	// which pins the artifact on a specific resource.
	Device Label

	// JobID groups tasks belonging to one logical operation
	// (e.g. the per-segment fan-out of a single query) so the
	// job table can cancel them together.
	JobID string

	// Deadline, if nonzero, drops the task with Cancelled when
	// it expires before dispatch. Once executing, cancellation
	// is best-effort.
	Deadline time.Time

	// label is assigned by the placement passes.
	label Label

	mu     sync.Mutex
	state  State
	result *SearchResult
	err    error
	done   chan struct{}
}

func newTask(kind Kind, ref *segment.Schema) *Task {
	return &Task{
		ID:      uuid.NewString(),
		Kind:    kind,
		Segment: ref,
		done:    make(chan struct{}),
	}
}

// NewSearchTask builds a top-k search over one segment.
func NewSearchTask(ref *segment.Schema, query *vecindex.Dataset, topk int, params *vecindex.RuntimeConfig) *Task {
	t := newTask(SearchTask, ref)
	t.Query = query
	t.TopK = topk
	t.Params = params
	return t
}

// NewBuildTask builds an index of the given spec over a
// segment's raw vectors.
func NewBuildTask(ref *segment.Schema, spec segment.EngineType) *Task {
	t := newTask(BuildTask, ref)
	t.IndexSpec = spec
	return t
}

// NewLoadTask warms the device cache of the target resource
// with a segment's index.
func NewLoadTask(ref *segment.Schema, device Label) *Task {
	t := newTask(LoadTask, ref)
	t.Device = device
	return t
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Label returns the resource label assigned by placement.
func (t *Task) Label() Label {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.label
}

// transition moves the task to next unless it is already in a
// terminal state. It reports whether the transition applied.
func (t *Task) transition(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return false
	}
	t.state = next
	if next.terminal() {
		close(t.done)
	}
	return true
}

func (t *Task) complete(res *SearchResult) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.result = res
	t.state = StateCompleted
	close(t.done)
	t.mu.Unlock()
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.err = err
	t.state = StateFailed
	close(t.done)
	t.mu.Unlock()
}

func (t *Task) cancel(err error) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.err = err
	t.state = StateCancelled
	close(t.done)
	t.mu.Unlock()
}

// expired reports whether the task's deadline has passed.
func (t *Task) expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Wait blocks until the task reaches a terminal state or ctx is
// done, then returns the task's error, if any.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ctx.Done():
		return vdberr.Wrap(vdberr.DeadlineExceeded, ctx.Err(), "waiting for task %s", t.ID)
	}
}

// Poll reports whether the task has finished, without blocking.
func (t *Task) Poll() (done bool, err error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return true, t.err
	default:
		return false, nil
	}
}

// Result returns the search result; nil until the task
// completes, and always nil for build/load tasks.
func (t *Task) Result() *SearchResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}
