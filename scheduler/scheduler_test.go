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
	"testing"
	"time"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
)

// fakeStorage serves artifacts from memory and can be told to
// fail or panic to exercise the worker's failure paths.
type fakeStorage struct {
	mu        sync.Mutex
	arts      map[string]*Artifact
	raws      map[string]*vecindex.Dataset
	written   map[string]vecindex.BinarySet
	failLoads int // LoadArtifact errors this many times first
	panicRaw  bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		arts:    make(map[string]*Artifact),
		raws:    make(map[string]*vecindex.Dataset),
		written: make(map[string]vecindex.BinarySet),
	}
}

func (f *fakeStorage) LoadArtifact(ref *segment.Schema) (*Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLoads > 0 {
		f.failLoads--
		return nil, vdberr.New(vdberr.Internal, "injected load failure")
	}
	art, ok := f.arts[ref.FileID]
	if !ok {
		return nil, vdberr.New(vdberr.NotFound, "segment %s", ref.FileID)
	}
	return art, nil
}

func (f *fakeStorage) LoadRaw(ref *segment.Schema) (*vecindex.Dataset, error) {
	if f.panicRaw {
		panic("injected worker panic")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ds, ok := f.raws[ref.FileID]
	if !ok {
		return nil, vdberr.New(vdberr.NotFound, "segment %s", ref.FileID)
	}
	return ds, nil
}

func (f *fakeStorage) WriteIndex(ref *segment.Schema, bs vecindex.BinarySet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[ref.FileID] = bs
	return nil
}

// flatArtifact builds a queryable FLAT artifact over the given
// rows with the given external uids.
func flatArtifact(t *testing.T, dim int, rows []float32, uids []int64) *Artifact {
	t.Helper()
	ix, err := vecindex.New(segment.FLAT, dim, segment.L2)
	if err != nil {
		t.Fatal(err)
	}
	n := len(rows) / dim
	err = ix.(vecindex.Builder).BuildAll(&vecindex.Dataset{N: n, Dimension: dim, Float: rows}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &Artifact{Index: ix, UIDs: uids, Deletions: segment.NewDeletionBitmap(n)}
}

func flatRef(engine segment.EngineType) *segment.Schema {
	return &segment.Schema{
		FileID:              segment.NewFileID(),
		CollectionID:        "c1",
		Dimension:           8,
		Metric:              segment.L2,
		Engine:              engine,
		FileSize:            1 << 20,
		IndexFileSizeTarget: 1 << 30,
		RowCount:            2,
		FileType:            segment.Raw,
	}
}

func gpuTestConfig() *config.Config {
	cfg := config.Default()
	cfg.GPU.Enable = true
	cfg.GPU.GPUSearchThreshold = 1000
	cfg.GPU.SearchDevices = []int{0, 1}
	return cfg
}

func newTestScheduler(t *testing.T, cfg *config.Config, storage Storage) *Scheduler {
	t.Helper()
	s, err := New(config.NewStore(cfg), storage)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestInsertAndSearch(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.FLAT)
	rows := make([]float32, 2*8)
	rows[0] = 1
	rows[9] = 1
	storage.arts[ref.FileID] = flatArtifact(t, 8, rows, []int64{10, 20})

	s := newTestScheduler(t, config.Default(), storage)
	q := make([]float32, 8)
	q[0] = 1
	task := NewSearchTask(ref, &vecindex.Dataset{N: 1, Dimension: 8, Float: q}, 1, nil)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := task.Result()
	if res.UIDs[0] != 10 || res.Distances[0] != 0 {
		t.Fatalf("got (%d, %f), want (10, 0.0)", res.UIDs[0], res.Distances[0])
	}
	if task.State() != StateCompleted {
		t.Errorf("state: %v", task.State())
	}
}

func TestGPURoutingThreshold(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.FLAT)
	rows := make([]float32, 2*8)
	storage.arts[ref.FileID] = flatArtifact(t, 8, rows, []int64{1, 2})
	s := newTestScheduler(t, gpuTestConfig(), storage)

	query := func(nq int) *Task {
		ds := &vecindex.Dataset{N: nq, Dimension: 8, Float: make([]float32, nq*8)}
		return NewSearchTask(ref, ds, 10, nil)
	}
	ctx := context.Background()

	small := query(500)
	if err := s.Submit(small); err != nil {
		t.Fatal(err)
	}
	if err := small.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if small.Label() != CPULabel {
		t.Errorf("nq=500: routed to %v, want cpu", small.Label())
	}

	// above threshold: round-robin across search_devices
	first, second := query(5000), query(5000)
	if err := s.RunAll(ctx, []*Task{first, second}); err != nil {
		t.Fatal(err)
	}
	if first.Label() != (Label{Type: GPUResource, GPUID: 0}) {
		t.Errorf("first large search: routed to %v, want gpu0", first.Label())
	}
	if second.Label() != (Label{Type: GPUResource, GPUID: 1}) {
		t.Errorf("second large search: routed to %v, want gpu1", second.Label())
	}

	// oversized topk forces CPU regardless of nq
	big := query(5000)
	big.TopK = maxGPUTopK + 1
	if err := s.Submit(big); err != nil {
		t.Fatal(err)
	}
	big.Wait(ctx)
	if big.Label() != CPULabel {
		t.Errorf("huge topk: routed to %v, want cpu", big.Label())
	}
}

func TestIVFPassPrefersResidentGPU(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.IVFFLAT)
	s := newTestScheduler(t, gpuTestConfig(), storage)

	// warm gpu1's cache with the artifact
	gpu1 := s.Pool().GPUByID(1)
	gpu1.Cache.Insert(artifactKey(ref), &Artifact{}, 1)

	ds := &vecindex.Dataset{N: 5000, Dimension: 8, Float: make([]float32, 5000*8)}
	task := NewSearchTask(ref, ds, 10, nil)
	r := s.place(task)
	if r == nil || r.Label.GPUID != 1 || r.Label.Type != GPUResource {
		t.Fatalf("placed on %v, want gpu1 (cache residency)", r)
	}
}

func TestIVFPassKeepsHugeColdSegmentsOnCPU(t *testing.T) {
	s := newTestScheduler(t, gpuTestConfig(), newFakeStorage())
	ref := flatRef(segment.IVFFLAT)
	ref.FileSize = 1 << 45 // far beyond the transfer budget
	ds := &vecindex.Dataset{N: 5000, Dimension: 8, Float: make([]float32, 5000*8)}
	task := NewSearchTask(ref, ds, 10, nil)
	r := s.place(task)
	if r == nil || r.Label != CPULabel {
		t.Fatalf("placed on %v, want cpu (ship cost)", r)
	}
}

func TestBuildTask(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.FLAT)
	ref.FileType = segment.ToIndex
	storage.raws[ref.FileID] = &vecindex.Dataset{
		N: 64, Dimension: 8, Float: make([]float32, 64*8),
	}
	s := newTestScheduler(t, config.Default(), storage)
	task := NewBuildTask(ref, segment.IVFFLAT)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := storage.written[ref.FileID]; !ok {
		t.Fatal("built index never written")
	}
	if ref.FileType != segment.Index || ref.Engine != segment.IVFFLAT {
		t.Errorf("segment not promoted: type=%v engine=%v", ref.FileType, ref.Engine)
	}
}

func TestLoadRetriesOnce(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.FLAT)
	storage.arts[ref.FileID] = flatArtifact(t, 8, make([]float32, 8), []int64{5})
	storage.failLoads = 1
	s := newTestScheduler(t, config.Default(), storage)
	task := NewSearchTask(ref, &vecindex.Dataset{N: 1, Dimension: 8, Float: make([]float32, 8)}, 1, nil)
	s.Submit(task)
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("single load failure should be retried: %v", err)
	}

	storage.failLoads = 2
	ref2 := flatRef(segment.FLAT)
	storage.arts[ref2.FileID] = storage.arts[ref.FileID]
	task2 := NewSearchTask(ref2, &vecindex.Dataset{N: 1, Dimension: 8, Float: make([]float32, 8)}, 1, nil)
	s.Submit(task2)
	if err := task2.Wait(context.Background()); err == nil {
		t.Fatal("double load failure should fail the task")
	}
	if task2.State() != StateFailed {
		t.Errorf("state: %v", task2.State())
	}
}

func TestDeadlineBeforeDispatch(t *testing.T) {
	s := newTestScheduler(t, config.Default(), newFakeStorage())
	task := NewSearchTask(flatRef(segment.FLAT), &vecindex.Dataset{N: 1, Dimension: 8, Float: make([]float32, 8)}, 1, nil)
	task.Deadline = time.Now().Add(-time.Second)
	err := s.Submit(task)
	if vdberr.KindOf(err) != vdberr.Cancelled {
		t.Fatalf("got %v, want Cancelled", err)
	}
	if task.State() != StateCancelled {
		t.Errorf("state: %v", task.State())
	}
}

func TestWorkerPanicMarksUnhealthy(t *testing.T) {
	storage := newFakeStorage()
	storage.panicRaw = true
	ref := flatRef(segment.FLAT)
	s := newTestScheduler(t, config.Default(), storage)
	task := NewBuildTask(ref, segment.FLAT)
	if err := s.Submit(task); err != nil {
		t.Fatal(err)
	}
	if err := task.Wait(context.Background()); vdberr.KindOf(err) != vdberr.Internal {
		t.Fatalf("got %v, want Internal from panic", err)
	}
	// the CPU worker is gone; give the unhealthy flag a moment
	deadline := time.Now().Add(time.Second)
	for s.Pool().CPU.Healthy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Pool().CPU.Healthy() {
		t.Fatal("CPU still healthy after worker panic")
	}
	// with the only fallback target unhealthy, placement fails
	next := NewBuildTask(flatRef(segment.FLAT), segment.FLAT)
	if err := s.Submit(next); vdberr.KindOf(err) != vdberr.ResourceUnavailable {
		t.Fatalf("got %v, want ResourceUnavailable", err)
	}
}

func TestJobCancellation(t *testing.T) {
	s := newTestScheduler(t, config.Default(), newFakeStorage())
	jobID := s.Jobs().NewJob()
	// the task is never submitted (Submit would hand it to a
	// worker), so record it under the job directly and cancel
	// the whole job through the table
	ref := flatRef(segment.FLAT)
	task := NewSearchTask(ref, &vecindex.Dataset{N: 1, Dimension: 8, Float: make([]float32, 8)}, 1, nil)
	task.JobID = jobID
	s.Jobs().attach(task)
	s.Jobs().Cancel(jobID)
	if err := task.Wait(context.Background()); vdberr.KindOf(err) != vdberr.Cancelled {
		t.Fatalf("got %v, want Cancelled", err)
	}
	// terminal states are sticky
	task.complete(&SearchResult{})
	if task.State() != StateCancelled {
		t.Fatal("terminal state not sticky")
	}
	if task.Result() != nil {
		t.Fatal("cancelled task acquired a result")
	}
}

func TestFIFOOrderPerResource(t *testing.T) {
	storage := newFakeStorage()
	ref := flatRef(segment.FLAT)
	storage.arts[ref.FileID] = flatArtifact(t, 8, make([]float32, 8), []int64{1})
	s := newTestScheduler(t, config.Default(), storage)

	const n = 16
	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = NewSearchTask(ref, &vecindex.Dataset{N: 1, Dimension: 8, Float: make([]float32, 8)}, 1, nil)
		if err := s.Submit(tasks[i]); err != nil {
			t.Fatal(err)
		}
	}
	// all of them run on the single CPU worker in submission
	// order, so once the last one is done every earlier one must
	// already be done too
	ctx := context.Background()
	if err := tasks[n-1].Wait(ctx); err != nil {
		t.Fatalf("task %d: %v", n-1, err)
	}
	for i, task := range tasks[:n-1] {
		done, err := task.Poll()
		if !done {
			t.Fatalf("task %d still pending after task %d finished", i, n-1)
		}
		if err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
}
