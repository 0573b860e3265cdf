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

// Package scheduler dispatches search, build and load tasks
// across a typed resource pool (one disk, one CPU, N GPUs).
// Placement runs through an ordered pass chain; each resource
// owns a FIFO queue and one worker goroutine.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/annlite/annlite/vecindex"
)

// Scheduler accepts tasks, places them via the pass chain, and
// runs them on the placed resource's worker.
type Scheduler struct {
	// Logf, if set, receives progress and failure logging.
	Logf func(f string, args ...any)

	pool    *Pool
	passes  []Pass
	storage Storage
	jobs    *JobTable

	cancelCfg func()
	quit      chan struct{}
}

// New builds a scheduler over the configuration in store,
// subscribes the device caches and pass thresholds to config
// changes, and starts one worker per resource.
func New(store *config.Store, storage Storage) (*Scheduler, error) {
	pool := NewPool(store.Current())
	passes, cancelPasses, err := NewPassChain(store, pool)
	if err != nil {
		return nil, err
	}
	cancelCaches := store.Subscribe(func(ev config.Event) error {
		pool.applyConfig(ev.New)
		return nil
	})
	s := &Scheduler{
		pool:    pool,
		passes:  passes,
		storage: storage,
		jobs:    NewJobTable(),
		cancelCfg: func() {
			cancelPasses()
			cancelCaches()
		},
		quit: make(chan struct{}),
	}
	for _, r := range pool.Resources() {
		go s.worker(r)
	}
	return s, nil
}

// Pool exposes the resource topology (read-only).
func (s *Scheduler) Pool() *Pool { return s.pool }

// Jobs exposes the job table.
func (s *Scheduler) Jobs() *JobTable { return s.jobs }

// Close stops accepting work and detaches the config
// subscriptions. Workers exit after their current task.
func (s *Scheduler) Close() {
	s.cancelCfg()
	close(s.quit)
}

func (s *Scheduler) logf(f string, args ...any) {
	if s.Logf != nil {
		s.Logf(f, args...)
	}
}

// Submit places t through the pass chain and enqueues it on the
// selected resource. Placement uses the pass configuration
// current at submission; later config changes do not re-place
// an already-queued task. If no healthy resource accepts the
// task, it fails with ResourceUnavailable.
func (s *Scheduler) Submit(t *Task) error {
	if t.expired(time.Now()) {
		err := vdberr.New(vdberr.Cancelled, "task %s expired before placement", t.ID)
		t.cancel(err)
		tasksTotal.WithLabelValues(t.Kind.String(), "cancelled").Inc()
		return err
	}
	start := time.Now()
	r := s.place(t)
	placementSeconds.Observe(time.Since(start).Seconds())
	if r == nil {
		err := vdberr.New(vdberr.ResourceUnavailable, "no resource accepts task %s (%v)", t.ID, t.Kind)
		t.fail(err)
		tasksTotal.WithLabelValues(t.Kind.String(), "failed").Inc()
		return err
	}
	t.mu.Lock()
	t.label = r.Label
	t.mu.Unlock()
	t.transition(StateScheduled)
	s.jobs.attach(t)
	r.queue <- t
	queueDepth.WithLabelValues(r.Name).Set(float64(r.QueueDepth()))
	return nil
}

// place runs the pass chain and resolves the first accepted
// label to a healthy resource. A label pointing at an unhealthy
// resource defers to the remaining passes, so the fallback
// still catches tasks orphaned by a dead GPU.
func (s *Scheduler) place(t *Task) *Resource {
	// load tasks carry their own target and skip the chain
	if t.Kind == LoadTask {
		if r := s.pool.ByLabel(t.Device); r != nil && r.Healthy() {
			return r
		}
		return nil
	}
	for _, p := range s.passes {
		label, ok := p.Route(t)
		if !ok {
			continue
		}
		r := s.pool.ByLabel(label)
		if r != nil && r.Healthy() {
			return r
		}
	}
	return nil
}

// RunAll submits every task and waits for all of them,
// returning the first failure.
func (s *Scheduler) RunAll(ctx context.Context, tasks []*Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range tasks {
		t := tasks[i]
		if err := s.Submit(t); err != nil {
			return err
		}
		g.Go(func() error { return t.Wait(ctx) })
	}
	return g.Wait()
}

// worker is a resource's dedicated execution loop. A panic in
// task execution marks the resource unhealthy, fails the
// running task, and re-places the queued remainder through the
// pass chain.
func (s *Scheduler) worker(r *Resource) {
	for {
		select {
		case <-s.quit:
			return
		case t := <-r.queue:
			queueDepth.WithLabelValues(r.Name).Set(float64(r.QueueDepth()))
			if !s.runSafely(r, t) {
				for _, orphan := range r.drain() {
					s.logf("resource %s unhealthy, re-placing task %s", r.Name, orphan.ID)
					if err := s.Submit(orphan); err != nil {
						s.logf("re-place task %s: %v", orphan.ID, err)
					}
				}
				return
			}
		}
	}
}

// runSafely executes one task, converting a panic into task
// failure. It reports whether the resource is still usable.
func (s *Scheduler) runSafely(r *Resource, t *Task) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			workerPanics.Inc()
			r.markUnhealthy()
			t.fail(vdberr.New(vdberr.Internal, "worker %s: panic: %v", r.Name, p))
			tasksTotal.WithLabelValues(t.Kind.String(), "failed").Inc()
			ok = false
		}
	}()
	s.run(r, t)
	return true
}

func (s *Scheduler) run(r *Resource, t *Task) {
	if t.expired(time.Now()) {
		t.cancel(vdberr.New(vdberr.Cancelled, "task %s expired before dispatch", t.ID))
		tasksTotal.WithLabelValues(t.Kind.String(), "cancelled").Inc()
		return
	}
	if t.State().terminal() {
		// cancelled (e.g. via the job table) while queued
		tasksTotal.WithLabelValues(t.Kind.String(), "cancelled").Inc()
		return
	}
	var err error
	switch t.Kind {
	case SearchTask:
		err = s.runSearch(r, t)
	case BuildTask:
		err = s.runBuild(r, t)
	case LoadTask:
		err = s.runLoad(r, t)
	}
	if err != nil {
		s.logf("task %s (%v) on %s: %v", t.ID, t.Kind, r.Name, err)
		t.fail(err)
		tasksTotal.WithLabelValues(t.Kind.String(), "failed").Inc()
		return
	}
	tasksTotal.WithLabelValues(t.Kind.String(), "completed").Inc()
}

// loadArtifact fetches the task's segment artifact through the
// resource's device cache. A load miss is retried once after
// reserving headroom for the incoming artifact; the second
// failure is final.
func (s *Scheduler) loadArtifact(r *Resource, t *Task) (*Artifact, func(), error) {
	t.transition(StateLoading)
	key := artifactKey(t.Segment)
	if r.Cache != nil {
		if h, ok := r.Cache.Get(key); ok {
			return h.Value().(*Artifact), h.Release, nil
		}
	}
	art, err := s.storage.LoadArtifact(t.Segment)
	if err != nil {
		if r.Cache != nil {
			r.Cache.Reserve(t.Segment.FileSize)
		}
		art, err = s.storage.LoadArtifact(t.Segment)
		if err != nil {
			return nil, nil, vdberr.Wrap(vdberr.KindOf(err), err, "segment %s: load failed twice", t.Segment.FileID)
		}
	}
	if r.Label.Type == GPUResource && vecindex.GPUSupported {
		if mv, ok := art.Index.(vecindex.GPUMovable); ok {
			gix, err := mv.CopyCpuToGpu(r.Label.GPUID, t.Params)
			if err != nil {
				return nil, nil, err
			}
			art = &Artifact{Index: gix, UIDs: art.UIDs, Deletions: art.Deletions}
		}
	}
	if r.Cache != nil {
		r.Cache.Insert(key, art, art.Size())
	}
	return art, func() {}, nil
}

func (s *Scheduler) runSearch(r *Resource, t *Task) error {
	art, release, err := s.loadArtifact(r, t)
	if err != nil {
		return err
	}
	defer release()
	t.transition(StateExecuting)
	distances, labels, err := art.Index.Query(t.Query, t.TopK, t.Params, art.Deletions)
	if err != nil {
		return err
	}
	vecindex.MapOffsetToUid(labels, art.UIDs)
	t.complete(&SearchResult{
		Distances: distances,
		UIDs:      labels,
		TopK:      t.TopK,
		NQ:        t.Query.N,
	})
	return nil
}

func (s *Scheduler) runBuild(r *Resource, t *Task) error {
	t.transition(StateLoading)
	ds, err := s.storage.LoadRaw(t.Segment)
	if err != nil {
		return err
	}
	t.transition(StateExecuting)
	ix, err := vecindex.New(t.IndexSpec, t.Segment.Dimension, t.Segment.Metric)
	if err != nil {
		return err
	}
	builder, ok := ix.(vecindex.Builder)
	if !ok {
		return vdberr.New(vdberr.IndexNotSupported, "%v: no build path", t.IndexSpec)
	}
	if err := builder.BuildAll(ds, t.Params); err != nil {
		return err
	}
	bs, err := ix.Serialize(t.Params)
	if err != nil {
		return err
	}
	if err := s.storage.WriteIndex(t.Segment, bs); err != nil {
		return err
	}
	t.Segment.Engine = t.IndexSpec
	t.Segment.FileType = segment.Index
	t.complete(nil)
	return nil
}

func (s *Scheduler) runLoad(r *Resource, t *Task) error {
	_, release, err := s.loadArtifact(r, t)
	if err != nil {
		return err
	}
	release()
	t.complete(nil)
	return nil
}

// WarmCache enqueues load tasks for every segment in refs on
// the CPU cache and waits for them; the daemon's load task
// calls it.
func (s *Scheduler) WarmCache(ctx context.Context, refs []*segment.Schema) error {
	tasks := make([]*Task, len(refs))
	for i, ref := range refs {
		tasks[i] = NewLoadTask(ref, CPULabel)
	}
	return s.RunAll(ctx, tasks)
}
