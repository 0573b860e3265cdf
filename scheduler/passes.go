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
	"sync/atomic"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/segment"
	"github.com/annlite/annlite/vdberr"
	"github.com/dchest/siphash"
)

// maxGPUTopK is the largest topk a GPU kernel accepts; searches
// above it stay on CPU.
const maxGPUTopK = 1024

// Pass is one rule in the placement chain. Route either accepts
// the task and returns its target label, or defers to the next
// pass. Route must never panic; anything config-shaped that
// could fail is checked when the chain is built.
type Pass interface {
	Name() string
	Route(t *Task) (Label, bool)
}

// passConfig is the immutable snapshot of the config fields the
// placement passes read. Snapshots swap atomically on config
// changes, so per-task evaluation never touches the config
// mutex (the pool is likewise read-only during evaluation).
type passConfig struct {
	gpuEnable  bool
	threshold  int // gpu.gpu_search_threshold, in query rows
	searchGPUs []int
}

// passState is shared by the GPU-aware passes.
type passState struct {
	cfg  atomic.Pointer[passConfig]
	pool *Pool
}

func snapshot(c *config.Config) *passConfig {
	return &passConfig{
		gpuEnable:  c.GPU.Enable,
		threshold:  c.GPU.GPUSearchThreshold,
		searchGPUs: append([]int(nil), c.GPU.SearchDevices...),
	}
}

// NewPassChain builds the ordered placement chain and
// subscribes its thresholds and device lists to configuration
// changes. The returned cancel undoes the subscription.
func NewPassChain(store *config.Store, pool *Pool) ([]Pass, func(), error) {
	if pool == nil {
		return nil, nil, vdberr.New(vdberr.InvalidArgument, "pass chain: nil resource pool")
	}
	state := &passState{pool: pool}
	cur := store.Current()
	for _, id := range cur.GPU.SearchDevices {
		if pool.GPUByID(id) == nil {
			return nil, nil, vdberr.New(vdberr.InvalidArgument, "pass chain: search device gpu%d not in pool", id)
		}
	}
	state.cfg.Store(snapshot(cur))
	cancel := store.Subscribe(func(ev config.Event) error {
		for _, id := range ev.New.GPU.SearchDevices {
			if pool.GPUByID(id) == nil {
				return vdberr.New(vdberr.InvalidArgument, "search device gpu%d not in pool", id)
			}
		}
		state.cfg.Store(snapshot(ev.New))
		return nil
	})
	chain := []Pass{
		&FaissFlatPass{state: state},
		&FaissIVFPass{state: state},
		FallbackPass{},
	}
	return chain, cancel, nil
}

// cpuBound reports whether a search must stay on the CPU:
// GPU disabled or absent, too few query rows to amortize the
// transfer, or a topk beyond the GPU kernel limit.
func (c *passConfig) cpuBound(t *Task) bool {
	return !c.gpuEnable || len(c.searchGPUs) == 0 ||
		t.Query.N < c.threshold || t.TopK > maxGPUTopK
}

// FaissFlatPass places search tasks over FLAT indexes: CPU
// below the GPU search threshold, otherwise round-robin across
// the configured search devices.
type FaissFlatPass struct {
	state *passState
	idx   atomic.Uint64
}

func (p *FaissFlatPass) Name() string { return "faiss_flat" }

func (p *FaissFlatPass) Route(t *Task) (Label, bool) {
	if t.Kind != SearchTask || t.Segment.Engine != segment.FLAT {
		return Label{}, false
	}
	cfg := p.state.cfg.Load()
	if cfg.cpuBound(t) {
		return CPULabel, true
	}
	n := p.idx.Add(1) - 1
	id := cfg.searchGPUs[n%uint64(len(cfg.searchGPUs))]
	return Label{Type: GPUResource, GPUID: id}, true
}

// FaissIVFPass places search tasks over the IVF family. It
// prefers a GPU whose cache already holds the segment's
// artifact (or its coarse quantizer); otherwise it spreads
// segments across the search devices by a stable hash of the
// file id, so repeated searches of one segment keep landing on
// the same device and its cache stays warm.
type FaissIVFPass struct {
	state *passState
}

func (p *FaissIVFPass) Name() string { return "faiss_ivf" }

// ivfHashKey0/1 seed the siphash used for segment->device
// affinity; any fixed values work, they just need to be stable
// for the life of the process.
const (
	ivfHashKey0 = 0x616e6e6c69746549
	ivfHashKey1 = 0x5646506173734b31
)

func (p *FaissIVFPass) Route(t *Task) (Label, bool) {
	if t.Kind != SearchTask {
		return Label{}, false
	}
	switch t.Segment.Engine {
	case segment.IVFFLAT, segment.IVFSQ8, segment.IVFPQ:
	default:
		return Label{}, false
	}
	cfg := p.state.cfg.Load()
	if cfg.cpuBound(t) {
		return CPULabel, true
	}
	for _, id := range cfg.searchGPUs {
		gpu := p.state.pool.GPUByID(id)
		if gpu == nil {
			continue
		}
		if gpu.Cache.Contains(artifactKey(t.Segment)) || gpu.Cache.Contains(quantizerKey(t.Segment)) {
			return gpu.Label, true
		}
	}
	h := siphash.Hash(ivfHashKey0, ivfHashKey1, []byte(t.Segment.FileID))
	id := cfg.searchGPUs[h%uint64(len(cfg.searchGPUs))]
	gpu := p.state.pool.GPUByID(id)
	if gpu == nil {
		return CPULabel, true
	}
	// cold segment: only ship it if the PCIe transfer is cheap
	// relative to serving the whole search from the CPU
	pool := p.state.pool
	if pool.Graph.TransferSeconds(pool.CPU.Name, gpu.Name, t.Segment.FileSize) > maxShipSeconds {
		return CPULabel, true
	}
	return gpu.Label, true
}

// maxShipSeconds bounds the artifact transfer time the IVF pass
// will pay to warm a GPU cache for one search.
const maxShipSeconds = 2.0

// FallbackPass routes anything the earlier passes declined to
// the CPU. It always accepts, so placement can only fail when
// the CPU resource itself is unhealthy.
type FallbackPass struct{}

func (FallbackPass) Name() string { return "fallback" }

func (FallbackPass) Route(t *Task) (Label, bool) {
	return CPULabel, true
}
