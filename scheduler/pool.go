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
	"golang.org/x/exp/slices"

	"github.com/annlite/annlite/config"
	"github.com/annlite/annlite/devcache"
)

const defaultQueueDepth = 1024

// Pool is the fixed resource topology: one disk, one CPU, and
// one GPU resource per device id named anywhere in the GPU
// configuration. Membership is decided at construction; config
// changes after startup retarget the placement passes and the
// cache budgets, never the topology, which is what lets pass
// evaluation read the pool without any lock.
type Pool struct {
	Disk  *Resource
	CPU   *Resource
	GPUs  []*Resource
	Graph *IOGraph
}

// NewPool builds the resource pool for cfg. A configuration
// with no GPU devices is valid: searches then only ever match
// the CPU fallback route.
func NewPool(cfg *config.Config) *Pool {
	p := &Pool{
		Disk:  newResource(Label{Type: DiskResource}, nil, defaultQueueDepth),
		CPU:   newResource(CPULabel, devcache.New("cpu", cfg.Cache.CacheSize), defaultQueueDepth),
		Graph: NewIOGraph(),
	}
	ids := append([]int(nil), cfg.GPU.SearchDevices...)
	for _, id := range cfg.GPU.BuildIndexDevices {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		gpu := newResource(Label{Type: GPUResource, GPUID: id}, devcache.New(Label{Type: GPUResource, GPUID: id}.String(), cfg.GPU.CacheSize), defaultQueueDepth)
		gpu.Cache.SetEnabled(cfg.GPU.Enable)
		p.GPUs = append(p.GPUs, gpu)
	}
	p.Graph.Connect(p.Disk.Name, p.CPU.Name, diskToCPUMBps)
	for _, gpu := range p.GPUs {
		p.Graph.Connect(p.CPU.Name, gpu.Name, cpuToGPUMBps)
	}
	return p
}

// ByLabel resolves a placement label to its resource, or nil if
// the label names a GPU outside the pool.
func (p *Pool) ByLabel(l Label) *Resource {
	switch l.Type {
	case DiskResource:
		return p.Disk
	case CPUResource:
		return p.CPU
	default:
		return p.GPUByID(l.GPUID)
	}
}

// GPUByID returns the GPU resource with the given device id.
func (p *Pool) GPUByID(id int) *Resource {
	for _, gpu := range p.GPUs {
		if gpu.Label.GPUID == id {
			return gpu
		}
	}
	return nil
}

// Resources returns every pool member, disk first.
func (p *Pool) Resources() []*Resource {
	out := make([]*Resource, 0, 2+len(p.GPUs))
	out = append(out, p.Disk, p.CPU)
	out = append(out, p.GPUs...)
	return out
}

// applyConfig fans a validated configuration change out to the
// device caches. Called from the store listener; the caches
// apply the new budgets at their next operation boundary.
func (p *Pool) applyConfig(cfg *config.Config) {
	p.CPU.Cache.SetCapacity(cfg.Cache.CacheSize)
	for _, gpu := range p.GPUs {
		gpu.Cache.SetCapacity(cfg.GPU.CacheSize)
		gpu.Cache.SetEnabled(cfg.GPU.Enable)
	}
}
