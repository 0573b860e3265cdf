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
	"fmt"
	"sync"

	"github.com/annlite/annlite/devcache"
)

// ResourceType is the kind of compute endpoint.
type ResourceType int

const (
	DiskResource ResourceType = iota
	CPUResource
	GPUResource
)

func (r ResourceType) String() string {
	switch r {
	case DiskResource:
		return "disk"
	case GPUResource:
		return "gpu"
	default:
		return "cpu"
	}
}

// Label names a target resource; placement passes attach one to
// each task (spec: SpecResLabel).
type Label struct {
	Type  ResourceType
	GPUID int // meaningful only when Type == GPUResource
}

func (l Label) String() string {
	if l.Type == GPUResource {
		return fmt.Sprintf("gpu%d", l.GPUID)
	}
	return l.Type.String()
}

// CPULabel is the label every fallback route resolves to.
var CPULabel = Label{Type: CPUResource}

// Resource is one typed compute endpoint with its own FIFO task
// queue, worker goroutine, and (for CPU/GPU) device cache.
type Resource struct {
	Name  string
	Label Label

	// Cache is nil for the disk resource.
	Cache *devcache.Cache

	queue chan *Task

	mu        sync.Mutex
	unhealthy bool
}

func newResource(label Label, cache *devcache.Cache, queueDepth int) *Resource {
	return &Resource{
		Name:  label.String(),
		Label: label,
		Cache: cache,
		queue: make(chan *Task, queueDepth),
	}
}

// Healthy reports whether the resource's worker is still
// accepting tasks. A resource goes unhealthy when its worker
// panics; its pending tasks are re-placed by the scheduler.
func (r *Resource) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unhealthy
}

func (r *Resource) markUnhealthy() {
	r.mu.Lock()
	r.unhealthy = true
	r.mu.Unlock()
}

// QueueDepth reports the number of tasks waiting on this
// resource.
func (r *Resource) QueueDepth() int {
	return len(r.queue)
}

// drain empties the pending queue, returning the tasks that had
// not started yet.
func (r *Resource) drain() []*Task {
	var out []*Task
	for {
		select {
		case t := <-r.queue:
			out = append(out, t)
		default:
			return out
		}
	}
}

// IOGraph is the weighted connection graph between resources,
// with edge weights in MB/s. The IVF placement pass uses it to
// compare the cost of shipping an artifact to a GPU against
// serving it from the CPU.
type IOGraph struct {
	edges map[[2]string]float64
}

// NewIOGraph builds an empty graph.
func NewIOGraph() *IOGraph {
	return &IOGraph{edges: make(map[[2]string]float64)}
}

// Connect sets the bandwidth of the from->to edge in MB/s.
func (g *IOGraph) Connect(from, to string, mbps float64) {
	g.edges[[2]string{from, to}] = mbps
}

// Bandwidth returns the from->to bandwidth in MB/s, or zero if
// the endpoints are not connected.
func (g *IOGraph) Bandwidth(from, to string) float64 {
	return g.edges[[2]string{from, to}]
}

// TransferSeconds estimates moving size bytes across the
// from->to edge. Unconnected endpoints report +Inf via a very
// large constant so cost comparisons always prefer a connected
// route.
func (g *IOGraph) TransferSeconds(from, to string, size int64) float64 {
	mbps := g.Bandwidth(from, to)
	if mbps <= 0 {
		return 1e18
	}
	return float64(size) / (mbps * 1e6)
}

// Default edge weights, in MB/s.
const (
	diskToCPUMBps = 500
	cpuToGPUMBps  = 11000 // PCIe
)
