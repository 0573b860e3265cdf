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

package vecindex

// Mode reports where an index's working set lives.
type Mode int

const (
	CPU Mode = iota
	GPU
)

func (m Mode) String() string {
	if m == GPU {
		return "GPU"
	}
	return "CPU"
}

func (f *flatIndex) Mode() Mode { return CPU }
func (ix *ivfIndex) Mode() Mode { return CPU }
func (h *hnswIndex) Mode() Mode { return CPU }
func (g *nsgIndex) Mode() Mode  { return CPU }

// CopyCpuToGpu on the flat and IVF variants returns a
// device-bound copy; the CPU original remains valid. HNSW and
// NSG are CPU-only graph structures and do not implement
// GPUMovable.
func (f *flatIndex) CopyCpuToGpu(deviceID int, cfg *RuntimeConfig) (Index, error) {
	return gpuClone(f, deviceID)
}

func (ix *ivfIndex) CopyCpuToGpu(deviceID int, cfg *RuntimeConfig) (Index, error) {
	return gpuClone(ix, deviceID)
}

// gpuIndex binds a device-resident copy of an index to exactly
// one device id.
type gpuIndex struct {
	Index
	device int
}

func (g *gpuIndex) Mode() Mode  { return GPU }
func (g *gpuIndex) Device() int { return g.device }
