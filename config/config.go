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

// Package config holds the process configuration: the
// authoritative keys, YAML loading, validation, and the typed
// change-subscription registry the device caches and scheduler
// passes listen on.
package config

import (
	"io"
	"time"

	"github.com/annlite/annlite/vdberr"
	"sigs.k8s.io/yaml"
)

// Config is the full validated configuration tree. Field names
// follow the authoritative dotted keys: cache.cache_size is
// Cache.CacheSize, and so on.
type Config struct {
	Cache   CacheConfig   `json:"cache"`
	GPU     GPUConfig     `json:"gpu"`
	Storage StorageConfig `json:"storage"`
	WAL     WALConfig     `json:"wal"`
}

type CacheConfig struct {
	// CacheSize is the CPU cache budget in bytes.
	CacheSize int64 `json:"cache_size"`
	// InsertBufferSize is the growing-segment buffer in bytes.
	InsertBufferSize int64 `json:"insert_buffer_size"`
	// PreloadCollection names collections, comma-separated. It
	// is carried in the config only; the daemon does not read
	// it, and nothing is preloaded at startup.
	PreloadCollection string `json:"preload_collection"`
}

type GPUConfig struct {
	Enable bool `json:"enable"`
	// CacheSize is the per-GPU cache budget in bytes.
	CacheSize int64 `json:"cache_size"`
	// GPUSearchThreshold is the nq below which searches stay
	// on CPU.
	GPUSearchThreshold int `json:"gpu_search_threshold"`
	SearchDevices      []int `json:"search_devices"`
	BuildIndexDevices  []int `json:"build_index_devices"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// AutoFlushInterval is in seconds; zero disables the
	// background flush loop.
	AutoFlushInterval int `json:"auto_flush_interval"`
}

type WALConfig struct {
	Enable     bool   `json:"enable"`
	BufferSize int64  `json:"buffer_size"`
	Path       string `json:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			CacheSize:        4 << 30,
			InsertBufferSize: 1 << 30,
		},
		GPU: GPUConfig{
			CacheSize:          1 << 30,
			GPUSearchThreshold: 1000,
		},
		Storage: StorageConfig{
			Path:              "/var/lib/annlite",
			AutoFlushInterval: 1,
		},
		WAL: WALConfig{
			BufferSize: 256 << 20,
			Path:       "/var/lib/annlite/wal",
		},
	}
}

// Load reads a YAML document from r, overlays it on Default,
// and validates the result. Any invalid value is a startup
// failure for the caller.
func Load(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, vdberr.Wrap(vdberr.Internal, err, "config: read")
	}
	c := Default()
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, vdberr.Wrap(vdberr.InvalidArgument, err, "config: parse")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field against its documented range.
func (c *Config) Validate() error {
	if c.Cache.CacheSize <= 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: cache.cache_size must be positive, got %d", c.Cache.CacheSize)
	}
	if c.Cache.InsertBufferSize <= 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: cache.insert_buffer_size must be positive, got %d", c.Cache.InsertBufferSize)
	}
	if c.GPU.CacheSize <= 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: gpu.cache_size must be positive, got %d", c.GPU.CacheSize)
	}
	if c.GPU.GPUSearchThreshold < 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: gpu.gpu_search_threshold must be non-negative, got %d", c.GPU.GPUSearchThreshold)
	}
	for _, id := range c.GPU.SearchDevices {
		if id < 0 {
			return vdberr.New(vdberr.InvalidArgument, "config: gpu.search_devices: negative device id %d", id)
		}
	}
	for _, id := range c.GPU.BuildIndexDevices {
		if id < 0 {
			return vdberr.New(vdberr.InvalidArgument, "config: gpu.build_index_devices: negative device id %d", id)
		}
	}
	if c.GPU.Enable && len(c.GPU.SearchDevices) == 0 && len(c.GPU.BuildIndexDevices) == 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: gpu.enable set but no devices listed")
	}
	if c.Storage.Path == "" {
		return vdberr.New(vdberr.InvalidArgument, "config: storage.path must be set")
	}
	if c.Storage.AutoFlushInterval < 0 {
		return vdberr.New(vdberr.InvalidArgument, "config: storage.auto_flush_interval must be non-negative, got %d", c.Storage.AutoFlushInterval)
	}
	if c.WAL.Enable {
		if c.WAL.BufferSize <= 0 {
			return vdberr.New(vdberr.InvalidArgument, "config: wal.buffer_size must be positive, got %d", c.WAL.BufferSize)
		}
		if c.WAL.Path == "" {
			return vdberr.New(vdberr.InvalidArgument, "config: wal.path must be set when wal.enable is true")
		}
	}
	return nil
}

// AutoFlushEvery returns the auto-flush interval as a duration.
func (c *Config) AutoFlushEvery() time.Duration {
	return time.Duration(c.Storage.AutoFlushInterval) * time.Second
}

// clone returns a deep copy, so listeners and pass snapshots
// never observe in-place mutation.
func (c *Config) clone() *Config {
	out := *c
	out.GPU.SearchDevices = append([]int(nil), c.GPU.SearchDevices...)
	out.GPU.BuildIndexDevices = append([]int(nil), c.GPU.BuildIndexDevices...)
	return &out
}
