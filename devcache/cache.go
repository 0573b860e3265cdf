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

// Package devcache implements the per-device artifact cache: a
// strict, key-granular LRU over index/compression artifacts
// resident on one CPU or GPU device.
//
// This generalizes tenant/dcache.Cache, but departs from it in
// one deliberate way: dcache evicts by an approximate heap-based
// directory scan (see tenant/evict.go), which is the right shape
// for bounding disk usage across many tenant directories but does
// not give an O(1), exact-recency guarantee at the granularity of
// a single key. The device cache needs exactly that guarantee, so
// its residency bookkeeping is a container/list LRU plus a map,
// the same structure dcache's own in-memory "mapping" table uses
// for refcounted handles -- just ordered.
package devcache

import (
	"container/list"
	"io"
	"sync"
)

// Artifact is an opaque cached value: a loaded index, a
// compressed block, or any other device-resident object whose
// memory the cache should account for. If an Artifact implements
// io.Closer, Close is called exactly once, when the last
// reference to an evicted artifact is released.
type Artifact any

type entry struct {
	key      string
	artifact Artifact
	size     int64
	refcount int32
	evicted  bool
	elem     *list.Element
}

// Handle is a live reference to a cached Artifact. Its lifetime
// is decoupled from cache residency: an entry can be evicted from
// the LRU list while a Handle still references it, in which case
// the artifact is disposed only once the last outstanding Handle
// calls Release (mirrors dcache.mapping's lockID/unlockID
// refcounting, generalized from file descriptors to arbitrary
// artifacts).
type Handle struct {
	cache *Cache
	e     *entry
}

// Value returns the cached artifact.
func (h *Handle) Value() Artifact {
	return h.e.artifact
}

// Release drops this reference. It must be called exactly once
// per Handle returned by Get.
func (h *Handle) Release() {
	h.cache.release(h.e)
}

// Cache is a single device's artifact cache. The zero value is
// not ready to use; construct with New.
type Cache struct {
	mu sync.Mutex

	enabled        bool
	capacity       int64
	freeMemPercent float64

	current int64
	ll      *list.List
	items   map[string]*list.Element

	metrics *metricsSet
}

// New returns a Cache with the given capacity in bytes. The cache
// starts enabled with a free-memory watermark of 1.0 (no eviction
// headroom beyond the raw capacity).
func New(device string, capacity int64) *Cache {
	return &Cache{
		enabled:        true,
		capacity:       capacity,
		freeMemPercent: 1.0,
		ll:             list.New(),
		items:          make(map[string]*list.Element),
		metrics:        newMetricsSet(device),
	}
}

// SetEnabled toggles whether Insert accepts new artifacts.
// Disabling does not evict the existing residency; it only stops
// growth, matching the "enable flag gates cache growth" reading
// of the per-device configuration.
func (c *Cache) SetEnabled(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
}

// SetCapacity updates the device's byte budget and evicts down to
// the new watermark if the cache is currently over it.
func (c *Cache) SetCapacity(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capacity = bytes
	c.shrinkToWatermarkLocked(0)
}

// SetFreeMemPercent updates the low-watermark fraction of
// capacity the cache evicts down to, and evicts immediately if
// the new, tighter watermark is already exceeded.
func (c *Cache) SetFreeMemPercent(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeMemPercent = p
	c.shrinkToWatermarkLocked(0)
}

// Get looks up key, bumping it to most-recently-used on a hit.
func (c *Cache) Get(key string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.metrics.misses.Inc()
		return nil, false
	}
	c.ll.MoveToFront(el)
	e := el.Value.(*entry)
	e.refcount++
	c.metrics.hits.Inc()
	return &Handle{cache: c, e: e}, true
}

// Insert adds artifact under key, evicting LRU entries as needed
// to stay within the watermark. It is a no-op if the cache is
// disabled, and fails silently (the artifact is simply not
// cached) if size alone exceeds the watermarked capacity -- the
// spec's chosen resolution for the oversized-insert case is that
// insertion fails rather than the cache growing past its budget.
// A pre-existing entry for key is evicted first, since a key
// holds at most one artifact per device.
func (c *Cache) Insert(key string, artifact Artifact, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if el, ok := c.items[key]; ok {
		c.evictElemLocked(el)
	}
	if size > c.watermarkLocked() || !c.reserveLocked(size) {
		c.metrics.insertFailures.Inc()
		return
	}
	e := &entry{key: key, artifact: artifact, size: size}
	e.elem = c.ll.PushFront(e)
	c.items[key] = e.elem
	c.current += size
	c.metrics.bytesResident.Set(float64(c.current))
}

// Reserve evicts LRU entries, if necessary, until current_size
// is at most the watermarked capacity minus size, or the cache
// is empty. It reports whether size now fits alongside the
// remaining entries under the full capacity; it does not itself
// account for the reservation against current_size, since the
// caller (e.g. a GPU kernel needing scratch space outside the
// cache's own artifacts) is responsible for that memory, not the
// cache.
func (c *Cache) Reserve(size int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return false
	}
	return c.reserveLocked(size)
}

// reserveLocked evicts until current <= watermark(capacity) -
// size, or the cache is empty. It returns false if, even after
// evicting everything, size alone would exceed the capacity.
func (c *Cache) reserveLocked(size int64) bool {
	if size > c.capacity {
		// Can never fit regardless of what we evict; leave
		// existing residency alone rather than evicting
		// everything for no benefit.
		return false
	}
	target := c.watermarkLocked() - size
	for c.current > target {
		if !c.evictOldestLocked() {
			break
		}
	}
	return c.current+size <= c.capacity
}

func (c *Cache) watermarkLocked() int64 {
	return int64(float64(c.capacity) * c.freeMemPercent)
}

func (c *Cache) shrinkToWatermarkLocked(extra int64) {
	target := c.watermarkLocked() - extra
	for c.current > target {
		if !c.evictOldestLocked() {
			return
		}
	}
}

// evictOldestLocked evicts the single least-recently-used entry.
// It reports whether there was anything to evict.
func (c *Cache) evictOldestLocked() bool {
	back := c.ll.Back()
	if back == nil {
		return false
	}
	c.evictElemLocked(back)
	return true
}

func (c *Cache) evictElemLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.current -= e.size
	c.metrics.evictions.Inc()
	c.metrics.bytesResident.Set(float64(c.current))
	if e.refcount == 0 {
		disposeArtifact(e.artifact)
		return
	}
	// Still referenced by one or more outstanding Handles: leave
	// disposal to the last Release.
	e.evicted = true
}

func (c *Cache) release(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refcount--
	if e.refcount == 0 && e.evicted {
		disposeArtifact(e.artifact)
	}
}

func disposeArtifact(a Artifact) {
	if closer, ok := a.(io.Closer); ok {
		closer.Close()
	}
}

// Contains reports whether key is resident without bumping its
// recency or taking a reference. Placement passes use this to
// prefer a device that already holds an artifact.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Len reports the number of artifacts currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// CurrentSize reports the total size, in bytes, of resident artifacts.
func (c *Cache) CurrentSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
