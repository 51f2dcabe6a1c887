// Copyright 2025-2026 Aiku AI

package appservice

import (
	"sync"
)

// IDCache remembers the most recently seen string IDs in a fixed-size ring.
// It backs transaction deduplication in the receiver and is reused by the
// bridge layer to suppress echoes of its own relayed messages. Thread-safe.
type IDCache struct {
	lock  sync.RWMutex
	ring  []string
	ptr   int
	index map[string]struct{}
}

// NewIDCache creates a cache that remembers the given number of IDs.
func NewIDCache(size int) *IDCache {
	if size <= 0 {
		size = 128
	}
	return &IDCache{
		ring:  make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

// Has reports whether the ID is in the cache.
func (c *IDCache) Has(id string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	_, ok := c.index[id]
	return ok
}

// Put adds the ID to the cache, evicting the oldest entry when full.
// Adding an ID that is already cached is a no-op.
func (c *IDCache) Put(id string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.index[id]; ok {
		return
	}
	if evicted := c.ring[c.ptr]; evicted != "" {
		delete(c.index, evicted)
	}
	c.ring[c.ptr] = id
	c.index[id] = struct{}{}
	c.ptr = (c.ptr + 1) % len(c.ring)
}
