// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package cache

import (
	"sync"

	"github.com/dgryski/go-tinylfu"
)

// BlockKey identifies one cached block within one layer.
type BlockKey struct {
	Layer  uintptr
	Offset int64
}

// BlockCache is a small bounded admission-and-eviction cache for hot
// physical blocks, used when a layer is re-read for many small
// overlapping requests (e.g. repeated MFT entry lookups). Built on
// go-tinylfu exactly as the teacher's spinner package caches decoded
// blocks.
type BlockCache struct {
	mu sync.Mutex
	t  *tinylfu.T[BlockKey, []byte]
}

func NewBlockCache(samples int) *BlockCache {
	return &BlockCache{
		t: tinylfu.New[BlockKey, []byte](samples, samples*10, hashBlockKey),
	}
}

func (c *BlockCache) Get(k BlockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Get(k)
}

func (c *BlockCache) Add(k BlockKey, v []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t.Add(k, v)
}

func hashBlockKey(k BlockKey) uint64 {
	h := uint64(k.Layer)*1099511628211 ^ uint64(k.Offset)
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	return h
}
