// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package cache provides the decompressed-chunk cache shared by the
// compressed image layers (QCOW, UDIF, EWF).
//
// Cache key = (layer identity, chunk id); cache value = decompressed
// bytes. All layers store their chunks in one process-wide bigcache
// instance (512 MB hard limit). When it is full, bigcache drops the
// oldest entries of a shard; a Get does not refresh an entry, so
// eviction is not LRU, and one layer's chunks can evict another's.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/allegro/bigcache/v3"
)

var (
	once  sync.Once
	cache *bigcache.BigCache
)

func shared() *bigcache.BigCache {
	once.Do(func() {
		c, err := bigcache.New(context.Background(), bigcache.Config{
			HardMaxCacheSize: 512, // megabytes
			Shards:           1024,
			MaxEntrySize:     0,
		})
		if err != nil {
			panic(err)
		}
		cache = c
	})
	return cache
}

var monotonic uint64

// ChunkSource decompresses a single chunk on a cache miss.
type ChunkSource func(chunkID int64) ([]byte, error)

// ChunkCache memoises decompressed chunks for one layer. Each layer
// opens its own ChunkCache, whose keys are unique to it, so no layer
// reads another's chunks; storage and capacity are those of the shared
// bigcache instance above.
type ChunkCache struct {
	uniq   uint64
	name   string
	source ChunkSource
}

func New(name string, source ChunkSource) *ChunkCache {
	return &ChunkCache{
		uniq:   atomic.AddUint64(&monotonic, 1),
		name:   name,
		source: source,
	}
}

// Get returns the decompressed bytes for chunkID, decompressing and
// populating the shared cache on a miss.
func (c *ChunkCache) Get(chunkID int64) ([]byte, error) {
	key := fmt.Sprintf("%s_%d_%d", c.name, c.uniq, chunkID)
	if blob, err := shared().Get(key); err == nil {
		return blob, nil
	}
	blob, err := c.source(chunkID)
	if err != nil {
		return nil, err
	}
	shared().Set(key, blob)
	return blob, nil
}
