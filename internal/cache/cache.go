// Package cache implements the metadata cache: a bounded, byte-budgeted
// LRU over (file, device, measurement) -> chunk metadata list, standing in
// front of the tsfile metadata index so a hot query path doesn't redo a
// tree descent on every read (spec §4.3).
//
// Built on github.com/hashicorp/golang-lru/v2, the same generic LRU the
// teacher's own dependency closure already carries transitively — promoted
// here to a direct dependency since no other pack library offers a
// ready-made generic LRU. The byte-budget wrapper around it (estimating
// average entry size from the first few inserts and resampling
// periodically) has no ready-made equivalent in the retrieval pack, so it
// is hand-rolled arithmetic over the library's Len()/eviction hooks rather
// than a separate dependency (see DESIGN.md).
package cache

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"tsengine/internal/tsfile"
)

// Key identifies one cached entry: one device's one measurement within one
// data file.
type Key struct {
	FilePath    string
	Device      string
	Measurement string
}

func (k Key) String() string {
	return strings.Join([]string{k.FilePath, k.Device, k.Measurement}, "\x1f")
}

// entrySizeResampleInterval is how many inserts pass before the average
// entry size is recomputed from a fresh sample, so the byte budget tracks
// a workload whose chunk-metadata-list sizes drift over time.
const entrySizeResampleInterval = 100_000

const initialSizeSampleCount = 10

// Cache is a shared, bounded cache of chunk-metadata lists. A disabled
// Cache (one created by New with a zero or negative budget) makes every
// Get report a miss unconditionally,
// matching spec §4.3's bypass mode where the engine relies solely on the
// file's bloom filter and goes straight to the index on every read.
type Cache struct {
	mu sync.RWMutex

	enabled   bool
	byteBudget int64
	usedBytes  int64

	inner *lru.Cache[string, []tsfile.ChunkMetadata]

	sampleCount int
	sampleBytes int64
	avgEntrySize int64
	sinceResample int
}

// New creates a cache with the given byte budget (config option
// metadataCacheSize, spec §6). A zero or negative budget disables caching
// entirely.
func New(byteBudget int64) (*Cache, error) {
	c := &Cache{enabled: byteBudget > 0, byteBudget: byteBudget, avgEntrySize: 256}
	if !c.enabled {
		return c, nil
	}
	// The underlying LRU is sized generously by count (the byte budget is
	// enforced separately by the eviction loop in Put); a cap far
	// above any realistic working set avoids the library's own eviction
	// policy fighting the byte-budget one.
	inner, err := lru.NewWithEvict[string, []tsfile.ChunkMetadata](1<<20, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: create LRU: %w", err)
	}
	c.inner = inner
	return c, nil
}

func (c *Cache) onEvict(key string, value []tsfile.ChunkMetadata) {
	c.usedBytes -= estimateSize(value)
}

// Enabled reports whether the cache is active.
func (c *Cache) Enabled() bool { return c.enabled }

// Get returns the cached chunk-metadata list for key, promoting it to
// most-recently-used. A disabled cache always misses.
func (c *Cache) Get(key Key) ([]tsfile.ChunkMetadata, bool) {
	if !c.enabled {
		return nil, false
	}
	k := key.String()

	c.mu.RLock()
	if v, ok := c.inner.Get(k); ok {
		c.mu.RUnlock()
		return v, true
	}
	c.mu.RUnlock()

	// A miss is reported without a second, write-locked lookup; a caller
	// that loads the entry itself stores it with Put.
	return nil, false
}

// Put inserts or refreshes an entry, evicting least-recently-used entries
// until the cache is back within its byte budget.
func (c *Cache) Put(key Key, value []tsfile.ChunkMetadata) {
	if !c.enabled {
		return
	}
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordSample(size)

	if old, ok := c.inner.Peek(key.String()); ok {
		c.usedBytes -= estimateSize(old)
	}
	c.inner.Add(key.String(), value)
	c.usedBytes += size

	for c.usedBytes > c.byteBudget && c.inner.Len() > 0 {
		c.inner.RemoveOldest()
	}
}

func (c *Cache) recordSample(size int64) {
	c.sinceResample++
	if c.sampleCount < initialSizeSampleCount || c.sinceResample >= entrySizeResampleInterval {
		if c.sinceResample >= entrySizeResampleInterval {
			c.sampleCount = 0
			c.sampleBytes = 0
			c.sinceResample = 0
		}
		c.sampleCount++
		c.sampleBytes += size
		c.avgEntrySize = c.sampleBytes / int64(c.sampleCount)
	}
}

// Remove evicts every entry belonging to filePath — called when a file is
// deleted or superseded by a merge (spec §4.3/§9).
func (c *Cache) Remove(filePath string) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := filePath + "\x1f"
	for _, k := range c.inner.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.inner.Remove(k)
		}
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	c.usedBytes = 0
}

// estimateSize approximates the in-memory footprint of a chunk-metadata
// list for byte-budget accounting: a fixed per-entry overhead plus the
// measurement string's bytes.
func estimateSize(list []tsfile.ChunkMetadata) int64 {
	const perEntryOverhead = 64
	var total int64
	for _, m := range list {
		total += perEntryOverhead + int64(len(m.Measurement))
	}
	return total
}
