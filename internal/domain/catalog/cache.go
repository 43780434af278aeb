package catalog

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/okian/photdb/internal/domain/model"
)

// DefaultExposureCacheSize bounds the exposure cache.
const DefaultExposureCacheSize = 1024

type cacheEntry struct {
	exp  model.Exposure
	slot int
}

// ExposureCache keeps recently used exposures in memory. When full the
// oldest insertion is evicted. Every invalidation advances the epoch; a copy
// loaded under an older epoch is not cached.
type ExposureCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ring    []string
	next    int
	epoch   uint64
}

// NewExposureCache returns a cache holding up to size exposures.
func NewExposureCache(size int) *ExposureCache {
	if size <= 0 {
		size = DefaultExposureCacheSize
	}
	return &ExposureCache{
		entries: make(map[string]cacheEntry, size),
		ring:    make([]string, size),
	}
}

// Get returns a cached exposure.
func (c *ExposureCache) Get(id string) (model.Exposure, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.exp, ok
}

// Epoch returns the current invalidation epoch. Read it before loading an
// exposure from the store and pass it to PutAt.
func (c *ExposureCache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// PutAt caches e unless an invalidation happened since epoch. It reports
// whether e was cached.
func (c *ExposureCache) PutAt(e model.Exposure, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.put(e)
	return true
}

// Put caches e, replacing any previous copy.
func (c *ExposureCache) Put(e model.Exposure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(e)
}

func (c *ExposureCache) put(e model.Exposure) {
	if cur, ok := c.entries[e.ID]; ok {
		cur.exp = e
		c.entries[e.ID] = cur
		return
	}
	slot := c.next
	if old := c.ring[slot]; old != "" {
		if cur, ok := c.entries[old]; ok && cur.slot == slot {
			delete(c.entries, old)
		}
	}
	c.ring[slot] = e.ID
	c.entries[e.ID] = cacheEntry{exp: e, slot: slot}
	c.next = (slot + 1) % len(c.ring)
}

// Invalidate drops id from the cache.
func (c *ExposureCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	delete(c.entries, id)
}

// Len returns the number of cached exposures.
func (c *ExposureCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// GetExposure returns an exposure, consulting the cache first.
func (m *Mutator) GetExposure(ctx context.Context, id string) (model.Exposure, error) {
	if m.cache == nil {
		return m.store.GetExposure(ctx, id)
	}
	if e, ok := m.cache.Get(id); ok {
		return e, nil
	}
	epoch := m.cache.Epoch()
	e, err := m.store.GetExposure(ctx, id)
	if err != nil {
		return model.Exposure{}, err
	}
	m.cache.PutAt(e, epoch)
	return e, nil
}

// SetExposureZeroPoint records a calibration zero-point and drops the cached
// copy of the exposure before and after the write, so a concurrent lookup
// cannot cache the previous zero-point.
func (m *Mutator) SetExposureZeroPoint(ctx context.Context, id string, zp float64) error {
	if math.IsNaN(zp) || math.IsInf(zp, 0) {
		return model.WrapKind("catalog.set_zero_point", model.ErrMalformedInput, fmt.Errorf("zero-point is not finite"))
	}
	if m.cache != nil {
		m.cache.Invalidate(id)
		defer m.cache.Invalidate(id)
	}
	return m.store.SetExposureZeroPoint(ctx, id, zp)
}

// ExposureIDsByFilter lists exposures taken through filter.
func (m *Mutator) ExposureIDsByFilter(ctx context.Context, filter string) ([]string, error) {
	return m.store.ExposureIDsByFilter(ctx, filter)
}
