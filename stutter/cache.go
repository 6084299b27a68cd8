package stutter

import (
	"sync"

	"github.com/strtools/strcall/regions"
)

// Cache holds per-locus models keyed by exact region coordinates. It is
// populated while loading a model file, or between passes by a training
// run, and is read-only during genotyping. Lookup is safe to call
// concurrently with other Lookups.
type Cache struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{models: make(map[string]*Model)}
}

// Add stores a copy of model for reg, replacing any previous entry.
func (c *Cache) Add(reg regions.Region, model *Model) {
	c.mu.Lock()
	c.models[reg.Key()] = model.Clone()
	c.mu.Unlock()
}

// Lookup returns a clone of the model stored for reg's exact
// coordinates. The caller owns the clone; mutating it does not affect
// the cache.
func (c *Cache) Lookup(reg regions.Region) (*Model, bool) {
	c.mu.RLock()
	m, ok := c.models[reg.Key()]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.models)
}
