// Package appid memoizes app descriptor lookups by bundle identifier.
package appid

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rsclarke/flowgate/internal/rules"
)

// ManifestSource returns the manifest current at lookup time.
type ManifestSource func() rules.AppIDManifest

// Cache maps bundle ids to resolved descriptors. It is reset whenever the
// manifest changes.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]rules.AppDescriptor
	epoch    uint64
	manifest ManifestSource
	sf       singleflight.Group
}

// New creates a cache resolving misses against the manifest returned by src.
func New(src ManifestSource) *Cache {
	return &Cache{
		entries:  make(map[string]rules.AppDescriptor),
		manifest: src,
	}
}

// Lookup returns the descriptor for bundleID, resolving it on a miss.
// Concurrent misses for the same id share one resolution, unless a Reset
// separates them.
func (c *Cache) Lookup(bundleID string) rules.AppDescriptor {
	c.mu.RLock()
	app, ok := c.entries[bundleID]
	epoch := c.epoch
	c.mu.RUnlock()
	if ok {
		return app
	}

	v, _, _ := c.sf.Do(strconv.FormatUint(epoch, 10)+"/"+bundleID, func() (any, error) {
		app := rules.Describe(bundleID, c.manifest())
		c.mu.Lock()
		if c.epoch == epoch {
			c.entries[bundleID] = app
		}
		c.mu.Unlock()
		return app, nil
	})
	return v.(rules.AppDescriptor)
}

// Reset drops every entry. Lookups already in flight do not repopulate the cache.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]rules.AppDescriptor)
	c.epoch++
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
