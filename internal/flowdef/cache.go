package flowdef

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/quoteflowhq/QuoteFlow/internal/models"
)

// Cache configuration constants
const (
	// DefaultCacheTTL is how long a loaded flow definition stays cached.
	DefaultCacheTTL = 10 * time.Minute
	// DefaultCleanupInterval is how often expired entries are purged.
	DefaultCleanupInterval = 30 * time.Minute
)

// Cache holds loaded flow definitions for the lifetime of an instance. It is
// explicitly constructed and injected into the Loader so tests can reset it
// deterministically instead of relying on module-level state.
type Cache struct {
	entries *gocache.Cache
}

// NewCache creates a flow definition cache with the given TTL. A zero TTL
// uses the default.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	slog.Debug("Flow definition cache created", "ttl", ttl)
	return &Cache{entries: gocache.New(ttl, DefaultCleanupInterval)}
}

// Get returns the cached definition for a flow id, if present and fresh.
func (c *Cache) Get(flowID string) (*models.FlowDefinition, bool) {
	entry, ok := c.entries.Get(flowID)
	if !ok {
		return nil, false
	}
	flow, ok := entry.(*models.FlowDefinition)
	return flow, ok
}

// Set stores a definition under its flow id.
func (c *Cache) Set(flowID string, flow *models.FlowDefinition) {
	c.entries.SetDefault(flowID, flow)
}

// Clear removes all cached definitions.
func (c *Cache) Clear() {
	c.entries.Flush()
	slog.Debug("Flow definition cache cleared")
}
