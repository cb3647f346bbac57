package store

import (
	"sync"
	"time"

	"github.com/JonMunkholm/ficheimport/internal/core"
)

// EnumCache caches enumeration rows for a fixed TTL. Each store owns its
// own cache; nothing is shared process-wide.
type EnumCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]enumEntry
}

type enumEntry struct {
	rows    []core.EnumerationRow
	expires time.Time
}

// NewEnumCache creates a cache. A non-positive ttl disables caching.
func NewEnumCache(ttl time.Duration) *EnumCache {
	return &EnumCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]enumEntry),
	}
}

// Get returns the cached rows of kind if they have not expired.
func (c *EnumCache) Get(kind string) ([]core.EnumerationRow, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[kind]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, kind)
		return nil, false
	}
	return e.rows, true
}

// Put caches rows for kind.
func (c *EnumCache) Put(kind string, rows []core.EnumerationRow) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[kind] = enumEntry{rows: rows, expires: c.now().Add(c.ttl)}
}

// Invalidate drops every cached enumeration.
func (c *EnumCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
