package store

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Cache kinds.
const (
	CacheParsed   = "parsed"
	CacheInsights = "insights"
)

// Key builds the cache key for a workspace artifact. The upload_id keeps
// its prefix so PurgeUpload can match on it.
func Key(userID, uploadID, kind string) string {
	return fmt.Sprintf("%s:%s:%s", userID, uploadID, kind)
}

type cacheEntry struct {
	value   any
	expires time.Time
}

// Cache is the in-process TTL cache in front of the database. It is a
// read accelerator only: the database stays authoritative and every
// cached value can be rebuilt from it.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value, expiring lazily.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

// Set stores a value. Last writer wins.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// PurgeUpload drops every cached artifact of one workspace.
func (c *Cache) PurgeUpload(userID, uploadID string) {
	prefix := userID + ":" + uploadID + ":"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Len reports live entries, counting expired ones until they are read.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
