package dkim

import (
	"sync"
	"time"
)

// SigningConfig is the resolved key material for one domain: present and
// non-empty only when the domain is verified and holds a private key.
type SigningConfig struct {
	Domain   string
	Selector string
	Key      string
}

type cacheEntry struct {
	config    SigningConfig
	expiresAt time.Time
}

// Cache is an in-process, TTL-expiring cache of per-domain DKIM signing
// config, shared across Email Worker goroutines. Entries expire by TTL, not
// LRU, matching the "shared, in-process" requirement for the DKIM lookup.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

// NewCache creates a Cache with the given entry TTL. A TTL of zero or less
// disables caching: every Get reports a miss.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached signing config for domain, if present and not
// expired.
func (c *Cache) Get(domain string) (SigningConfig, bool) {
	if c.ttl <= 0 {
		return SigningConfig{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[domain]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(c.entries, domain)
		return SigningConfig{}, false
	}
	return entry.config, true
}

// Set stores a signing config for domain, expiring after the cache's TTL.
func (c *Cache) Set(domain string, cfg SigningConfig) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[domain] = cacheEntry{config: cfg, expiresAt: time.Now().Add(c.ttl)}
}
