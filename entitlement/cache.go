package entitlement

import (
	"strings"
	"time"

	goCache "github.com/patrickmn/go-cache"
)

// Cache holds Peek snapshots. Entries are advisory; the meter store stays
// authoritative for decisions.
type Cache interface {
	Get(subscriberID, meterKey string) (*Usage, bool)
	Set(subscriberID string, usage *Usage)
	Invalidate(subscriberID string)
	InvalidateMeter(subscriberID, meterKey string)
}

// MemoryCache implements Cache on github.com/patrickmn/go-cache.
type MemoryCache struct {
	cache *goCache.Cache
	ttl   time.Duration
}

// NewMemoryCache creates a cache whose entries expire after ttl. A ttl of
// zero disables caching.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	cleanup := 2 * ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryCache{
		cache: goCache.New(ttl, cleanup),
		ttl:   ttl,
	}
}

func (c *MemoryCache) Get(subscriberID, meterKey string) (*Usage, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	v, ok := c.cache.Get(cacheKey(subscriberID, meterKey))
	if !ok {
		return nil, false
	}
	u := *v.(*Usage)
	return &u, true
}

func (c *MemoryCache) Set(subscriberID string, usage *Usage) {
	if c.ttl <= 0 || usage == nil {
		return
	}
	u := *usage
	c.cache.Set(cacheKey(subscriberID, usage.MeterKey), &u, c.ttl)
}

func (c *MemoryCache) Invalidate(subscriberID string) {
	prefix := subscriberID + "\x00"
	for k := range c.cache.Items() {
		if strings.HasPrefix(k, prefix) {
			c.cache.Delete(k)
		}
	}
}

func (c *MemoryCache) InvalidateMeter(subscriberID, meterKey string) {
	c.cache.Delete(cacheKey(subscriberID, meterKey))
}

func cacheKey(subscriberID, meterKey string) string {
	return subscriberID + "\x00" + meterKey
}
