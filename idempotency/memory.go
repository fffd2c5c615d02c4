package idempotency

import (
	"context"
	"time"

	goCache "github.com/patrickmn/go-cache"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps claims in process with github.com/patrickmn/go-cache.
// Suitable for single-instance deployments and tests.
type MemoryStore struct {
	cache *goCache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: goCache.New(DefaultTTL, 10*time.Minute)}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when the key exists and has not expired, which makes it
	// the atomic test-and-set.
	if err := s.cache.Add(key, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
