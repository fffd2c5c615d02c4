// Package idempotency deduplicates metered actions by caller-supplied event
// keys. A key is claimed before the decision runs and released again when
// the action did not consume quota, so a retry with the same key is decided
// afresh.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a claimed key is remembered.
const DefaultTTL = 24 * time.Hour

// Store claims event keys atomically.
type Store interface {
	// Claim marks key as seen. It returns false if key was already claimed
	// and has not expired.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key.
	Release(ctx context.Context, key string) error
}
