package idempotency_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/idempotency"
)

func exerciseStore(t *testing.T, s idempotency.Store) {
	t.Helper()
	ctx := context.Background()
	key := id.NewUsageEventID().String()

	ok, err := s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first claim wins")

	ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim sees the key")

	require.NoError(t, s.Release(ctx, key))

	ok, err = s.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key can be claimed again")

	// Concurrent claimers: exactly one wins.
	contended := id.NewUsageEventID().String()
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Claim(ctx, contended, time.Minute); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, idempotency.NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := idempotency.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.Claim(ctx, "evt", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = s.Claim(ctx, "evt", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired claims do not block")
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("QUOTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTA_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	exerciseStore(t, idempotency.NewRedisStore(client, "quota:test:"+id.NewUsageEventID().String()+":"))
}
