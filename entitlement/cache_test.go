package entitlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota/entitlement"
)

func TestMemoryCache(t *testing.T) {
	c := entitlement.NewMemoryCache(time.Minute)

	c.Set("sub-a", &entitlement.Usage{MeterKey: "api_calls", Used: 3, Limit: 10, Remaining: 7})
	c.Set("sub-a", &entitlement.Usage{MeterKey: "storage", Used: 1, Limit: 5, Remaining: 4})
	c.Set("sub-b", &entitlement.Usage{MeterKey: "api_calls", Used: 9, Limit: 10, Remaining: 1})

	got, ok := c.Get("sub-a", "api_calls")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Used)

	// Returned snapshots are copies.
	got.Used = 100
	again, _ := c.Get("sub-a", "api_calls")
	assert.Equal(t, int64(3), again.Used)

	c.InvalidateMeter("sub-a", "storage")
	_, ok = c.Get("sub-a", "storage")
	assert.False(t, ok)

	c.Invalidate("sub-a")
	_, ok = c.Get("sub-a", "api_calls")
	assert.False(t, ok)

	_, ok = c.Get("sub-b", "api_calls")
	assert.True(t, ok, "other subscribers keep their entries")
}

func TestMemoryCacheDisabled(t *testing.T) {
	c := entitlement.NewMemoryCache(0)
	c.Set("sub-a", &entitlement.Usage{MeterKey: "api_calls", Used: 1})
	_, ok := c.Get("sub-a", "api_calls")
	assert.False(t, ok)
}
