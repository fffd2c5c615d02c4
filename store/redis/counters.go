// Package redis keeps usage counters in Redis, for deployments that want the
// hot increment path off the primary database. It implements only
// meter.CounterStore; plans, subscriptions and the usage log stay in the
// main store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/quota"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/meter"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

var _ meter.CounterStore = (*CounterStore)(nil)

const defaultKeyPrefix = "quota:"

// Status codes returned by checkAndIncrement.
const (
	incDenied   = 0
	incAllowed  = 1
	incOverflow = 2
)

// checkAndIncrement runs atomically on the server. KEYS[1] is the counter
// hash, KEYS[2] the per-subscriber-period index set. It returns {status,
// counter}. HINCRBY refuses to leave the int64 range, which surfaces as
// incOverflow.
var checkAndIncrement = goredis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'value') or '0')
local qty = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if limit >= 0 and cur + qty > limit then
  return {0, cur}
end
local v = redis.pcall('HINCRBY', KEYS[1], 'value', ARGV[1])
if type(v) == 'table' and v.err then
  return {2, cur}
end
redis.call('HSET', KEYS[1],
  'limit', ARGV[2], 'updated_at', ARGV[3],
  'subscriber_id', ARGV[4], 'meter_key', ARGV[5], 'period_start', ARGV[6])
redis.call('SADD', KEYS[2], KEYS[1])
local ttl = tonumber(ARGV[7])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return {1, v}
`)

// resetCounter overwrites KEYS[1] while its value still equals ARGV[1]. The
// comparison is on the stored decimal string, so it is exact for any int64.
// It returns 1 when the write landed.
var resetCounter = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'value') or '0'
if cur ~= ARGV[1] then
  return 0
end
if redis.call('HEXISTS', KEYS[1], 'limit') == 0 then
  redis.call('HSET', KEYS[1], 'limit', ARGV[3])
end
redis.call('HSET', KEYS[1],
  'value', ARGV[2], 'updated_at', ARGV[4],
  'subscriber_id', ARGV[5], 'meter_key', ARGV[6], 'period_start', ARGV[7])
redis.call('SADD', KEYS[2], KEYS[1])
local ttl = tonumber(ARGV[8])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
  redis.call('EXPIRE', KEYS[2], ttl)
end
return 1
`)

// GuardFunc validates an increment guard against the subscription store.
// Redis cannot see subscriptions, so the check runs before the script.
type GuardFunc func(ctx context.Context, g meter.Guard) error

// SubscriptionGuard builds a GuardFunc on top of a subscription store: the
// guard holds while the subscription is current at the guarded version.
func SubscriptionGuard(subs interface {
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
}) GuardFunc {
	return func(ctx context.Context, g meter.Guard) error {
		sub, err := subs.GetSubscription(ctx, g.SubscriptionID)
		if errors.Is(err, quota.ErrSubscriptionNotFound) {
			return quota.ErrConflict
		}
		if err != nil {
			return err
		}
		if sub.Version != g.Version || !sub.Status.IsCurrent() {
			return quota.ErrConflict
		}
		return nil
	}
}

type Option func(*CounterStore)

// WithKeyPrefix namespaces every key. Defaults to "quota:".
func WithKeyPrefix(prefix string) Option {
	return func(s *CounterStore) { s.prefix = prefix }
}

// WithTTL expires counter hashes after d. Pick something longer than the
// longest billing period in use; zero keeps them forever.
func WithTTL(d time.Duration) Option {
	return func(s *CounterStore) { s.ttl = d }
}

// WithGuard installs the guard check. Without one, guards are ignored.
func WithGuard(fn GuardFunc) Option {
	return func(s *CounterStore) { s.guard = fn }
}

// CounterStore is a meter.CounterStore on a Redis hash per counter key.
type CounterStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	guard  GuardFunc
}

func NewCounterStore(client goredis.UniversalClient, opts ...Option) *CounterStore {
	s := &CounterStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CounterStore) counterKey(key meter.Key) string {
	return s.prefix + "counter:" + key.String()
}

func (s *CounterStore) indexKey(subscriberID string, periodStart time.Time) string {
	return s.prefix + "counters:" + subscriberID + ":" + strconv.FormatInt(periodStart.UTC().UnixNano(), 10)
}

func (s *CounterStore) PeekCounter(ctx context.Context, key meter.Key) (int64, error) {
	v, err := s.client.HGet(ctx, s.counterKey(key), "value").Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota/redis: peek %s: %w", key, err)
	}
	return v, nil
}

func (s *CounterStore) CheckAndIncrement(ctx context.Context, inc *meter.Increment) (*meter.Outcome, error) {
	if inc.Quantity <= 0 {
		return nil, quota.ErrInvalidQuantity
	}
	if !inc.Guard.IsZero() && s.guard != nil {
		if err := s.guard(ctx, inc.Guard); err != nil {
			return nil, err
		}
	}

	res, err := checkAndIncrement.Run(ctx, s.client,
		[]string{s.counterKey(inc.Key), s.indexKey(inc.Key.SubscriberID, inc.Key.PeriodStart)},
		inc.Quantity,
		int64(inc.Limit),
		time.Now().UTC().UnixNano(),
		inc.Key.SubscriberID,
		inc.Key.MeterKey,
		inc.Key.PeriodStart.UTC().UnixNano(),
		int64(s.ttl/time.Second),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("quota/redis: increment %s: %w", inc.Key, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("quota/redis: increment %s: unexpected reply %v", inc.Key, res)
	}
	switch res[0] {
	case incAllowed:
		return &meter.Outcome{Allowed: true, Counter: res[1]}, nil
	case incOverflow:
		return nil, quota.ErrInvalidQuantity
	case incDenied:
		return &meter.Outcome{Allowed: false, Counter: res[1]}, nil
	default:
		return nil, fmt.Errorf("quota/redis: increment %s: unexpected status %d", inc.Key, res[0])
	}
}

func (s *CounterStore) ResetCounter(ctx context.Context, r *meter.Reset) error {
	if r.Value < 0 {
		return quota.ErrInvalidQuantity
	}
	ok, err := resetCounter.Run(ctx, s.client,
		[]string{s.counterKey(r.Key), s.indexKey(r.Key.SubscriberID, r.Key.PeriodStart)},
		strconv.FormatInt(r.Expected, 10),
		r.Value,
		int64(r.Limit),
		time.Now().UTC().UnixNano(),
		r.Key.SubscriberID,
		r.Key.MeterKey,
		r.Key.PeriodStart.UTC().UnixNano(),
		int64(s.ttl/time.Second),
	).Int64()
	if err != nil {
		return fmt.Errorf("quota/redis: reset %s: %w", r.Key, err)
	}
	if ok != 1 {
		return quota.ErrConflict
	}
	return nil
}

func (s *CounterStore) ListCounters(ctx context.Context, subscriberID string, periodStart time.Time) ([]*meter.Counter, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(subscriberID, periodStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("quota/redis: list counters: %w", err)
	}
	if len(keys) == 0 {
		return []*meter.Counter{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("quota/redis: list counters: %w", err)
	}

	result := make([]*meter.Counter, 0, len(keys))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		c, err := parseCounter(fields)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b *meter.Counter) int {
		return strings.Compare(a.MeterKey, b.MeterKey)
	})
	return result, nil
}

func parseCounter(fields map[string]string) (*meter.Counter, error) {
	num := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("quota/redis: counter field %s: %w", name, err)
		}
		return v, nil
	}
	value, err := num("value")
	if err != nil {
		return nil, err
	}
	limit, err := num("limit")
	if err != nil {
		return nil, err
	}
	start, err := num("period_start")
	if err != nil {
		return nil, err
	}
	updated, err := num("updated_at")
	if err != nil {
		return nil, err
	}
	return &meter.Counter{
		Key: meter.Key{
			SubscriberID: fields["subscriber_id"],
			MeterKey:     fields["meter_key"],
			PeriodStart:  time.Unix(0, start).UTC(),
		},
		Value:        value,
		LimitAtWrite: plan.Limit(limit),
		UpdatedAt:    time.Unix(0, updated).UTC(),
	}, nil
}
