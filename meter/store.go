package meter

import (
	"context"
	"strconv"
	"time"
)

// CounterStore holds the per-period counters. CheckAndIncrement must be
// atomic per Key: concurrent calls on one key apply in some serial order and
// a missing row is created inside the same unit.
//
// ResetCounter overwrites a counter with the same per-key atomicity. It is a
// compare-and-set: the write only lands while the counter still reads
// Expected (a missing row reads 0), and quota.ErrConflict is returned
// otherwise.
type CounterStore interface {
	PeekCounter(ctx context.Context, key Key) (int64, error)
	CheckAndIncrement(ctx context.Context, inc *Increment) (*Outcome, error)
	ResetCounter(ctx context.Context, r *Reset) error
	ListCounters(ctx context.Context, subscriberID string, periodStart time.Time) ([]*Counter, error)
}

// EventStore is the append-only usage log.
type EventStore interface {
	IngestBatch(ctx context.Context, events []*UsageEvent) error
	QueryUsage(ctx context.Context, subscriberID string, opts QueryOpts) ([]*UsageEvent, error)
	SumUsage(ctx context.Context, key Key) (int64, error)
	PurgeUsage(ctx context.Context, before time.Time) (int64, error)
}

type Store interface {
	CounterStore
	EventStore
}

type QueryOpts struct {
	MeterKey string
	Start    time.Time
	End      time.Time
	Limit    int
	Offset   int
}

func strconvTime(t time.Time) string {
	return strconv.FormatInt(t.UTC().UnixNano(), 10)
}
