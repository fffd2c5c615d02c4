package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often an optimistic write that lost a race is
// attempted again. Once MaxRetries is spent the operation fails with
// ErrUnavailable.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      8,
		InitialInterval: 2 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// retrier runs fn until it stops returning ErrConflict. Any other error ends
// the loop immediately.
type retrier struct {
	policy RetryPolicy
	logger *slog.Logger
}

func (r retrier) do(ctx context.Context, op string, fn func() error) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil || isConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, r.policy.backOff(ctx))

	if isConflict(err) {
		r.logger.Warn("quota: conflict retries exhausted",
			"op", op,
			"attempts", attempts,
		)
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	return unavailable(err)
}

// isConflict matches a raw conflict. A conflict that already exhausted an
// inner retry loop carries ErrUnavailable and is final.
func isConflict(err error) bool {
	return errors.Is(err, ErrConflict) && !errors.Is(err, ErrUnavailable)
}
