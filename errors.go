package quota

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("quota: not found")
	ErrAlreadyExists = errors.New("quota: already exists")
	ErrInvalidInput  = errors.New("quota: invalid input")

	// Plan errors
	ErrPlanNotFound     = errors.New("quota: plan not found")
	ErrPlanArchived     = errors.New("quota: plan is archived")
	ErrDuplicateFeature = errors.New("quota: duplicate feature key")
	ErrUnknownMeter     = errors.New("quota: plan has no limit for meter")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("quota: subscription not found")
	ErrSubscriptionExists   = errors.New("quota: subscriber already has a current subscription")
	ErrSubscriptionInactive = errors.New("quota: subscription is not current")
	ErrNoActiveSubscription = errors.New("quota: no active subscription")
	ErrSamePlan             = errors.New("quota: already subscribed to this plan")
	ErrInvalidPeriod        = errors.New("quota: invalid period")

	// Metering errors
	ErrInvalidQuantity = errors.New("quota: quantity must be a positive integer")
	ErrDuplicateEvent  = errors.New("quota: duplicate usage event")
	ErrMeterBufferFull = errors.New("quota: meter buffer full")

	// Concurrency errors. ErrConflict is retried internally; callers only see
	// it wrapped in ErrUnavailable once retries are exhausted.
	ErrConflict    = errors.New("quota: concurrent modification conflict")
	ErrUnavailable = errors.New("quota: storage unavailable")

	// Store errors
	ErrStoreClosed     = errors.New("quota: store is closed")
	ErrMigrationFailed = errors.New("quota: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("quota: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound)
}

// IsUnavailable returns true if the operation failed for infrastructure
// reasons and may be retried with backoff.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrMeterBufferFull)
}

// IsDenialCause returns true if the error explains why a subscriber is not
// entitled to a meter. Decide turns these into denied decisions.
func IsDenialCause(err error) bool {
	return errors.Is(err, ErrNoActiveSubscription) ||
		errors.Is(err, ErrUnknownMeter)
}

// isDomainError reports whether err is a business outcome that should reach
// the caller untouched rather than be classified as unavailability.
func isDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidInput,
		ErrPlanNotFound, ErrPlanArchived, ErrDuplicateFeature, ErrUnknownMeter,
		ErrSubscriptionNotFound, ErrSubscriptionExists, ErrSubscriptionInactive,
		ErrNoActiveSubscription, ErrSamePlan, ErrInvalidPeriod,
		ErrInvalidQuantity, ErrDuplicateEvent, ErrConflict, ErrUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// unavailable wraps infrastructure failures, context cancellation included,
// so that both ErrUnavailable and the cause match errors.Is. Domain errors
// pass through.
func unavailable(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
