package plan

import (
	"math"
	"time"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Limit is the number of units a plan grants for one meter per period.
// Unlimited (-1) means the meter is entitled without a cap.
type Limit int64

const Unlimited Limit = -1

func (l Limit) IsUnlimited() bool { return l < 0 }

// Allows reports whether counter+quantity fits under the limit. The sum is
// never formed, so a huge quantity is refused rather than wrapping.
func (l Limit) Allows(counter, quantity int64) bool {
	if l.IsUnlimited() {
		return true
	}
	return quantity <= int64(l)-counter
}

// Overflows reports whether counter+quantity exceeds the int64 range.
func Overflows(counter, quantity int64) bool {
	return quantity > math.MaxInt64-counter
}

// Remaining returns the headroom left after counter, or Unlimited.
func (l Limit) Remaining(counter int64) int64 {
	if l.IsUnlimited() {
		return int64(Unlimited)
	}
	return max(0, int64(l)-counter)
}

type Plan struct {
	types.Entity
	ID           id.PlanID         `json:"id"`
	Name         string            `json:"name"                    validate:"required"`
	Slug         string            `json:"slug"                    validate:"required"`
	Version      int               `json:"version"`
	Description  string            `json:"description"`
	Status       Status            `json:"status"                  validate:"omitempty,oneof=active archived draft"`
	Period       Period            `json:"period"                  validate:"required,oneof=monthly yearly hourly minute"`
	Price        types.Money       `json:"price"`
	TrialDays    int               `json:"trial_days"              validate:"gte=0"`
	Features     []Feature         `json:"features"                validate:"dive"`
	DefaultLimit *Limit            `json:"default_limit,omitempty"`
	RateLimit    *RateLimit        `json:"rate_limit,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type Feature struct {
	Key   string `json:"key"   validate:"required"`
	Name  string `json:"name"`
	Limit Limit  `json:"limit" validate:"gte=-1"`
}

// RateLimit caps how many decisions a subscriber may request per Window,
// independent of the period quota.
type RateLimit struct {
	Requests int           `json:"requests" validate:"gt=0"`
	Window   time.Duration `json:"window"   validate:"gt=0"`
}

func (p *Plan) FindFeature(key string) *Feature {
	for i := range p.Features {
		if p.Features[i].Key == key {
			return &p.Features[i]
		}
	}
	return nil
}

// LimitFor returns the configured limit for meterKey, falling back to the
// plan's default policy. ok is false when neither exists.
func (p *Plan) LimitFor(meterKey string) (Limit, bool) {
	if f := p.FindFeature(meterKey); f != nil {
		return f.Limit, true
	}
	if p.DefaultLimit != nil {
		return *p.DefaultLimit, true
	}
	return 0, false
}

func (p *Plan) IsArchived() bool { return p.Status == StatusArchived }

// ListOpts filters plan listings. Zero values match everything.
type ListOpts struct {
	Status Status
	Slug   string
	Limit  int
	Offset int
}
