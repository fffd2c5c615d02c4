package quota

import (
	"sync"
	"time"

	goCache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/xraph/quota/plan"
)

// limiterIdle is how long an unused limiter is kept.
const limiterIdle = 10 * time.Minute

// rateLimiters holds one token bucket per subscriber and plan. Buckets are
// dropped after limiterIdle without use.
type rateLimiters struct {
	mu    sync.Mutex
	cache *goCache.Cache
}

func newRateLimiters() *rateLimiters {
	return &rateLimiters{cache: goCache.New(limiterIdle, 2*limiterIdle)}
}

// allow takes one token from the subscriber's bucket for p. Plans without a
// rate limit always allow.
func (r *rateLimiters) allow(subscriberID string, p *plan.Plan, now time.Time) bool {
	if p.RateLimit == nil || p.RateLimit.Requests <= 0 || p.RateLimit.Window <= 0 {
		return true
	}
	key := subscriberID + "\x00" + p.ID.String()

	r.mu.Lock()
	var lim *rate.Limiter
	if v, ok := r.cache.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		every := p.RateLimit.Window / time.Duration(p.RateLimit.Requests)
		lim = rate.NewLimiter(rate.Every(every), p.RateLimit.Requests)
	}
	r.cache.SetDefault(key, lim)
	r.mu.Unlock()

	return lim.AllowN(now, 1)
}
