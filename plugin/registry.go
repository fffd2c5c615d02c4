package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/subscription"
)

// DefaultTimeout bounds how long a single hook may run.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration and cached per
// interface.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onPlanCreated          []OnPlanCreated
	onPlanArchived         []OnPlanArchived
	onSubscriptionCreated  []OnSubscriptionCreated
	onSubscriptionChanged  []OnSubscriptionChanged
	onSubscriptionCanceled []OnSubscriptionCanceled
	onSubscriptionRenewed  []OnSubscriptionRenewed
	onSubscriptionExpired  []OnSubscriptionExpired
	onDecision             []OnDecision
	onQuotaExceeded        []OnQuotaExceeded
	onUsageFlushed         []OnUsageFlushed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
		hooks = append(hooks, "OnPlanCreated")
	}
	if v, ok := p.(OnPlanArchived); ok {
		r.onPlanArchived = append(r.onPlanArchived, v)
		hooks = append(hooks, "OnPlanArchived")
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
		hooks = append(hooks, "OnSubscriptionCreated")
	}
	if v, ok := p.(OnSubscriptionChanged); ok {
		r.onSubscriptionChanged = append(r.onSubscriptionChanged, v)
		hooks = append(hooks, "OnSubscriptionChanged")
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
		hooks = append(hooks, "OnSubscriptionCanceled")
	}
	if v, ok := p.(OnSubscriptionRenewed); ok {
		r.onSubscriptionRenewed = append(r.onSubscriptionRenewed, v)
		hooks = append(hooks, "OnSubscriptionRenewed")
	}
	if v, ok := p.(OnSubscriptionExpired); ok {
		r.onSubscriptionExpired = append(r.onSubscriptionExpired, v)
		hooks = append(hooks, "OnSubscriptionExpired")
	}
	if v, ok := p.(OnDecision); ok {
		r.onDecision = append(r.onDecision, v)
		hooks = append(hooks, "OnDecision")
	}
	if v, ok := p.(OnQuotaExceeded); ok {
		r.onQuotaExceeded = append(r.onQuotaExceeded, v)
		hooks = append(hooks, "OnQuotaExceeded")
	}
	if v, ok := p.(OnUsageFlushed); ok {
		r.onUsageFlushed = append(r.onUsageFlushed, v)
		hooks = append(hooks, "OnUsageFlushed")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, p *plan.Plan) {
	emit(ctx, r, "OnPlanCreated", snapshot(r, &r.onPlanCreated), func(h OnPlanCreated) error {
		return h.OnPlanCreated(ctx, p)
	})
}

// EmitPlanArchived emits a plan archived event.
func (r *Registry) EmitPlanArchived(ctx context.Context, planID id.PlanID) {
	emit(ctx, r, "OnPlanArchived", snapshot(r, &r.onPlanArchived), func(h OnPlanArchived) error {
		return h.OnPlanArchived(ctx, planID)
	})
}

// EmitSubscriptionCreated emits a subscription created event.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCreated", snapshot(r, &r.onSubscriptionCreated), func(h OnSubscriptionCreated) error {
		return h.OnSubscriptionCreated(ctx, sub)
	})
}

// EmitSubscriptionChanged emits a plan change event.
func (r *Registry) EmitSubscriptionChanged(ctx context.Context, change *Change) {
	emit(ctx, r, "OnSubscriptionChanged", snapshot(r, &r.onSubscriptionChanged), func(h OnSubscriptionChanged) error {
		return h.OnSubscriptionChanged(ctx, change)
	})
}

// EmitSubscriptionCanceled emits a subscription canceled event.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionCanceled", snapshot(r, &r.onSubscriptionCanceled), func(h OnSubscriptionCanceled) error {
		return h.OnSubscriptionCanceled(ctx, sub)
	})
}

// EmitSubscriptionRenewed emits a renewal event.
func (r *Registry) EmitSubscriptionRenewed(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionRenewed", snapshot(r, &r.onSubscriptionRenewed), func(h OnSubscriptionRenewed) error {
		return h.OnSubscriptionRenewed(ctx, sub)
	})
}

// EmitSubscriptionExpired emits an expiry event.
func (r *Registry) EmitSubscriptionExpired(ctx context.Context, sub *subscription.Subscription) {
	emit(ctx, r, "OnSubscriptionExpired", snapshot(r, &r.onSubscriptionExpired), func(h OnSubscriptionExpired) error {
		return h.OnSubscriptionExpired(ctx, sub)
	})
}

// EmitDecision emits a decision event.
func (r *Registry) EmitDecision(ctx context.Context, d *entitlement.Decision) {
	emit(ctx, r, "OnDecision", snapshot(r, &r.onDecision), func(h OnDecision) error {
		return h.OnDecision(ctx, d)
	})
}

// EmitQuotaExceeded emits a quota exceeded event.
func (r *Registry) EmitQuotaExceeded(ctx context.Context, d *entitlement.Decision) {
	emit(ctx, r, "OnQuotaExceeded", snapshot(r, &r.onQuotaExceeded), func(h OnQuotaExceeded) error {
		return h.OnQuotaExceeded(ctx, d)
	})
}

// EmitUsageFlushed emits a usage flushed event.
func (r *Registry) EmitUsageFlushed(ctx context.Context, count int, elapsed time.Duration) {
	emit(ctx, r, "OnUsageFlushed", snapshot(r, &r.onUsageFlushed), func(h OnUsageFlushed) error {
		return h.OnUsageFlushed(ctx, count, elapsed)
	})
}

func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

func emit[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, call func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the decision path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
