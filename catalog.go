package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	goCache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/plugin"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/types"
)

// planCacheTTL bounds how long an archived status may go unnoticed by
// another process sharing the store.
const planCacheTTL = 5 * time.Minute

// Catalog serves plan definitions. Plans are immutable once created, so
// lookups are cached in process; changes create a new version under the
// same slug.
type Catalog struct {
	store    store.Store
	cache    *goCache.Cache
	validate *validator.Validate
	plugins  *plugin.Registry
	logger   *slog.Logger
}

func newCatalog(s store.Store, plugins *plugin.Registry, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:    s,
		cache:    goCache.New(planCacheTTL, 2*planCacheTTL),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		plugins:  plugins,
		logger:   logger,
	}
}

// CreatePlan validates p and stores it as the next version of its slug.
func (c *Catalog) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	p.Entity = types.NewEntity()

	if err := c.Validate(p); err != nil {
		return err
	}

	latest, err := c.store.GetPlanBySlug(ctx, p.Slug)
	switch {
	case err == nil:
		p.Version = latest.Version + 1
	case errors.Is(err, ErrPlanNotFound):
		p.Version = 1
	default:
		return unavailable(err)
	}

	if err := c.store.CreatePlan(ctx, p); err != nil {
		return unavailable(err)
	}
	c.cache.SetDefault(p.ID.String(), p)

	c.logger.Info("plan created",
		"plan_id", p.ID.String(),
		"slug", p.Slug,
		"version", p.Version,
	)
	c.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// Validate checks struct tags and rejects repeated feature keys.
func (c *Catalog) Validate(p *plan.Plan) error {
	if err := c.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return ValidationError{Field: f.Namespace(), Message: fmt.Sprintf("failed on %q", f.Tag())}
		}
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	keys := lo.Map(p.Features, func(f plan.Feature, _ int) string { return f.Key })
	if dups := lo.FindDuplicates(keys); len(dups) > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateFeature, dups[0])
	}
	if p.DefaultLimit != nil && *p.DefaultLimit < plan.Unlimited {
		return ValidationError{Field: "Plan.DefaultLimit", Message: "must be -1 or greater"}
	}
	return nil
}

// GetPlan returns the plan with planID or ErrPlanNotFound.
func (c *Catalog) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	if v, ok := c.cache.Get(planID.String()); ok {
		return v.(*plan.Plan), nil
	}
	p, err := c.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, unavailable(err)
	}
	c.cache.SetDefault(planID.String(), p)
	return p, nil
}

// GetPlanBySlug returns the latest version of the plan with slug.
func (c *Catalog) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	p, err := c.store.GetPlanBySlug(ctx, slug)
	if err != nil {
		return nil, unavailable(err)
	}
	return p, nil
}

// ListPlans lists plans matching opts.
func (c *Catalog) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	plans, err := c.store.ListPlans(ctx, opts)
	if err != nil {
		return nil, unavailable(err)
	}
	return plans, nil
}

// ArchivePlan stops new subscriptions to planID. Existing subscribers keep it.
func (c *Catalog) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	if err := c.store.ArchivePlan(ctx, planID); err != nil {
		return unavailable(err)
	}
	c.cache.Delete(planID.String())
	c.plugins.EmitPlanArchived(ctx, planID)
	return nil
}

// LimitFor returns p's limit for meterKey. It fails with ErrUnknownMeter
// when the plan neither lists the meter nor has a default policy.
func (c *Catalog) LimitFor(p *plan.Plan, meterKey string) (plan.Limit, error) {
	limit, ok := p.LimitFor(meterKey)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMeter, meterKey)
	}
	return limit, nil
}
