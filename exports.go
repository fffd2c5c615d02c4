package quota

import (
	"github.com/xraph/quota/entitlement"
	"github.com/xraph/quota/plan"
	"github.com/xraph/quota/types"
)

// Re-export common types for convenience so users don't have to import the
// leaf packages for everyday calls.

// Money is re-exported from types package.
type Money = types.Money

// Decision is re-exported from entitlement package.
type Decision = entitlement.Decision

// Usage is re-exported from entitlement package.
type Usage = entitlement.Usage

// Limit is re-exported from plan package.
type Limit = plan.Limit

// Unlimited marks a meter without a cap.
const Unlimited = plan.Unlimited

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	JPY  = types.JPY
	Zero = types.Zero
)
