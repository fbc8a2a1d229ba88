package billing

import (
	"fmt"
	"sort"
)

// Unlimited is the limit sentinel for plans without a metered cap.
const Unlimited = -1

// DefaultFreeSummaryLimit is the monthly AI summary allowance of the free plan.
const DefaultFreeSummaryLimit = 5

// Feature is a capability gated by the effective plan.
type Feature string

const (
	FeatureCreateContent Feature = "create_content"
	FeatureAdFree        Feature = "ad_free"
)

// Plan describes one catalog entry. Plans are immutable once the catalog is built.
type Plan struct {
	ID           PlanID
	Name         string
	Price        int64 // minor currency units per billing period
	Currency     string
	DurationDays int
	Features     []string
	// PriceRef is the gateway's price identifier for purchasable plans.
	PriceRef string
	// SummaryLimit is the monthly AI summary allowance; Unlimited for no cap.
	SummaryLimit int
	Grants       []Feature
}

// Purchasable reports whether the plan can be bought through checkout.
func (p Plan) Purchasable() bool {
	return p.ID != PlanFree && p.Price > 0
}

// HasFeature reports whether the plan grants f.
func (p Plan) HasFeature(f Feature) bool {
	for _, g := range p.Grants {
		if g == f {
			return true
		}
	}
	return false
}

// Catalog is the process-wide set of plans.
type Catalog struct {
	plans map[PlanID]Plan
	order []PlanID
}

// NewCatalog validates plans and builds a catalog. A free plan is required.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[PlanID]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan id is required", ErrInvalidPlan)
		}
		if p.ID == PlanAdmin {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidPlan, p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %q", ErrInvalidPlan, p.ID)
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("%w: plan %q has negative price", ErrInvalidPlan, p.ID)
		}
		if p.ID != PlanFree && p.DurationDays <= 0 {
			return nil, fmt.Errorf("%w: plan %q needs a positive duration", ErrInvalidPlan, p.ID)
		}
		if p.SummaryLimit < Unlimited {
			return nil, fmt.Errorf("%w: plan %q has invalid summary limit %d", ErrInvalidPlan, p.ID, p.SummaryLimit)
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	if _, ok := c.plans[PlanFree]; !ok {
		return nil, fmt.Errorf("%w: catalog must define %q", ErrInvalidPlan, PlanFree)
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.plans[c.order[i]].Price < c.plans[c.order[j]].Price
	})
	return c, nil
}

// CatalogOptions parameterizes DefaultCatalog.
type CatalogOptions struct {
	PremiumPriceRef string
	ProPriceRef     string
	Currency        string
}

// DefaultCatalog returns the platform's free, premium and pro plans.
func DefaultCatalog(opts CatalogOptions) *Catalog {
	currency := opts.Currency
	if currency == "" {
		currency = "usd"
	}
	c, err := NewCatalog(
		Plan{
			ID:           PlanFree,
			Name:         "Free",
			Currency:     currency,
			Features:     []string{"5 AI Summaries per month", "Read All Articles"},
			SummaryLimit: DefaultFreeSummaryLimit,
		},
		Plan{
			ID:           PlanPremium,
			Name:         "Premium",
			Price:        10000,
			Currency:     currency,
			DurationDays: 30,
			Features:     []string{"Unlimited AI Summaries", "No Ads", "Priority Support", "Premium Badge"},
			PriceRef:     opts.PremiumPriceRef,
			SummaryLimit: Unlimited,
			Grants:       []Feature{FeatureAdFree},
		},
		Plan{
			ID:           PlanPro,
			Name:         "Pro",
			Price:        15000,
			Currency:     currency,
			DurationDays: 30,
			Features:     []string{"Everything in Premium", "Create Blog Posts", "Edit & Manage Blogs", "Pro Creator Badge"},
			PriceRef:     opts.ProPriceRef,
			SummaryLimit: Unlimited,
			Grants:       []Feature{FeatureAdFree, FeatureCreateContent},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve looks a plan up by id.
func (c *Catalog) Resolve(id PlanID) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, &Error{Kind: KindValidation, Op: "catalog.resolve", Err: fmt.Errorf("%w: %q", ErrInvalidPlan, id)}
	}
	return p, nil
}

// ResolvePurchasable looks up a plan that checkout may sell.
func (c *Catalog) ResolvePurchasable(id PlanID) (Plan, error) {
	p, err := c.Resolve(id)
	if err != nil {
		return Plan{}, err
	}
	if !p.Purchasable() {
		return Plan{}, &Error{Kind: KindValidation, Op: "catalog.resolve", Err: fmt.Errorf("%w: %q is not purchasable", ErrInvalidPlan, id)}
	}
	return p, nil
}

// Plans returns all plans ordered by price.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// ByPriceRef finds the plan sold under a gateway price id.
func (c *Catalog) ByPriceRef(ref string) (Plan, bool) {
	if ref == "" {
		return Plan{}, false
	}
	for _, p := range c.plans {
		if p.PriceRef == ref {
			return p, true
		}
	}
	return Plan{}, false
}

// Limit returns the monthly allowance of an effective plan.
func (c *Catalog) Limit(id PlanID) int {
	if id == PlanAdmin {
		return Unlimited
	}
	if p, ok := c.plans[id]; ok {
		return p.SummaryLimit
	}
	return c.plans[PlanFree].SummaryLimit
}
