package plan

import (
	"errors"
	"os"
)

var (
	// ErrUnknownPlan is returned when a plan id or gateway price ref has no
	// catalog mapping. Granting an undefined amount of credit is worse than
	// failing closed, so callers must treat this as a hard error.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnknownPack is returned for an unmapped one-time credit pack
	ErrUnknownPack = errors.New("unknown credit pack")
)

// Interval is the billing interval of a subscription plan.
type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Plan is a static catalog entry. Read-only at runtime; looked up by plan
// id internally and by the gateway price ref at the webhook boundary.
type Plan struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Credits    int      `json:"credits"`     // credits granted per billing period
	PriceCents int64    `json:"price_cents"` // minor currency units
	Interval   Interval `json:"interval"`
	PriceRef   string   `json:"-"` // gateway price id, from env
}

// Pack is a one-time credit package.
type Pack struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int    `json:"credits"`
	PriceCents int64  `json:"price_cents"`
	PriceRef   string `json:"-"`
}

// Catalog holds the configured plans and packs with lookup indexes.
type Catalog struct {
	plans       []Plan
	packs       []Pack
	planByID    map[string]Plan
	planByPrice map[string]Plan
	packByID    map[string]Pack
	packByPrice map[string]Pack
}

// Default builds the catalog that ships with the product. Gateway price
// refs come from the environment so staging and production can point at
// different Stripe accounts without a rebuild.
func Default() *Catalog {
	plans := []Plan{
		{ID: "starter", Name: "Starter", Credits: 1000, PriceCents: 900, Interval: IntervalMonth, PriceRef: os.Getenv("STRIPE_PRICE_STARTER")},
		{ID: "creator", Name: "Creator", Credits: 5000, PriceCents: 2900, Interval: IntervalMonth, PriceRef: os.Getenv("STRIPE_PRICE_CREATOR")},
		{ID: "studio", Name: "Studio", Credits: 20000, PriceCents: 9900, Interval: IntervalMonth, PriceRef: os.Getenv("STRIPE_PRICE_STUDIO")},
		{ID: "creator_yearly", Name: "Creator (yearly)", Credits: 5000, PriceCents: 29000, Interval: IntervalYear, PriceRef: os.Getenv("STRIPE_PRICE_CREATOR_YEARLY")},
	}
	packs := []Pack{
		{ID: "pack_small", Name: "Small pack", Credits: 500, PriceCents: 500, PriceRef: os.Getenv("STRIPE_PRICE_PACK_SMALL")},
		{ID: "pack_medium", Name: "Medium pack", Credits: 1200, PriceCents: 1000, PriceRef: os.Getenv("STRIPE_PRICE_PACK_MEDIUM")},
		{ID: "pack_large", Name: "Large pack", Credits: 3000, PriceCents: 2200, PriceRef: os.Getenv("STRIPE_PRICE_PACK_LARGE")},
	}
	return New(plans, packs)
}

// New builds a catalog from explicit plan and pack lists.
func New(plans []Plan, packs []Pack) *Catalog {
	c := &Catalog{
		plans:       plans,
		packs:       packs,
		planByID:    make(map[string]Plan, len(plans)),
		planByPrice: make(map[string]Plan, len(plans)),
		packByID:    make(map[string]Pack, len(packs)),
		packByPrice: make(map[string]Pack, len(packs)),
	}
	for _, p := range plans {
		c.planByID[p.ID] = p
		if p.PriceRef != "" {
			c.planByPrice[p.PriceRef] = p
		}
	}
	for _, p := range packs {
		c.packByID[p.ID] = p
		if p.PriceRef != "" {
			c.packByPrice[p.PriceRef] = p
		}
	}
	return c
}

// Plans returns all configured plans.
func (c *Catalog) Plans() []Plan { return c.plans }

// Packs returns all configured one-time packs.
func (c *Catalog) Packs() []Pack { return c.packs }

// PlanByID looks up a plan by its internal id.
func (c *Catalog) PlanByID(id string) (Plan, error) {
	p, ok := c.planByID[id]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// PlanByPriceRef looks up a plan by the gateway price reference.
func (c *Catalog) PlanByPriceRef(ref string) (Plan, error) {
	p, ok := c.planByPrice[ref]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// PackByID looks up a one-time pack by its internal id.
func (c *Catalog) PackByID(id string) (Pack, error) {
	p, ok := c.packByID[id]
	if !ok {
		return Pack{}, ErrUnknownPack
	}
	return p, nil
}

// PackByPriceRef looks up a one-time pack by the gateway price reference.
func (c *Catalog) PackByPriceRef(ref string) (Pack, error) {
	p, ok := c.packByPrice[ref]
	if !ok {
		return Pack{}, ErrUnknownPack
	}
	return p, nil
}
