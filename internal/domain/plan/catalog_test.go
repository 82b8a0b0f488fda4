package plan_test

import (
	"errors"
	"testing"

	"github.com/clipforge/clipforge-api/internal/domain/plan"
)

func testCatalog() *plan.Catalog {
	return plan.New(
		[]plan.Plan{
			{ID: "starter", Credits: 1000, PriceCents: 900, Interval: plan.IntervalMonth, PriceRef: "price_starter"},
			{ID: "creator", Credits: 5000, PriceCents: 2900, Interval: plan.IntervalMonth, PriceRef: "price_creator"},
		},
		[]plan.Pack{
			{ID: "pack_small", Credits: 500, PriceCents: 500, PriceRef: "price_pack_small"},
		},
	)
}

func TestPlanLookups(t *testing.T) {
	c := testCatalog()

	p, err := c.PlanByID("creator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Credits != 5000 {
		t.Fatalf("expected 5000 credits, got %d", p.Credits)
	}

	byRef, err := c.PlanByPriceRef("price_creator")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byRef.ID != "creator" {
		t.Fatalf("expected creator, got %s", byRef.ID)
	}
}

func TestUnknownPriceRefFailsClosed(t *testing.T) {
	c := testCatalog()

	if _, err := c.PlanByPriceRef("price_never_configured"); !errors.Is(err, plan.ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if _, err := c.PlanByID("enterprise"); !errors.Is(err, plan.ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if _, err := c.PackByID("pack_xxl"); !errors.Is(err, plan.ErrUnknownPack) {
		t.Fatalf("expected ErrUnknownPack, got %v", err)
	}
}

func TestPackLookups(t *testing.T) {
	c := testCatalog()

	p, err := c.PackByPriceRef("price_pack_small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "pack_small" || p.Credits != 500 {
		t.Fatalf("unexpected pack: %+v", p)
	}
}

func TestDefaultCatalogIsWellFormed(t *testing.T) {
	c := plan.Default()

	if len(c.Plans()) == 0 {
		t.Fatal("default catalog has no plans")
	}
	for _, p := range c.Plans() {
		if p.Credits <= 0 || p.PriceCents <= 0 {
			t.Fatalf("plan %s has non-positive credits or price", p.ID)
		}
		if p.Interval != plan.IntervalMonth && p.Interval != plan.IntervalYear {
			t.Fatalf("plan %s has invalid interval %q", p.ID, p.Interval)
		}
	}
	for _, p := range c.Packs() {
		if p.Credits <= 0 || p.PriceCents <= 0 {
			t.Fatalf("pack %s has non-positive credits or price", p.ID)
		}
	}
}
