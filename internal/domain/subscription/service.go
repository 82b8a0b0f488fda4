package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/domain/credit"
	"github.com/clipforge/clipforge-api/internal/domain/plan"
)

// PaymentLog records payment-history rows owned by the payment domain.
// Implemented by an adapter over the payment repository; the interface
// lives here to keep the dependency direction payment -> subscription.
type PaymentLog interface {
	RecordSubscriptionGrantTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, planID string, amountCents int64, credits int) error
	RecordPlanChangeTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, oldPlanID, newPlanID string, priceDeltaCents int64, creditsGranted int) error
}

// Gateway is the outbound slice of the payment gateway this domain needs.
type Gateway interface {
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error
	ChangePrice(ctx context.Context, subscriptionRef, priceRef string) error
}

type Service struct {
	repo     Repository
	catalog  *plan.Catalog
	credits  credit.Service
	payments PaymentLog
	gw       Gateway
}

func NewService(repo Repository, catalog *plan.Catalog, credits credit.Service, payments PaymentLog, gw Gateway) *Service {
	return &Service{repo: repo, catalog: catalog, credits: credits, payments: payments, gw: gw}
}

// UpgradeGrant returns the credits to grant on a plan change: the positive
// difference, or zero for downgrades and lateral moves. Downgrades take
// effect for future periods, never retroactively.
func UpgradeGrant(oldCredits, newCredits int) int {
	if d := newCredits - oldCredits; d > 0 {
		return d
	}
	return 0
}

// IsUpgrade classifies a plan change. Price is the ordering key, not
// credits: price is the user-facing notion of "better plan".
func IsUpgrade(oldPriceCents, newPriceCents int64) bool {
	return newPriceCents > oldPriceCents
}

// Get returns the user's subscription record, or nil when they have none.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// ApplyCreated processes a gateway "subscription created" event. A replay
// of a known subscription ref is a no-op; a second subscription for a user
// who already holds one is routed through the plan-change path instead of
// creating a duplicate row.
func (s *Service) ApplyCreated(ctx context.Context, ev Event) error {
	existing, err := s.repo.GetBySubscriptionRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Info().Str("subscription_ref", ev.SubscriptionRef).Msg("subscription already known, skipping")
		return nil
	}

	current, err := s.repo.GetByUserID(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if current != nil {
		return s.applyPlanChange(ctx, current, ev)
	}

	pl, err := s.catalog.PlanByPriceRef(ev.PriceRef)
	if err != nil {
		return fmt.Errorf("price ref %s: %w", ev.PriceRef, err)
	}
	status, err := MapGatewayStatus(ev.GatewayStatus)
	if err != nil {
		return fmt.Errorf("status %s: %w", ev.GatewayStatus, err)
	}

	sub := &Subscription{
		ID:                uuid.New(),
		UserID:            ev.UserID,
		SubscriptionRef:   ev.SubscriptionRef,
		PriceRef:          ev.PriceRef,
		PlanID:            pl.ID,
		Status:            status,
		PeriodStart:       nullTime(ev.PeriodStart),
		PeriodEnd:         nullTime(ev.PeriodEnd),
		CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
		CreditsPerPeriod:  pl.Credits,
	}

	// Record creation, payment-history row and the initial credit grant in
	// one unit of work. A concurrent replay loses on the unique constraint
	// and the whole unit rolls back cleanly.
	tx, err := s.repo.BeginTxx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.repo.CreateTx(ctx, tx, sub); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			log.Info().Str("subscription_ref", ev.SubscriptionRef).Msg("lost creation race, skipping")
			return nil
		}
		return err
	}
	if err := s.payments.RecordSubscriptionGrantTx(ctx, tx, ev.UserID, ev.SubscriptionRef, pl.ID, pl.PriceCents, pl.Credits); err != nil {
		return err
	}
	if _, err := s.credits.ApplyDeltaTx(ctx, tx, ev.UserID, pl.Credits, credit.ReasonSubscriptionGrant, credit.Source{
		Type:     "subscription",
		Ref:      ev.SubscriptionRef,
		Provider: "stripe",
	}, map[string]string{"plan_id": pl.ID}); err != nil {
		if errors.Is(err, credit.ErrDuplicateEntry) {
			log.Info().Str("subscription_ref", ev.SubscriptionRef).Msg("grant already applied, skipping")
			return nil
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Info().
		Str("user_id", ev.UserID.String()).
		Str("subscription_ref", ev.SubscriptionRef).
		Str("plan_id", pl.ID).
		Int("credits", pl.Credits).
		Msg("subscription created")
	return nil
}

// ApplyUpdated processes a gateway status/period change. A price change
// inside an update event is a plan change and goes through the same path
// as a second creation event.
func (s *Service) ApplyUpdated(ctx context.Context, ev Event) error {
	sub, err := s.repo.GetBySubscriptionRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}

	if ev.PriceRef != "" && ev.PriceRef != sub.PriceRef {
		return s.applyPlanChange(ctx, sub, ev)
	}

	status, err := MapGatewayStatus(ev.GatewayStatus)
	if err != nil {
		return fmt.Errorf("status %s: %w", ev.GatewayStatus, err)
	}

	if err := s.repo.UpdateStatus(ctx, sub.ID, status, nullTime(ev.PeriodStart), nullTime(ev.PeriodEnd)); err != nil {
		return err
	}
	if ev.CancelAtPeriodEnd != sub.CancelAtPeriodEnd {
		if err := s.repo.SetCancelAtPeriodEnd(ctx, sub.ID, ev.CancelAtPeriodEnd); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDeleted marks the subscription cancelled. Credits already granted
// are not clawed back.
func (s *Service) ApplyDeleted(ctx context.Context, subscriptionRef string) error {
	sub, err := s.repo.GetBySubscriptionRef(ctx, subscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		log.Warn().Str("subscription_ref", subscriptionRef).Msg("deletion for unknown subscription, skipping")
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, sub.ID, StatusCancelled, sql.NullTime{}, sql.NullTime{}); err != nil {
		return err
	}
	return s.repo.SetCancelAtPeriodEnd(ctx, sub.ID, true)
}

// ApplyInvoicePaid grants the period's credits for a recurring renewal.
// The invoice ref is the idempotency key: a duplicate delivery of the same
// invoice cannot double-grant.
func (s *Service) ApplyInvoicePaid(ctx context.Context, subscriptionRef, invoiceRef string) error {
	sub, err := s.repo.GetBySubscriptionRef(ctx, subscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}

	_, err = s.credits.ApplyDelta(ctx, sub.UserID, sub.CreditsPerPeriod, credit.ReasonSubscriptionGrant, credit.Source{
		Type:     "invoice",
		Ref:      invoiceRef,
		Provider: "stripe",
	}, map[string]string{"subscription_ref": subscriptionRef, "plan_id": sub.PlanID})
	if err != nil {
		if errors.Is(err, credit.ErrDuplicateEntry) {
			log.Info().Str("invoice_ref", invoiceRef).Msg("renewal grant already applied, skipping")
			return nil
		}
		return err
	}

	log.Info().
		Str("user_id", sub.UserID.String()).
		Str("invoice_ref", invoiceRef).
		Int("credits", sub.CreditsPerPeriod).
		Msg("renewal credits granted")
	return nil
}

// ApplyPaymentFailed marks the subscription past due. No ledger effect.
func (s *Service) ApplyPaymentFailed(ctx context.Context, subscriptionRef string) error {
	sub, err := s.repo.GetBySubscriptionRef(ctx, subscriptionRef)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}
	return s.repo.UpdateStatus(ctx, sub.ID, StatusPastDue, sql.NullTime{}, sql.NullTime{})
}

// applyPlanChange rewrites the existing row with the new plan, records a
// payment-history entry for audit and grants the positive credit
// difference. The gateway bills the proration itself; only the credit
// differential is applied here.
func (s *Service) applyPlanChange(ctx context.Context, current *Subscription, ev Event) error {
	if current.SubscriptionRef == ev.SubscriptionRef && current.PriceRef == ev.PriceRef {
		return nil
	}

	oldPlan, err := s.catalog.PlanByPriceRef(current.PriceRef)
	if err != nil {
		return fmt.Errorf("old price ref %s: %w", current.PriceRef, err)
	}
	newPlan, err := s.catalog.PlanByPriceRef(ev.PriceRef)
	if err != nil {
		return fmt.Errorf("new price ref %s: %w", ev.PriceRef, err)
	}

	status := current.Status
	if ev.GatewayStatus != "" {
		status, err = MapGatewayStatus(ev.GatewayStatus)
		if err != nil {
			return fmt.Errorf("status %s: %w", ev.GatewayStatus, err)
		}
	}

	grant := UpgradeGrant(oldPlan.Credits, newPlan.Credits)
	priceDelta := newPlan.PriceCents - oldPlan.PriceCents

	updated := *current
	updated.SubscriptionRef = ev.SubscriptionRef
	updated.PriceRef = ev.PriceRef
	updated.PlanID = newPlan.ID
	updated.Status = status
	updated.CreditsPerPeriod = newPlan.Credits
	updated.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	if !ev.PeriodStart.IsZero() {
		updated.PeriodStart = nullTime(ev.PeriodStart)
	}
	if !ev.PeriodEnd.IsZero() {
		updated.PeriodEnd = nullTime(ev.PeriodEnd)
	}

	tx, err := s.repo.BeginTxx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.repo.UpdateTx(ctx, tx, &updated); err != nil {
		return err
	}
	if err := s.payments.RecordPlanChangeTx(ctx, tx, current.UserID, ev.SubscriptionRef, oldPlan.ID, newPlan.ID, priceDelta, grant); err != nil {
		return err
	}
	if grant > 0 {
		_, err = s.credits.ApplyDeltaTx(ctx, tx, current.UserID, grant, credit.ReasonSubscriptionUpgrade, credit.Source{
			Type:     "subscription_upgrade",
			Ref:      ev.SubscriptionRef + ":" + ev.PriceRef,
			Provider: "stripe",
		}, map[string]string{"old_plan_id": oldPlan.ID, "new_plan_id": newPlan.ID})
		if err != nil {
			if errors.Is(err, credit.ErrDuplicateEntry) {
				log.Info().Str("subscription_ref", ev.SubscriptionRef).Msg("upgrade grant already applied, skipping")
				return nil
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Info().
		Str("user_id", current.UserID.String()).
		Str("old_plan", oldPlan.ID).
		Str("new_plan", newPlan.ID).
		Bool("upgrade", IsUpgrade(oldPlan.PriceCents, newPlan.PriceCents)).
		Int("credits_granted", grant).
		Msg("plan change applied")
	return nil
}

// Cancel requests cancellation at period end through the gateway and
// mirrors the flag locally. The status flips to cancelled when the
// gateway's deletion event arrives.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID) error {
	sub, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}
	if err := s.gw.CancelAtPeriodEnd(ctx, sub.SubscriptionRef); err != nil {
		return err
	}
	return s.repo.SetCancelAtPeriodEnd(ctx, sub.ID, true)
}

// Upgrade asks the gateway to move the subscription to a new plan's price.
// The local record is mutated when the resulting webhook arrives, so the
// webhook and API paths converge on the same plan-change code.
func (s *Service) Upgrade(ctx context.Context, userID uuid.UUID, newPlanID string) error {
	pl, err := s.catalog.PlanByID(newPlanID)
	if err != nil {
		return err
	}
	sub, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		return ErrNotFound
	}
	if sub.PriceRef == pl.PriceRef {
		return nil
	}
	return s.gw.ChangePrice(ctx, sub.SubscriptionRef, pl.PriceRef)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
