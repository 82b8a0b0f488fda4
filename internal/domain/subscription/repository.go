package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// Repository defines subscription data access
type Repository interface {
	BeginTxx(ctx context.Context) (*sqlx.Tx, error)
	CreateTx(ctx context.Context, tx *sqlx.Tx, sub *Subscription) error
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetBySubscriptionRef(ctx context.Context, ref string) (*Subscription, error)
	UpdateTx(ctx context.Context, tx *sqlx.Tx, sub *Subscription) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, periodStart, periodEnd sql.NullTime) error
	SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, cancel bool) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates subscription repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) BeginTxx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{})
}

// CreateTx inserts the subscription row. The unique constraints on user_id
// and subscription_ref are the mechanism that turns a concurrent replay
// into ErrAlreadyExists instead of a duplicate row.
func (r *repository) CreateTx(ctx context.Context, tx *sqlx.Tx, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, user_id, subscription_ref, price_ref, plan_id, status,
			period_start, period_end, cancel_at_period_end, credits_per_period,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`
	_, err := tx.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.SubscriptionRef,
		sub.PriceRef,
		sub.PlanID,
		sub.Status,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CreditsPerPeriod,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (r *repository) GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	query := `
		SELECT id, user_id, subscription_ref, price_ref, plan_id, status,
		       period_start, period_end, cancel_at_period_end, credits_per_period,
		       created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1
	`
	var sub Subscription
	err := r.db.GetContext(ctx, &sub, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription by user: %w", err)
	}
	return &sub, nil
}

func (r *repository) GetBySubscriptionRef(ctx context.Context, ref string) (*Subscription, error) {
	query := `
		SELECT id, user_id, subscription_ref, price_ref, plan_id, status,
		       period_start, period_end, cancel_at_period_end, credits_per_period,
		       created_at, updated_at
		FROM subscriptions
		WHERE subscription_ref = $1
	`
	var sub Subscription
	err := r.db.GetContext(ctx, &sub, query, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription by ref: %w", err)
	}
	return &sub, nil
}

// UpdateTx rewrites the row in place. Used by the plan-change path, which
// must never create a second row for the same user.
func (r *repository) UpdateTx(ctx context.Context, tx *sqlx.Tx, sub *Subscription) error {
	query := `
		UPDATE subscriptions SET
			subscription_ref = $2, price_ref = $3, plan_id = $4, status = $5,
			period_start = $6, period_end = $7, cancel_at_period_end = $8,
			credits_per_period = $9, updated_at = NOW()
		WHERE id = $1
	`
	_, err := tx.ExecContext(ctx, query,
		sub.ID,
		sub.SubscriptionRef,
		sub.PriceRef,
		sub.PlanID,
		sub.Status,
		sub.PeriodStart,
		sub.PeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CreditsPerPeriod,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, periodStart, periodEnd sql.NullTime) error {
	query := `
		UPDATE subscriptions SET
			status = $2, period_start = COALESCE($3, period_start),
			period_end = COALESCE($4, period_end), updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, status, periodStart, periodEnd)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

func (r *repository) SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, cancel bool) error {
	query := `
		UPDATE subscriptions SET cancel_at_period_end = $2, updated_at = NOW() WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, cancel)
	if err != nil {
		return fmt.Errorf("set cancel_at_period_end: %w", err)
	}
	return nil
}
