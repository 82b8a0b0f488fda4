package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines payment data access
type Repository interface {
	BeginTxx(ctx context.Context) (*sqlx.Tx, error)
	Create(ctx context.Context, p *Payment) error
	GetBySessionRef(ctx context.Context, ref string) (*Payment, error)
	GetBySessionRefForUpdateTx(ctx context.Context, tx *sqlx.Tx, ref string) (*Payment, error)
	ExistsBySessionRef(ctx context.Context, ref string) (bool, error)
	MarkCompletedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payment, error)
	Search(ctx context.Context, f SearchFilter) ([]Payment, error)
	RecordSubscriptionGrantTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, planID string, amountCents int64, credits int) error
	RecordPlanChangeTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, oldPlanID, newPlanID string, priceDeltaCents int64, creditsGranted int) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates payment repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const paymentColumns = `
	id, user_id, type, status, session_ref, subscription_ref, plan_id,
	pack_id, credits, amount_cents, currency, metadata, created_at, updated_at
`

func (r *repository) BeginTxx(ctx context.Context) (*sqlx.Tx, error) {
	return r.db.BeginTxx(ctx, &sql.TxOptions{})
}

func (r *repository) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			id, user_id, type, status, session_ref, subscription_ref, plan_id,
			pack_id, credits, amount_cents, currency, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.UserID, p.Type, p.Status,
		p.SessionRef, p.SubscriptionRef, p.PlanID, p.PackID,
		p.Credits, p.AmountCents, p.Currency, p.Metadata,
	)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *repository) GetBySessionRef(ctx context.Context, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE session_ref = $1`
	var p Payment
	err := r.db.GetContext(ctx, &p, query, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment by session: %w", err)
	}
	return &p, nil
}

// GetBySessionRefForUpdateTx locks the row so a concurrently delivered
// duplicate of the same session event serializes behind this transaction.
func (r *repository) GetBySessionRefForUpdateTx(ctx context.Context, tx *sqlx.Tx, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE session_ref = $1 FOR UPDATE`
	var p Payment
	err := tx.GetContext(ctx, &p, query, ref)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock payment by session: %w", err)
	}
	return &p, nil
}

func (r *repository) ExistsBySessionRef(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE session_ref = $1 AND status = 'completed')`, ref)
	if err != nil {
		return false, fmt.Errorf("check payment exists: %w", err)
	}
	return exists, nil
}

// MarkCompletedTx performs the guarded completion transition. Only a
// pending row can move to completed; rowsAffected 0 means another delivery
// already won and the caller must not grant credits again.
func (r *repository) MarkCompletedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = 'completed', updated_at = NOW() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("complete payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete payment rows: %w", err)
	}
	if n == 0 {
		return ErrAlreadyCompleted
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payments SET status = 'failed', updated_at = NOW() WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	payments := []Payment{}
	err := r.db.SelectContext(ctx, &payments, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

// SearchFilter narrows the admin payment search. Zero values match all.
type SearchFilter struct {
	UserID uuid.UUID
	Status Status
	Type   Type
	Limit  int
	Offset int
}

// Search lists payments across users for admin tooling.
func (r *repository) Search(ctx context.Context, f SearchFilter) ([]Payment, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	var userID interface{}
	if f.UserID != uuid.Nil {
		userID = f.UserID
	}
	payments := []Payment{}
	err := r.db.SelectContext(ctx, &payments, query, userID, string(f.Status), string(f.Type), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("search payments: %w", err)
	}
	return payments, nil
}

// RecordSubscriptionGrantTx writes the audit row for an initial
// subscription grant inside the caller's transaction.
func (r *repository) RecordSubscriptionGrantTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, planID string, amountCents int64, credits int) error {
	query := `
		INSERT INTO payments (
			id, user_id, type, status, subscription_ref, plan_id,
			credits, amount_cents, currency, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'completed', $4, $5, $6, $7, 'usd', NOW(), NOW())
	`
	_, err := tx.ExecContext(ctx, query,
		uuid.New(), userID, TypeSubscription, subscriptionRef, planID, credits, amountCents)
	if err != nil {
		return fmt.Errorf("record subscription grant: %w", err)
	}
	return nil
}

// RecordPlanChangeTx writes the audit row for a plan change inside the
// caller's transaction. The amount is the price difference, which is
// negative for downgrades.
func (r *repository) RecordPlanChangeTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, oldPlanID, newPlanID string, priceDeltaCents int64, creditsGranted int) error {
	meta, err := json.Marshal(map[string]string{"old_plan_id": oldPlanID, "new_plan_id": newPlanID})
	if err != nil {
		return fmt.Errorf("marshal plan change metadata: %w", err)
	}
	query := `
		INSERT INTO payments (
			id, user_id, type, status, subscription_ref, plan_id,
			credits, amount_cents, currency, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, 'completed', $4, $5, $6, $7, 'usd', $8, NOW(), NOW())
	`
	_, err = tx.ExecContext(ctx, query,
		uuid.New(), userID, TypeSubscriptionUpgrade, subscriptionRef, newPlanID,
		creditsGranted, priceDeltaCents, JSONRawMessage(meta))
	if err != nil {
		return fmt.Errorf("record plan change: %w", err)
	}
	return nil
}
