package credit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// uniqueViolation is the Postgres error code raised when the partial unique
// index on (provider, source_type, source_ref) rejects a replayed event.
const uniqueViolation = "23505"

type Repository interface {
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error)
	ApplyDeltaTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	HasEntry(ctx context.Context, src Source) (bool, error)
	ListEntries(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]LedgerEntry, error)
	SumDeltas(ctx context.Context, userID uuid.UUID) (int, error)
}

// LedgerRepository provides the balance column and its append-only ledger.
type LedgerRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ApplyDelta mutates a user's balance and appends one ledger row in a single
// transaction. This is the only legal write path for credit_balance.
func (r *LedgerRepository) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error) {
	if delta == 0 || !reason.Valid() {
		return 0, ErrInvalidDelta
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	newBalance, err := r.ApplyDeltaTx(ctx2, tx, userID, delta, reason, src, meta)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit tx", ErrInternal)
	}

	return newBalance, nil
}

// ApplyDeltaTx applies a delta within an external transaction using a
// FOR UPDATE row lock on the user. The caller owns commit/rollback. Used
// when the mutation must be atomic with another write (marking a payment
// completed, creating a subscription row).
func (r *LedgerRepository) ApplyDeltaTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error) {
	if delta == 0 || !reason.Valid() {
		return 0, ErrInvalidDelta
	}

	// Row lock serializes all mutations for this user; different users
	// proceed in parallel.
	var balance, graceFloor int
	err := tx.QueryRowContext(ctx, `
		SELECT credit_balance, grace_floor FROM users WHERE id = $1 FOR UPDATE
	`, userID).Scan(&balance, &graceFloor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("%w: lock user row", ErrInternal)
	}

	newBalance := balance + delta
	if newBalance < -graceFloor {
		return 0, ErrInsufficientCredits
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET credit_balance = $2, updated_at = NOW() WHERE id = $1
	`, userID, newBalance); err != nil {
		return 0, fmt.Errorf("%w: update user balance", ErrInternal)
	}

	if err := r.insertEntry(ctx, tx, userID, delta, newBalance, reason, src, meta); err != nil {
		return 0, err
	}

	return newBalance, nil
}

func (r *LedgerRepository) insertEntry(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta, balanceAfter int, reason Reason, src Source, meta map[string]string) error {
	var metadata []byte
	if len(meta) > 0 {
		metadata, _ = json.Marshal(meta)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (
			id, user_id, delta, balance_after, reason, source_type, source_ref, provider, metadata
		)
		VALUES (
			gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8
		)
	`, userID, delta, balanceAfter, reason, src.Type, src.Ref, src.Provider, metadata)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("%w: insert ledger entry", ErrInternal)
	}

	return nil
}

func (r *LedgerRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var balance int
	err := r.db.GetContext(ctx2, &balance, `SELECT credit_balance FROM users WHERE id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("%w: get balance", ErrInternal)
	}

	return balance, nil
}

// HasEntry reports whether a ledger row for the given source already exists.
// Processors use it as a pre-flight check; the unique index remains the
// authoritative guard under concurrent delivery.
func (r *LedgerRepository) HasEntry(ctx context.Context, src Source) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM credit_ledger
			WHERE provider = $1 AND source_type = $2 AND source_ref = $3
		)
	`, src.Provider, src.Type, src.Ref)
	if err != nil {
		return false, fmt.Errorf("%w: check entry", ErrInternal)
	}

	return exists, nil
}

func (r *LedgerRepository) ListEntries(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]LedgerEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	entries := make([]LedgerEntry, 0)
	err := r.db.SelectContext(ctx2, &entries, `
		SELECT id, user_id, delta, balance_after, reason, source_type, source_ref, provider, metadata, created_at
		FROM credit_ledger
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries", ErrInternal)
	}

	return entries, nil
}

// SumDeltas recomputes the balance from the ledger. The balance column is a
// derived cache of this sum; the audit check asserts they agree.
func (r *LedgerRepository) SumDeltas(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var sum int
	err := r.db.GetContext(ctx2, &sum, `
		SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE user_id = $1
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: sum deltas", ErrInternal)
	}

	return sum, nil
}
