package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines user data access interface
type Repository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
	SetGraceFloor(ctx context.Context, id uuid.UUID, floor int) error
}

// repository implements Repository
type repository struct {
	db *sqlx.DB
}

// NewRepository creates new user repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

// Create inserts a mirrored user row. Used by the identity sync and by tests;
// credit_balance starts at zero and is only ever touched by the ledger.
func (r *repository) Create(ctx context.Context, user *User) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		INSERT INTO users (id, email, role, credit_balance, grace_floor, stripe_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx2, query,
		user.ID,
		user.Email,
		user.Role,
		user.CreditBalance,
		user.GraceFloor,
		user.StripeCustomerID,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, email, role, credit_balance, grace_floor, stripe_customer_id, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var u User
	if err := r.db.GetContext(ctx2, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (r *repository) GetByStripeCustomerID(ctx context.Context, customerID string) (*User, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	query := `
		SELECT id, email, role, credit_balance, grace_floor, stripe_customer_id, created_at, updated_at
		FROM users
		WHERE stripe_customer_id = $1
	`
	var u User
	if err := r.db.GetContext(ctx2, &u, query, customerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by stripe customer: %w", err)
	}
	return &u, nil
}

func (r *repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.GetContext(ctx2, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

func (r *repository) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE users SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1
	`, id, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer id: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) SetGraceFloor(ctx context.Context, id uuid.UUID, floor int) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE users SET grace_floor = $2, updated_at = NOW() WHERE id = $1
	`, id, floor)
	if err != nil {
		return fmt.Errorf("set grace floor: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
