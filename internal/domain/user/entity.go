package user

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Role represents user role in the system (matches user_role enum)
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User mirrors an externally-managed identity into the billing store.
// Accounts are created by the identity provider; this service only adds
// the balance columns. The balance itself is owned by the credit ledger
// and must never be written outside of it.
type User struct {
	ID            uuid.UUID `db:"id"`
	Email         string    `db:"email"`
	Role          Role      `db:"role"`
	CreditBalance int       `db:"credit_balance"`

	// GraceFloor is how far below zero the balance may go before
	// further debits are refused. Signed, default 0.
	GraceFloor int `db:"grace_floor"`

	// StripeCustomerID links the user to the gateway's customer object.
	StripeCustomerID sql.NullString `db:"stripe_customer_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// IsAdmin returns true if user has the admin role
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
