package subscription

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status represents subscription status (internal vocabulary)
type Status string

const (
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusUnpaid            Status = "unpaid"
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusPaused            Status = "paused"
	StatusCancelled         Status = "cancelled"
)

// MapGatewayStatus translates the gateway's status vocabulary into the
// internal enum at the boundary. The table is exhaustive on purpose: an
// unknown external status is an error, never passed through.
func MapGatewayStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "past_due":
		return StatusPastDue, nil
	case "unpaid":
		return StatusUnpaid, nil
	case "incomplete":
		return StatusIncomplete, nil
	case "incomplete_expired":
		return StatusIncompleteExpired, nil
	case "trialing":
		return StatusTrialing, nil
	case "paused":
		return StatusPaused, nil
	case "canceled", "cancelled":
		return StatusCancelled, nil
	default:
		return "", ErrUnknownStatus
	}
}

// Subscription is the per-user subscription record. At most one row per
// user (unique on user_id); plan changes update the row in place instead
// of creating a second one.
type Subscription struct {
	ID     uuid.UUID `db:"id" json:"id"`
	UserID uuid.UUID `db:"user_id" json:"user_id"`

	// SubscriptionRef is the gateway's subscription id (unique).
	SubscriptionRef string `db:"subscription_ref" json:"subscription_ref"`
	// PriceRef is the gateway's price id the user currently pays for.
	PriceRef string `db:"price_ref" json:"price_ref"`
	PlanID   string `db:"plan_id" json:"plan_id"`

	Status            Status       `db:"status" json:"status"`
	PeriodStart       sql.NullTime `db:"period_start" json:"period_start,omitempty"`
	PeriodEnd         sql.NullTime `db:"period_end" json:"period_end,omitempty"`
	CancelAtPeriodEnd bool         `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	CreditsPerPeriod  int          `db:"credits_per_period" json:"credits_per_period"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the subscription currently entitles the user.
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Event is a gateway subscription lifecycle notification translated into
// domain terms. Built at the webhook boundary; gateway SDK types never
// cross into this package.
type Event struct {
	UserID            uuid.UUID
	SubscriptionRef   string
	PriceRef          string
	GatewayStatus     string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}
