package payment

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents payment status
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Type represents what was bought
type Type string

const (
	TypeOneTime             Type = "one_time"
	TypeSubscription        Type = "subscription"
	TypeSubscriptionUpgrade Type = "subscription_upgrade"
)

// JSONRawMessage wraps json.RawMessage for jsonb columns
type JSONRawMessage json.RawMessage

func (j *JSONRawMessage) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSONRawMessage(v)
	case string:
		*j = JSONRawMessage(v)
	default:
		return errors.New("unsupported type for JSONRawMessage")
	}
	return nil
}

func (j JSONRawMessage) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j JSONRawMessage) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// Payment is a gateway payment record. SessionRef is the gateway checkout
// session id and is unique when present; plan-change rows synthesized from
// subscription events carry no session.
type Payment struct {
	ID     uuid.UUID `db:"id" json:"id"`
	UserID uuid.UUID `db:"user_id" json:"user_id"`

	Type   Type   `db:"type" json:"type"`
	Status Status `db:"status" json:"status"`

	SessionRef      sql.NullString `db:"session_ref" json:"session_ref,omitempty"`
	SubscriptionRef sql.NullString `db:"subscription_ref" json:"subscription_ref,omitempty"`
	PlanID          sql.NullString `db:"plan_id" json:"plan_id,omitempty"`
	PackID          sql.NullString `db:"pack_id" json:"pack_id,omitempty"`

	Credits     int            `db:"credits" json:"credits"`
	AmountCents int64          `db:"amount_cents" json:"amount_cents"`
	Currency    string         `db:"currency" json:"currency"`
	Metadata    JSONRawMessage `db:"metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
