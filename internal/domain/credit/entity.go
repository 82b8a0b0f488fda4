package credit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reason classifies why a balance changed.
type Reason string

const (
	ReasonPurchase            Reason = "purchase"
	ReasonSubscriptionGrant   Reason = "subscription_grant"
	ReasonSubscriptionUpgrade Reason = "subscription_upgrade"
	ReasonConsumption         Reason = "consumption"
	ReasonRefund              Reason = "refund"
	ReasonAdminAdjustment     Reason = "admin_adjustment"
)

// Valid reports whether the reason is one of the known ledger reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonSubscriptionGrant, ReasonSubscriptionUpgrade,
		ReasonConsumption, ReasonRefund, ReasonAdminAdjustment:
		return true
	}
	return false
}

// Source identifies the external or internal event that produced a mutation.
// SourceRef must be unique per logical event when the caller wants the ledger
// to suppress replays; an empty ref opts out of dedup (admin tooling, jobs
// without a natural key).
type Source struct {
	Type     string // "payment", "subscription", "invoice", "job", "admin"
	Ref      string
	Provider string // "stripe", "internal"
}

// JSONRawMessage handles NULL json fields from DB
type JSONRawMessage []byte

func (j *JSONRawMessage) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
	return nil
}

func (j JSONRawMessage) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// LedgerEntry is an immutable, append-only ledger row. Rows are created
// exactly once per accepted mutation and never updated or deleted; the
// ledger is the audit trail that explains any balance.
type LedgerEntry struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	UserID       uuid.UUID      `db:"user_id" json:"user_id"`
	Delta        int            `db:"delta" json:"delta"`
	BalanceAfter int            `db:"balance_after" json:"balance_after"`
	Reason       Reason         `db:"reason" json:"reason"`
	SourceType   string         `db:"source_type" json:"source_type"`
	SourceRef    string         `db:"source_ref" json:"source_ref"`
	Provider     string         `db:"provider" json:"provider"`
	Metadata     JSONRawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}
