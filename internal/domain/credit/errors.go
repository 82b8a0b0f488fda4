package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when a debit would push the balance
	// below the user's grace floor
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidDelta is returned when delta is zero or the reason is unknown
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrDuplicateEntry is returned when a ledger row with the same
	// (provider, source_type, source_ref) already exists. Callers treat it
	// as an idempotent no-op, not a failure.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")

	// ErrUserNotFound is returned when the target user does not exist
	ErrUserNotFound = errors.New("user not found")

	ErrInternal = errors.New("internal error")
)
