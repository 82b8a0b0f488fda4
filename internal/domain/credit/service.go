package credit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Service is the ledger accounting core. Every balance mutation in the
// system goes through ApplyDelta or its in-transaction variant; nothing
// else writes the balance column.
type Service interface {
	// ApplyDelta atomically applies a signed delta to a user's balance and
	// appends one ledger row. Returns the new balance.
	// Returns ErrInsufficientCredits if the delta would push the balance
	// below -graceFloor, ErrDuplicateEntry if the source was already applied.
	ApplyDelta(ctx context.Context, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error)

	// ApplyDeltaTx applies a delta within an external transaction
	// (FOR UPDATE row lock). Used when the grant must be atomic with
	// another operation, e.g. completing a payment record.
	ApplyDeltaTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error)

	// Spend debits credits for a consumption event (a generation job).
	Spend(ctx context.Context, userID uuid.UUID, amount int, jobRef string) (int, error)

	// Refund returns credits for a failed or cancelled consumption event.
	Refund(ctx context.Context, userID uuid.UUID, amount int, jobRef string) (int, error)

	// GetBalance returns the current credit balance for a user
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)

	// HasEntry reports whether the given source was already applied
	HasEntry(ctx context.Context, src Source) (bool, error)

	// ListEntries returns paginated ledger history for a user
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]LedgerEntry, error)

	// Audit recomputes the balance from the ledger and reports whether it
	// matches the cached balance column.
	Audit(ctx context.Context, userID uuid.UUID) (balance int, ledgerSum int, ok bool, err error)
}

type service struct {
	repo *LedgerRepository
}

// NewService creates a new ledger accounting service
func NewService(db *sqlx.DB) Service {
	return &service{
		repo: NewRepository(db),
	}
}

func (s *service) ApplyDelta(ctx context.Context, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error) {
	return s.repo.ApplyDelta(ctx, userID, delta, reason, src, meta)
}

func (s *service) ApplyDeltaTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, delta int, reason Reason, src Source, meta map[string]string) (int, error) {
	return s.repo.ApplyDeltaTx(ctx, tx, userID, delta, reason, src, meta)
}

func (s *service) Spend(ctx context.Context, userID uuid.UUID, amount int, jobRef string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidDelta
	}
	return s.repo.ApplyDelta(ctx, userID, -amount, ReasonConsumption, Source{
		Type:     "job",
		Ref:      jobRef,
		Provider: "internal",
	}, nil)
}

func (s *service) Refund(ctx context.Context, userID uuid.UUID, amount int, jobRef string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidDelta
	}
	return s.repo.ApplyDelta(ctx, userID, amount, ReasonRefund, Source{
		Type:     "job_refund",
		Ref:      jobRef,
		Provider: "internal",
	}, nil)
}

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (int, error) {
	return s.repo.GetBalance(ctx, userID)
}

func (s *service) HasEntry(ctx context.Context, src Source) (bool, error) {
	return s.repo.HasEntry(ctx, src)
}

func (s *service) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListEntries(ctx, userID, Pagination{Limit: limit, Offset: offset})
}

func (s *service) Audit(ctx context.Context, userID uuid.UUID) (int, int, bool, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return 0, 0, false, err
	}
	sum, err := s.repo.SumDeltas(ctx, userID)
	if err != nil {
		return 0, 0, false, err
	}
	return balance, sum, balance == sum, nil
}
