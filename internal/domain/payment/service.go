package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/domain/credit"
	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/domain/user"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

// Gateway is the slice of the payment gateway this domain calls.
type Gateway interface {
	ConstructEvent(payload []byte, sigHeader string) (*stripegw.Event, error)
	NewCheckoutSession(ctx context.Context, p stripegw.CheckoutParams) (*stripegw.Session, error)
	GetSession(ctx context.Context, id string) (*stripegw.Session, error)
	GetSubscription(ctx context.Context, id string) (*stripegw.Subscription, error)
}

// Subscriptions is the subscription state machine as seen from event
// dispatch.
type Subscriptions interface {
	ApplyCreated(ctx context.Context, ev subscription.Event) error
	ApplyUpdated(ctx context.Context, ev subscription.Event) error
	ApplyDeleted(ctx context.Context, subscriptionRef string) error
	ApplyInvoicePaid(ctx context.Context, subscriptionRef, invoiceRef string) error
	ApplyPaymentFailed(ctx context.Context, subscriptionRef string) error
}

// Users is the user mirror as seen from event dispatch.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
	GetByStripeCustomerID(ctx context.Context, customerRef string) (*user.User, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerRef string) error
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// DedupCache is a best-effort seen-event filter. The database constraints
// are the authority; this only saves work on hot replays.
type DedupCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// Intent is the response to a checkout creation request.
type Intent struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	RedirectURL string    `json:"redirect_url"`
}

// CheckoutURLs holds the post-checkout redirect targets.
type CheckoutURLs struct {
	Success string
	Cancel  string
}

type Service struct {
	repo    Repository
	users   Users
	credits credit.Service
	subs    Subscriptions
	catalog *plan.Catalog
	gw      Gateway
	dedup   DedupCache
	urls    CheckoutURLs
}

func NewService(repo Repository, users Users, credits credit.Service, subs Subscriptions, catalog *plan.Catalog, gw Gateway, dedup DedupCache, urls CheckoutURLs) *Service {
	return &Service{
		repo:    repo,
		users:   users,
		credits: credits,
		subs:    subs,
		catalog: catalog,
		gw:      gw,
		dedup:   dedup,
		urls:    urls,
	}
}

// CreateOneTimeIntent opens a checkout session for a credit pack and
// records the pending payment.
func (s *Service) CreateOneTimeIntent(ctx context.Context, userID uuid.UUID, packID string) (*Intent, error) {
	pack, err := s.catalog.PackByID(packID)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := stripegw.CheckoutParams{
		Mode:              stripegw.ModePayment,
		PriceRef:          pack.PriceRef,
		ClientReferenceID: userID.String(),
		SuccessURL:        s.urls.Success,
		CancelURL:         s.urls.Cancel,
		Metadata: map[string]string{
			"user_id": userID.String(),
			"pack_id": pack.ID,
		},
	}
	if u.StripeCustomerID.Valid {
		params.CustomerRef = u.StripeCustomerID.String
	}

	sess, err := s.gw.NewCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	p := &Payment{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        TypeOneTime,
		Status:      StatusPending,
		SessionRef:  sql.NullString{String: sess.ID, Valid: true},
		PackID:      sql.NullString{String: pack.ID, Valid: true},
		Credits:     pack.Credits,
		AmountCents: pack.PriceCents,
		Currency:    "usd",
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("pack_id", pack.ID).
		Str("session_ref", sess.ID).
		Msg("one-time checkout created")
	return &Intent{PaymentID: p.ID, RedirectURL: sess.URL}, nil
}

// CreateSubscriptionIntent opens a checkout session for a plan.
func (s *Service) CreateSubscriptionIntent(ctx context.Context, userID uuid.UUID, planID string) (*Intent, error) {
	pl, err := s.catalog.PlanByID(planID)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	params := stripegw.CheckoutParams{
		Mode:              stripegw.ModeSubscription,
		PriceRef:          pl.PriceRef,
		ClientReferenceID: userID.String(),
		SuccessURL:        s.urls.Success,
		CancelURL:         s.urls.Cancel,
		Metadata: map[string]string{
			"user_id": userID.String(),
			"plan_id": pl.ID,
		},
	}
	if u.StripeCustomerID.Valid {
		params.CustomerRef = u.StripeCustomerID.String
	}

	sess, err := s.gw.NewCheckoutSession(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	p := &Payment{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        TypeSubscription,
		Status:      StatusPending,
		SessionRef:  sql.NullString{String: sess.ID, Valid: true},
		PlanID:      sql.NullString{String: pl.ID, Valid: true},
		Credits:     pl.Credits,
		AmountCents: pl.PriceCents,
		Currency:    "usd",
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("plan_id", pl.ID).
		Str("session_ref", sess.ID).
		Msg("subscription checkout created")
	return &Intent{PaymentID: p.ID, RedirectURL: sess.URL}, nil
}

// ListByUser returns the user's payment history.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payment, error) {
	return s.repo.ListByUser(ctx, userID, limit, offset)
}

// Search runs an admin cross-user payment search.
func (s *Service) Search(ctx context.Context, f SearchFilter) ([]Payment, error) {
	return s.repo.Search(ctx, f)
}

// HandleGatewayEvent verifies, dedups and dispatches a raw webhook
// delivery. An error return tells the gateway to redeliver.
func (s *Service) HandleGatewayEvent(ctx context.Context, payload []byte, sigHeader string) error {
	ev, err := s.gw.ConstructEvent(payload, sigHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if s.dedup != nil {
		seen, derr := s.dedup.Seen(ctx, ev.ID)
		if derr != nil {
			log.Warn().Err(derr).Str("event_id", ev.ID).Msg("dedup cache check failed, continuing")
		} else if seen {
			log.Info().Str("event_id", ev.ID).Str("kind", ev.Kind).Msg("event already processed, skipping")
			return nil
		}
	}

	if err := s.ProcessEvent(ctx, ev); err != nil {
		return err
	}

	// Marked only after success so a failed delivery stays retryable.
	if s.dedup != nil {
		if derr := s.dedup.MarkSeen(ctx, ev.ID); derr != nil {
			log.Warn().Err(derr).Str("event_id", ev.ID).Msg("dedup cache mark failed")
		}
	}
	return nil
}

// ProcessEvent dispatches one verified event. Reconciliation replays go
// through the same switch, never an ad hoc path.
func (s *Service) ProcessEvent(ctx context.Context, ev *stripegw.Event) error {
	switch ev.Kind {
	case "checkout.session.completed":
		return s.handleSessionCompleted(ctx, ev.Session)

	case "checkout.session.async_payment_failed":
		return s.handleSessionFailed(ctx, ev.Session)

	case "customer.subscription.created":
		return s.handleSubscriptionEvent(ctx, ev.Subscription, s.subs.ApplyCreated)

	case "customer.subscription.updated":
		err := s.handleSubscriptionEvent(ctx, ev.Subscription, s.subs.ApplyUpdated)
		if errors.Is(err, subscription.ErrNotFound) {
			// Out of order delivery or a reconciliation gap. The created
			// path is idempotent, so treat the update as a creation.
			return s.handleSubscriptionEvent(ctx, ev.Subscription, s.subs.ApplyCreated)
		}
		return err

	case "customer.subscription.deleted":
		if ev.Subscription == nil {
			return errors.New("event carries no subscription")
		}
		return s.subs.ApplyDeleted(ctx, ev.Subscription.Ref)

	case "invoice.paid":
		if ev.Invoice == nil {
			return errors.New("event carries no invoice")
		}
		if ev.Invoice.BillingReason != "subscription_cycle" {
			// Only renewal invoices grant here. The creation invoice is
			// covered by the subscription created grant and proration
			// invoices after a plan change by the upgrade grant; crediting
			// either again would double-grant.
			log.Info().
				Str("invoice_ref", ev.Invoice.Ref).
				Str("billing_reason", ev.Invoice.BillingReason).
				Msg("non-renewal invoice, skipping")
			return nil
		}
		if ev.Invoice.SubscriptionRef == "" {
			log.Warn().Str("invoice_ref", ev.Invoice.Ref).Msg("invoice without subscription, skipping")
			return nil
		}
		return s.subs.ApplyInvoicePaid(ctx, ev.Invoice.SubscriptionRef, ev.Invoice.Ref)

	case "invoice.payment_failed":
		if ev.Invoice == nil || ev.Invoice.SubscriptionRef == "" {
			return nil
		}
		err := s.subs.ApplyPaymentFailed(ctx, ev.Invoice.SubscriptionRef)
		if errors.Is(err, subscription.ErrNotFound) {
			log.Warn().Str("invoice_ref", ev.Invoice.Ref).Msg("payment failure for unknown subscription, skipping")
			return nil
		}
		return err

	default:
		log.Debug().Str("event_id", ev.ID).Str("kind", ev.Kind).Msg("unhandled event kind, acknowledging")
		return nil
	}
}

// handleSessionCompleted settles a completed checkout. One-time purchases
// grant credits here; subscription checkouts close the pending intent and
// pull the subscription, whose creation path carries the grant.
func (s *Service) handleSessionCompleted(ctx context.Context, sess *stripegw.Session) error {
	if sess == nil {
		return errors.New("event carries no session")
	}

	if sess.CustomerRef != "" {
		s.rememberCustomerRef(ctx, sess)
	}

	if sess.Mode == stripegw.ModeSubscription {
		if err := s.closeSubscriptionIntent(ctx, sess); err != nil {
			return err
		}
		return s.pullSubscription(ctx, sess)
	}
	if sess.PaymentStatus == "unpaid" {
		// Async payment methods complete later; a paid event follows.
		log.Info().Str("session_ref", sess.ID).Msg("session completed but unpaid, waiting")
		return nil
	}

	// The FOR UPDATE re-fetch below is the authoritative read; here we
	// only make sure a row exists to lock.
	if _, err := s.repo.GetBySessionRef(ctx, sess.ID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// Session created outside this service instance, typically a
		// reconciliation replay after a lost intent. Rebuild the row
		// from the session itself.
		if _, aerr := s.adoptSession(ctx, sess); aerr != nil {
			if errors.Is(aerr, ErrUnknownUser) {
				log.Warn().
					Str("session_ref", sess.ID).
					Str("client_reference_id", sess.ClientReferenceID).
					Msg("completed session for unknown user, dropping")
				return nil
			}
			return aerr
		}
	}

	tx, err := s.repo.BeginTxx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	locked, err := s.repo.GetBySessionRefForUpdateTx(ctx, tx, sess.ID)
	if err != nil {
		return err
	}
	if err := s.repo.MarkCompletedTx(ctx, tx, locked.ID); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			log.Info().Str("session_ref", sess.ID).Msg("payment already completed, skipping")
			return nil
		}
		return err
	}
	if _, err := s.credits.ApplyDeltaTx(ctx, tx, locked.UserID, locked.Credits, credit.ReasonPurchase, credit.Source{
		Type:     "checkout_session",
		Ref:      sess.ID,
		Provider: "stripe",
	}, map[string]string{"payment_id": locked.ID.String()}); err != nil {
		if errors.Is(err, credit.ErrDuplicateEntry) {
			log.Info().Str("session_ref", sess.ID).Msg("purchase already credited, skipping")
			return nil
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Info().
		Str("user_id", locked.UserID.String()).
		Str("session_ref", sess.ID).
		Int("credits", locked.Credits).
		Msg("one-time purchase credited")
	return nil
}

// handleSessionFailed closes a pending intent whose asynchronous payment
// was declined after checkout completed.
func (s *Service) handleSessionFailed(ctx context.Context, sess *stripegw.Session) error {
	if sess == nil {
		return errors.New("event carries no session")
	}

	p, err := s.repo.GetBySessionRef(ctx, sess.ID)
	if errors.Is(err, ErrNotFound) {
		log.Info().Str("session_ref", sess.ID).Msg("failed session has no local intent, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}

	if err := s.repo.MarkFailed(ctx, p.ID); err != nil {
		return err
	}
	log.Info().
		Str("user_id", p.UserID.String()).
		Str("session_ref", sess.ID).
		Msg("async payment declined, intent marked failed")
	return nil
}

// closeSubscriptionIntent marks a locally recorded subscription checkout
// completed. No credits move here.
func (s *Service) closeSubscriptionIntent(ctx context.Context, sess *stripegw.Session) error {
	p, err := s.repo.GetBySessionRef(ctx, sess.ID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return nil
	}

	tx, err := s.repo.BeginTxx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.repo.MarkCompletedTx(ctx, tx, p.ID); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

// pullSubscription fetches the subscription behind a completed checkout
// and runs it through the creation path. Covers a lost or late
// subscription created event; the path no-ops when the subscription is
// already known.
func (s *Service) pullSubscription(ctx context.Context, sess *stripegw.Session) error {
	if sess.SubscriptionRef == "" {
		return nil
	}
	sub, err := s.gw.GetSubscription(ctx, sess.SubscriptionRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return s.handleSubscriptionEvent(ctx, sub, s.subs.ApplyCreated)
}

// adoptSession materializes a pending payment row for a session this
// service never saw the creation of. The user comes from the session's
// client reference, the pack from its metadata.
func (s *Service) adoptSession(ctx context.Context, sess *stripegw.Session) (*Payment, error) {
	userID, err := uuid.Parse(sess.ClientReferenceID)
	if err != nil {
		return nil, ErrUnknownUser
	}
	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownUser
	}

	credits := 0
	packID := sql.NullString{}
	if id, ok := sess.Metadata["pack_id"]; ok {
		pack, perr := s.catalog.PackByID(id)
		if perr != nil {
			return nil, perr
		}
		credits = pack.Credits
		packID = sql.NullString{String: pack.ID, Valid: true}
	}
	if credits == 0 {
		return nil, fmt.Errorf("session %s has no resolvable credit amount", sess.ID)
	}

	meta, _ := json.Marshal(map[string]string{"adopted": "true"})
	p := &Payment{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        TypeOneTime,
		Status:      StatusPending,
		SessionRef:  sql.NullString{String: sess.ID, Valid: true},
		PackID:      packID,
		Credits:     credits,
		AmountCents: sess.AmountTotal,
		Currency:    sess.Currency,
		Metadata:    JSONRawMessage(meta),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		// Lost a race with a concurrent delivery that adopted it first.
		if existing, gerr := s.repo.GetBySessionRef(ctx, sess.ID); gerr == nil {
			return existing, nil
		}
		return nil, err
	}
	return p, nil
}

// handleSubscriptionEvent resolves the user and forwards the translated
// event to the state machine.
func (s *Service) handleSubscriptionEvent(ctx context.Context, sub *stripegw.Subscription, apply func(context.Context, subscription.Event) error) error {
	if sub == nil {
		return errors.New("event carries no subscription")
	}

	u, err := s.resolveUser(ctx, sub)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			log.Warn().
				Str("subscription_ref", sub.Ref).
				Str("customer_ref", sub.CustomerRef).
				Msg("subscription event for unknown user, dropping")
			return nil
		}
		return err
	}

	return apply(ctx, subscription.Event{
		UserID:            u.ID,
		SubscriptionRef:   sub.Ref,
		PriceRef:          sub.PriceRef,
		GatewayStatus:     sub.Status,
		PeriodStart:       sub.PeriodStart,
		PeriodEnd:         sub.PeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
}

// resolveUser maps a gateway subscription to a local user, preferring the
// user_id metadata stamped at checkout, falling back to the customer ref.
func (s *Service) resolveUser(ctx context.Context, sub *stripegw.Subscription) (*user.User, error) {
	if raw, ok := sub.Metadata["user_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			u, err := s.users.GetByID(ctx, id)
			if err == nil {
				return u, nil
			}
			if !errors.Is(err, user.ErrNotFound) {
				return nil, err
			}
		}
	}
	if sub.CustomerRef != "" {
		u, err := s.users.GetByStripeCustomerID(ctx, sub.CustomerRef)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, user.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrUnknownUser
}

// rememberCustomerRef stores the gateway customer id on first sight.
// Best effort, failures only logged.
func (s *Service) rememberCustomerRef(ctx context.Context, sess *stripegw.Session) {
	userID, err := uuid.Parse(sess.ClientReferenceID)
	if err != nil {
		return
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil || u.StripeCustomerID.Valid {
		return
	}
	if err := s.users.SetStripeCustomerID(ctx, userID, sess.CustomerRef); err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("store customer ref failed")
	}
}

// HasSession reports whether a completed session is already settled
// locally. Used by reconciliation.
func (s *Service) HasSession(ctx context.Context, sessionRef string) (bool, error) {
	return s.repo.ExistsBySessionRef(ctx, sessionRef)
}

// ReplaySession pushes a gateway session through the normal completion
// path.
func (s *Service) ReplaySession(ctx context.Context, sess *stripegw.Session) error {
	return s.handleSessionCompleted(ctx, sess)
}

// ReplaySubscription pushes a gateway subscription through the creation
// path, which no-ops when it is already known.
func (s *Service) ReplaySubscription(ctx context.Context, sub *stripegw.Subscription) error {
	return s.handleSubscriptionEvent(ctx, sub, s.subs.ApplyCreated)
}

// ReplaySessionRef fetches one session from the gateway and pushes it
// through the completion path. An admin escape hatch for a single lost
// delivery, without waiting for the next reconciliation sweep.
func (s *Service) ReplaySessionRef(ctx context.Context, sessionRef string) error {
	sess, err := s.gw.GetSession(ctx, sessionRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return s.handleSessionCompleted(ctx, sess)
}
