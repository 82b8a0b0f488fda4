package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/domain/user"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

type fakeGateway struct {
	event        *stripegw.Event
	eventErr     error
	session      *stripegw.Session
	subscription *stripegw.Subscription
}

func (g *fakeGateway) ConstructEvent(payload []byte, sigHeader string) (*stripegw.Event, error) {
	if g.eventErr != nil {
		return nil, g.eventErr
	}
	return g.event, nil
}

func (g *fakeGateway) NewCheckoutSession(ctx context.Context, p stripegw.CheckoutParams) (*stripegw.Session, error) {
	return &stripegw.Session{ID: "cs_test", URL: "https://checkout.test/cs_test"}, nil
}

func (g *fakeGateway) GetSession(ctx context.Context, id string) (*stripegw.Session, error) {
	if g.session != nil && g.session.ID == id {
		return g.session, nil
	}
	return nil, errors.New("no such session")
}

func (g *fakeGateway) GetSubscription(ctx context.Context, id string) (*stripegw.Subscription, error) {
	if g.subscription != nil && g.subscription.Ref == id {
		return g.subscription, nil
	}
	return nil, errors.New("no such subscription")
}

type fakeSubs struct {
	created       []subscription.Event
	updated       []subscription.Event
	deleted       []string
	invoicesPaid  []string
	failed        []string
	updatedErr    error
	invoicePaidFn func(subRef, invRef string) error
}

func (f *fakeSubs) ApplyCreated(ctx context.Context, ev subscription.Event) error {
	f.created = append(f.created, ev)
	return nil
}

func (f *fakeSubs) ApplyUpdated(ctx context.Context, ev subscription.Event) error {
	if f.updatedErr != nil {
		return f.updatedErr
	}
	f.updated = append(f.updated, ev)
	return nil
}

func (f *fakeSubs) ApplyDeleted(ctx context.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeSubs) ApplyInvoicePaid(ctx context.Context, subRef, invRef string) error {
	if f.invoicePaidFn != nil {
		return f.invoicePaidFn(subRef, invRef)
	}
	f.invoicesPaid = append(f.invoicesPaid, invRef)
	return nil
}

func (f *fakeSubs) ApplyPaymentFailed(ctx context.Context, ref string) error {
	f.failed = append(f.failed, ref)
	return nil
}

type fakeUsers struct {
	byID       map[uuid.UUID]*user.User
	byCustomer map[string]*user.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*user.User, error) {
	if u, ok := f.byID[id]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) GetByStripeCustomerID(ctx context.Context, ref string) (*user.User, error) {
	if u, ok := f.byCustomer[ref]; ok {
		return u, nil
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) SetStripeCustomerID(ctx context.Context, id uuid.UUID, ref string) error {
	return nil
}

func (f *fakeUsers) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, ok := f.byID[id]
	return ok, nil
}

type fakeDedup struct {
	seen map[string]bool
}

func (f *fakeDedup) Seen(ctx context.Context, id string) (bool, error) {
	return f.seen[id], nil
}

func (f *fakeDedup) MarkSeen(ctx context.Context, id string) error {
	f.seen[id] = true
	return nil
}

// fakeRepo satisfies Repository for dispatch paths that never open a
// real transaction. Transactional methods are not exercised here.
type fakeRepo struct {
	bySession map[string]*Payment
	created   []*Payment
	failed    []uuid.UUID
}

func (f *fakeRepo) BeginTxx(ctx context.Context) (*sqlx.Tx, error) {
	return nil, errors.New("no db in test")
}
func (f *fakeRepo) Create(ctx context.Context, p *Payment) error {
	f.created = append(f.created, p)
	return nil
}
func (f *fakeRepo) GetBySessionRef(ctx context.Context, ref string) (*Payment, error) {
	if p, ok := f.bySession[ref]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}
func (f *fakeRepo) GetBySessionRefForUpdateTx(ctx context.Context, tx *sqlx.Tx, ref string) (*Payment, error) {
	return nil, ErrNotFound
}
func (f *fakeRepo) ExistsBySessionRef(ctx context.Context, ref string) (bool, error) {
	return false, nil
}
func (f *fakeRepo) MarkCompletedTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error { return nil }
func (f *fakeRepo) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.failed = append(f.failed, id)
	return nil
}
func (f *fakeRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Payment, error) {
	return nil, nil
}
func (f *fakeRepo) Search(ctx context.Context, filter SearchFilter) ([]Payment, error) {
	return nil, nil
}
func (f *fakeRepo) RecordSubscriptionGrantTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, planID string, amountCents int64, credits int) error {
	return nil
}
func (f *fakeRepo) RecordPlanChangeTx(ctx context.Context, tx *sqlx.Tx, userID uuid.UUID, subscriptionRef, oldPlanID, newPlanID string, priceDeltaCents int64, creditsGranted int) error {
	return nil
}

func newTestService(subs *fakeSubs, users *fakeUsers, gw *fakeGateway, dedup DedupCache) *Service {
	return newTestServiceWithRepo(&fakeRepo{}, subs, users, gw, dedup)
}

func newTestServiceWithRepo(repo Repository, subs *fakeSubs, users *fakeUsers, gw *fakeGateway, dedup DedupCache) *Service {
	catalog := plan.New(
		[]plan.Plan{{ID: "creator", Credits: 5000, PriceCents: 2900, Interval: plan.IntervalMonth, PriceRef: "price_creator"}},
		[]plan.Pack{{ID: "pack_small", Credits: 500, PriceCents: 500, PriceRef: "price_pack_small"}},
	)
	return NewService(repo, users, nil, subs, catalog, gw, dedup, CheckoutURLs{
		Success: "https://app.test/success",
		Cancel:  "https://app.test/cancel",
	})
}

func TestSubscriptionCreatedResolvesUserFromMetadata(t *testing.T) {
	userID := uuid.New()
	users := &fakeUsers{byID: map[uuid.UUID]*user.User{userID: {ID: userID}}}
	subs := &fakeSubs{}
	svc := newTestService(subs, users, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_1",
		Kind: "customer.subscription.created",
		Subscription: &stripegw.Subscription{
			Ref:      "sub_1",
			PriceRef: "price_creator",
			Status:   "active",
			Metadata: map[string]string{"user_id": userID.String()},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.created) != 1 {
		t.Fatalf("expected 1 created event, got %d", len(subs.created))
	}
	if subs.created[0].UserID != userID {
		t.Fatalf("expected user %s, got %s", userID, subs.created[0].UserID)
	}
}

func TestSubscriptionCreatedResolvesUserFromCustomerRef(t *testing.T) {
	userID := uuid.New()
	users := &fakeUsers{
		byID:       map[uuid.UUID]*user.User{userID: {ID: userID}},
		byCustomer: map[string]*user.User{"cus_7": {ID: userID}},
	}
	subs := &fakeSubs{}
	svc := newTestService(subs, users, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_2",
		Kind: "customer.subscription.created",
		Subscription: &stripegw.Subscription{
			Ref:         "sub_2",
			CustomerRef: "cus_7",
			PriceRef:    "price_creator",
			Status:      "active",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.created) != 1 || subs.created[0].UserID != userID {
		t.Fatalf("expected event resolved to %s, got %+v", userID, subs.created)
	}
}

func TestUnknownUserEventIsDropped(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_3",
		Kind: "customer.subscription.created",
		Subscription: &stripegw.Subscription{
			Ref:         "sub_3",
			CustomerRef: "cus_nobody",
			PriceRef:    "price_creator",
			Status:      "active",
		},
	})
	if err != nil {
		t.Fatalf("expected drop to be silent, got %v", err)
	}
	if len(subs.created) != 0 {
		t.Fatal("expected no state machine call for unknown user")
	}
}

func TestUpdatedForUnknownSubscriptionFallsBackToCreated(t *testing.T) {
	userID := uuid.New()
	users := &fakeUsers{byID: map[uuid.UUID]*user.User{userID: {ID: userID}}}
	subs := &fakeSubs{updatedErr: subscription.ErrNotFound}
	svc := newTestService(subs, users, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_4",
		Kind: "customer.subscription.updated",
		Subscription: &stripegw.Subscription{
			Ref:      "sub_4",
			PriceRef: "price_creator",
			Status:   "active",
			Metadata: map[string]string{"user_id": userID.String()},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.created) != 1 {
		t.Fatalf("expected fallback to creation path, got %d created", len(subs.created))
	}
}

func TestInitialInvoiceIsSkipped(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_5",
		Kind: "invoice.paid",
		Invoice: &stripegw.Invoice{
			Ref:             "in_1",
			SubscriptionRef: "sub_5",
			BillingReason:   "subscription_create",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.invoicesPaid) != 0 {
		t.Fatal("initial invoice must not trigger a renewal grant")
	}
}

func TestRenewalInvoiceGrants(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_6",
		Kind: "invoice.paid",
		Invoice: &stripegw.Invoice{
			Ref:             "in_2",
			SubscriptionRef: "sub_6",
			BillingReason:   "subscription_cycle",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.invoicesPaid) != 1 || subs.invoicesPaid[0] != "in_2" {
		t.Fatalf("expected renewal grant for in_2, got %v", subs.invoicesPaid)
	}
}

func TestProrationInvoiceIsSkipped(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	// A plan change grants the credit difference directly; the proration
	// invoice that follows must not grant a full period on top.
	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_10",
		Kind: "invoice.paid",
		Invoice: &stripegw.Invoice{
			Ref:             "in_4",
			SubscriptionRef: "sub_10",
			BillingReason:   "subscription_update",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.invoicesPaid) != 0 {
		t.Fatal("proration invoice must not trigger a renewal grant")
	}
}

func TestCompletedSessionForUnknownUserIsDropped(t *testing.T) {
	subs := &fakeSubs{}
	repo := &fakeRepo{}
	svc := newTestServiceWithRepo(repo, subs, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_11",
		Kind: "checkout.session.completed",
		Session: &stripegw.Session{
			ID:                "cs_orphan",
			Mode:              stripegw.ModePayment,
			PaymentStatus:     "paid",
			ClientReferenceID: uuid.New().String(),
			Metadata:          map[string]string{"pack_id": "pack_small"},
		},
	})
	if err != nil {
		t.Fatalf("expected drop to be silent, got %v", err)
	}
	if len(repo.created) != 0 {
		t.Fatal("expected no payment row for unknown user")
	}
}

func TestAsyncPaymentFailureMarksIntentFailed(t *testing.T) {
	paymentID := uuid.New()
	repo := &fakeRepo{bySession: map[string]*Payment{
		"cs_async": {ID: paymentID, Status: StatusPending},
	}}
	svc := newTestServiceWithRepo(repo, &fakeSubs{}, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_12",
		Kind: "checkout.session.async_payment_failed",
		Session: &stripegw.Session{
			ID:   "cs_async",
			Mode: stripegw.ModePayment,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(repo.failed) != 1 || repo.failed[0] != paymentID {
		t.Fatalf("expected payment %s marked failed, got %v", paymentID, repo.failed)
	}
}

func TestAsyncPaymentFailureWithoutIntentIsAcked(t *testing.T) {
	repo := &fakeRepo{}
	svc := newTestServiceWithRepo(repo, &fakeSubs{}, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:      "evt_13",
		Kind:    "checkout.session.async_payment_failed",
		Session: &stripegw.Session{ID: "cs_ghost"},
	})
	if err != nil {
		t.Fatalf("expected ack without a local intent, got %v", err)
	}
	if len(repo.failed) != 0 {
		t.Fatal("expected nothing to mark")
	}
}

func TestSubscriptionCheckoutPullsSubscription(t *testing.T) {
	userID := uuid.New()
	users := &fakeUsers{byID: map[uuid.UUID]*user.User{userID: {ID: userID}}}
	subs := &fakeSubs{}
	gw := &fakeGateway{subscription: &stripegw.Subscription{
		Ref:      "sub_pull",
		PriceRef: "price_creator",
		Status:   "active",
		Metadata: map[string]string{"user_id": userID.String()},
	}}
	svc := newTestService(subs, users, gw, nil)

	// The completed checkout carries the subscription ref; the service
	// pulls the full object so a lost created event cannot strand the
	// subscription.
	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_14",
		Kind: "checkout.session.completed",
		Session: &stripegw.Session{
			ID:              "cs_sub",
			Mode:            stripegw.ModeSubscription,
			SubscriptionRef: "sub_pull",
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.created) != 1 || subs.created[0].SubscriptionRef != "sub_pull" {
		t.Fatalf("expected creation path for sub_pull, got %+v", subs.created)
	}
}

func TestReplaySessionRefPullsFromGateway(t *testing.T) {
	userID := uuid.New()
	users := &fakeUsers{byID: map[uuid.UUID]*user.User{userID: {ID: userID}}}
	subs := &fakeSubs{}
	gw := &fakeGateway{
		session: &stripegw.Session{
			ID:              "cs_replay",
			Mode:            stripegw.ModeSubscription,
			SubscriptionRef: "sub_replay",
		},
		subscription: &stripegw.Subscription{
			Ref:      "sub_replay",
			PriceRef: "price_creator",
			Status:   "active",
			Metadata: map[string]string{"user_id": userID.String()},
		},
	}
	svc := newTestService(subs, users, gw, nil)

	if err := svc.ReplaySessionRef(context.Background(), "cs_replay"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.created) != 1 {
		t.Fatalf("expected replayed session to reach the creation path, got %d", len(subs.created))
	}

	err := svc.ReplaySessionRef(context.Background(), "cs_missing")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable for unknown session, got %v", err)
	}
}

func TestUnhandledKindIsAcked(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:   "evt_7",
		Kind: "charge.refunded",
	})
	if err != nil {
		t.Fatalf("expected unhandled kinds to ack, got %v", err)
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	gw := &fakeGateway{eventErr: errors.New("bad signature")}
	svc := newTestService(&fakeSubs{}, &fakeUsers{}, gw, nil)

	err := svc.HandleGatewayEvent(context.Background(), []byte("{}"), "t=1,v1=bogus")
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestDedupCacheShortCircuits(t *testing.T) {
	subs := &fakeSubs{}
	dedup := &fakeDedup{seen: map[string]bool{}}
	gw := &fakeGateway{event: &stripegw.Event{
		ID:   "evt_8",
		Kind: "customer.subscription.deleted",
		Subscription: &stripegw.Subscription{
			Ref: "sub_8",
		},
	}}
	svc := newTestService(subs, &fakeUsers{}, gw, dedup)

	if err := svc.HandleGatewayEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.HandleGatewayEvent(context.Background(), []byte("{}"), "sig"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.deleted) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(subs.deleted))
	}
}

func TestPaymentFailureForUnknownSubscriptionIsDropped(t *testing.T) {
	subs := &fakeSubs{}
	svc := newTestService(subs, &fakeUsers{}, &fakeGateway{}, nil)

	// Missing subscription ref means nothing to mark.
	err := svc.ProcessEvent(context.Background(), &stripegw.Event{
		ID:      "evt_9",
		Kind:    "invoice.payment_failed",
		Invoice: &stripegw.Invoice{Ref: "in_3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subs.failed) != 0 {
		t.Fatal("expected no state change without a subscription ref")
	}
}
