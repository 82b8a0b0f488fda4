package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

type fakeLister struct {
	sessions []*stripegw.Session
	subs     []*stripegw.Subscription
}

func (f *fakeLister) ListCompletedSessions(ctx context.Context, since time.Time) ([]*stripegw.Session, error) {
	return f.sessions, nil
}

func (f *fakeLister) ListSubscriptions(ctx context.Context, since time.Time) ([]*stripegw.Subscription, error) {
	return f.subs, nil
}

type fakeProcessor struct {
	known        map[string]bool
	replayedSess []string
	replayedSubs []string
}

func (f *fakeProcessor) HasSession(ctx context.Context, ref string) (bool, error) {
	return f.known[ref], nil
}

func (f *fakeProcessor) ReplaySession(ctx context.Context, sess *stripegw.Session) error {
	f.replayedSess = append(f.replayedSess, sess.ID)
	return nil
}

func (f *fakeProcessor) ReplaySubscription(ctx context.Context, sub *stripegw.Subscription) error {
	f.replayedSubs = append(f.replayedSubs, sub.Ref)
	return nil
}

type fakeSubStore struct {
	known map[string]bool
}

func (f *fakeSubStore) GetBySubscriptionRef(ctx context.Context, ref string) (*subscription.Subscription, error) {
	if f.known[ref] {
		return &subscription.Subscription{SubscriptionRef: ref}, nil
	}
	return nil, nil
}

func paidSession(id string) *stripegw.Session {
	return &stripegw.Session{ID: id, Mode: stripegw.ModePayment, PaymentStatus: "paid"}
}

func TestRunReplaysOnlyMissing(t *testing.T) {
	lister := &fakeLister{
		sessions: []*stripegw.Session{
			paidSession("cs_known"),
			paidSession("cs_missing_1"),
			paidSession("cs_missing_2"),
		},
		subs: []*stripegw.Subscription{
			{Ref: "sub_known"},
			{Ref: "sub_missing"},
		},
	}
	proc := &fakeProcessor{known: map[string]bool{"cs_known": true}}
	store := &fakeSubStore{known: map[string]bool{"sub_known": true}}

	svc := NewService(lister, proc, store, nil)
	report, err := svc.Run(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Synced != 3 {
		t.Fatalf("expected 3 synced, got %d", report.Synced)
	}
	if report.Skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", report.Skipped)
	}
	if len(proc.replayedSess) != 2 {
		t.Fatalf("expected 2 session replays, got %v", proc.replayedSess)
	}
	if len(proc.replayedSubs) != 1 || proc.replayedSubs[0] != "sub_missing" {
		t.Fatalf("expected sub_missing replayed, got %v", proc.replayedSubs)
	}
}

func TestRunDryRunMutatesNothing(t *testing.T) {
	lister := &fakeLister{
		sessions: []*stripegw.Session{paidSession("cs_missing")},
		subs:     []*stripegw.Subscription{{Ref: "sub_missing"}},
	}
	proc := &fakeProcessor{known: map[string]bool{}}
	store := &fakeSubStore{known: map[string]bool{}}

	svc := NewService(lister, proc, store, nil)
	report, err := svc.Run(context.Background(), 7, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(proc.replayedSess) != 0 || len(proc.replayedSubs) != 0 {
		t.Fatal("dry run must not replay anything")
	}
	if report.Synced != 0 {
		t.Fatalf("expected 0 synced on dry run, got %d", report.Synced)
	}
	if len(report.Missing) != 2 {
		t.Fatalf("expected 2 missing entries, got %v", report.Missing)
	}
}

func TestRunSkipsUnpaidAndSubscriptionModeSessions(t *testing.T) {
	lister := &fakeLister{
		sessions: []*stripegw.Session{
			{ID: "cs_sub", Mode: stripegw.ModeSubscription, PaymentStatus: "paid"},
			{ID: "cs_unpaid", Mode: stripegw.ModePayment, PaymentStatus: "unpaid"},
		},
	}
	proc := &fakeProcessor{known: map[string]bool{}}
	store := &fakeSubStore{known: map[string]bool{}}

	svc := NewService(lister, proc, store, nil)
	report, err := svc.Run(context.Background(), 7, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(proc.replayedSess) != 0 {
		t.Fatalf("expected no replays, got %v", proc.replayedSess)
	}
	if report.Skipped != 2 {
		t.Fatalf("expected 2 skipped, got %d", report.Skipped)
	}
}
