package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

// Lister enumerates gateway activity in a trailing window.
type Lister interface {
	ListCompletedSessions(ctx context.Context, since time.Time) ([]*stripegw.Session, error)
	ListSubscriptions(ctx context.Context, since time.Time) ([]*stripegw.Subscription, error)
}

// Processor replays missed gateway activity through the exact same code
// the webhook path runs.
type Processor interface {
	HasSession(ctx context.Context, sessionRef string) (bool, error)
	ReplaySession(ctx context.Context, sess *stripegw.Session) error
	ReplaySubscription(ctx context.Context, sub *stripegw.Subscription) error
}

// SubscriptionStore answers whether a gateway subscription is known
// locally.
type SubscriptionStore interface {
	GetBySubscriptionRef(ctx context.Context, ref string) (*subscription.Subscription, error)
}

// Archiver persists finished reports. Optional.
type Archiver interface {
	Archive(ctx context.Context, report *Report) error
}

// Report summarizes one reconciliation run.
type Report struct {
	WindowDays           int       `json:"window_days"`
	DryRun               bool      `json:"dry_run"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	SessionsChecked      int       `json:"sessions_checked"`
	SubscriptionsChecked int       `json:"subscriptions_checked"`
	Synced               int       `json:"synced"`
	Skipped              int       `json:"skipped"`
	Errors               int       `json:"errors"`
	Missing              []string  `json:"missing,omitempty"`
}

type Service struct {
	lister    Lister
	processor Processor
	subs      SubscriptionStore
	archiver  Archiver
}

// NewService builds the reconciliation service. archiver may be nil.
func NewService(lister Lister, processor Processor, subs SubscriptionStore, archiver Archiver) *Service {
	return &Service{lister: lister, processor: processor, subs: subs, archiver: archiver}
}

// Run walks the gateway's recent checkout sessions and subscriptions and
// replays anything the webhook path missed. With dryRun set it only
// counts. Individual failures are counted and logged, never fatal to the
// sweep.
func (s *Service) Run(ctx context.Context, windowDays int, dryRun bool) (*Report, error) {
	if windowDays <= 0 {
		windowDays = 7
	}
	report := &Report{
		WindowDays: windowDays,
		DryRun:     dryRun,
		StartedAt:  time.Now().UTC(),
	}
	since := report.StartedAt.AddDate(0, 0, -windowDays)

	if err := s.sweepSessions(ctx, since, dryRun, report); err != nil {
		return nil, err
	}
	if err := s.sweepSubscriptions(ctx, since, dryRun, report); err != nil {
		return nil, err
	}

	report.FinishedAt = time.Now().UTC()
	log.Info().
		Int("window_days", report.WindowDays).
		Bool("dry_run", report.DryRun).
		Int("sessions_checked", report.SessionsChecked).
		Int("subscriptions_checked", report.SubscriptionsChecked).
		Int("synced", report.Synced).
		Int("skipped", report.Skipped).
		Int("errors", report.Errors).
		Msg("reconciliation finished")

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, report); err != nil {
			log.Warn().Err(err).Msg("report archive failed")
		}
	}
	return report, nil
}

func (s *Service) sweepSessions(ctx context.Context, since time.Time, dryRun bool, report *Report) error {
	sessions, err := s.lister.ListCompletedSessions(ctx, since)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		report.SessionsChecked++
		if sess.Mode != stripegw.ModePayment {
			report.Skipped++
			continue
		}
		if sess.PaymentStatus != "paid" {
			report.Skipped++
			continue
		}

		known, err := s.processor.HasSession(ctx, sess.ID)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("session_ref", sess.ID).Msg("session check failed")
			continue
		}
		if known {
			report.Skipped++
			continue
		}

		report.Missing = append(report.Missing, "session:"+sess.ID)
		if dryRun {
			continue
		}
		if err := s.processor.ReplaySession(ctx, sess); err != nil {
			report.Errors++
			log.Error().Err(err).Str("session_ref", sess.ID).Msg("session replay failed")
			continue
		}
		report.Synced++
	}
	return nil
}

func (s *Service) sweepSubscriptions(ctx context.Context, since time.Time, dryRun bool, report *Report) error {
	subs, err := s.lister.ListSubscriptions(ctx, since)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		report.SubscriptionsChecked++

		existing, err := s.subs.GetBySubscriptionRef(ctx, sub.Ref)
		if err != nil {
			report.Errors++
			log.Error().Err(err).Str("subscription_ref", sub.Ref).Msg("subscription check failed")
			continue
		}
		if existing != nil {
			report.Skipped++
			continue
		}

		report.Missing = append(report.Missing, "subscription:"+sub.Ref)
		if dryRun {
			continue
		}
		if err := s.processor.ReplaySubscription(ctx, sub); err != nil {
			report.Errors++
			log.Error().Err(err).Str("subscription_ref", sub.Ref).Msg("subscription replay failed")
			continue
		}
		report.Synced++
	}
	return nil
}
