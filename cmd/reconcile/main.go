package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/config"
	"github.com/clipforge/clipforge-api/internal/domain/credit"
	"github.com/clipforge/clipforge-api/internal/domain/payment"
	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/domain/reconcile"
	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/domain/user"
	"github.com/clipforge/clipforge-api/internal/pkg/database"
	"github.com/clipforge/clipforge-api/internal/pkg/logger"
	"github.com/clipforge/clipforge-api/internal/pkg/reportstore"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

// Batch entry point for the periodic reconciliation sweep, intended to
// run from cron. The HTTP admin route runs the same service.
func main() {
	windowDays := flag.Int("window", 0, "trailing window in days (default from RECONCILE_WINDOW_DAYS)")
	dryRun := flag.Bool("dry-run", false, "count missing events without replaying them")
	flag.Parse()

	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer database.ClosePostgres(db)

	gw := stripegw.New(stripegw.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.StripeTimeout,
	})

	catalog := plan.Default()
	userRepo := user.NewRepository(db)
	creditService := credit.NewService(db)
	subscriptionRepo := subscription.NewRepository(db)
	paymentRepo := payment.NewRepository(db)

	subscriptionService := subscription.NewService(subscriptionRepo, catalog, creditService, paymentRepo, gw)
	paymentService := payment.NewService(paymentRepo, userRepo, creditService, subscriptionService, catalog, gw, nil, payment.CheckoutURLs{
		Success: cfg.CheckoutSuccessURL,
		Cancel:  cfg.CheckoutCancelURL,
	})

	var archiver reconcile.Archiver
	if cfg.ReportS3Bucket != "" {
		store, err := reportstore.New(reportstore.Config{
			Endpoint:  cfg.ReportS3Endpoint,
			Region:    cfg.ReportS3Region,
			Bucket:    cfg.ReportS3Bucket,
			AccessKey: cfg.ReportS3AccessKey,
			SecretKey: cfg.ReportS3SecretKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("report store init failed")
		}
		archiver = store
	}

	svc := reconcile.NewService(gw, paymentService, subscriptionRepo, archiver)

	window := *windowDays
	if window == 0 {
		window = cfg.ReconcileWindowDays
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := svc.Run(ctx, window, *dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("reconciliation failed")
	}

	if report.Errors > 0 {
		os.Exit(1)
	}
}
