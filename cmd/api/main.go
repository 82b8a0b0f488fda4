package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/clipforge/clipforge-api/internal/config"
	"github.com/clipforge/clipforge-api/internal/domain/credit"
	"github.com/clipforge/clipforge-api/internal/domain/payment"
	"github.com/clipforge/clipforge-api/internal/domain/plan"
	"github.com/clipforge/clipforge-api/internal/domain/reconcile"
	"github.com/clipforge/clipforge-api/internal/domain/subscription"
	"github.com/clipforge/clipforge-api/internal/domain/user"
	"github.com/clipforge/clipforge-api/internal/middleware"
	"github.com/clipforge/clipforge-api/internal/pkg/database"
	"github.com/clipforge/clipforge-api/internal/pkg/jwt"
	"github.com/clipforge/clipforge-api/internal/pkg/logger"
	"github.com/clipforge/clipforge-api/internal/pkg/reportstore"
	"github.com/clipforge/clipforge-api/internal/pkg/response"
	"github.com/clipforge/clipforge-api/internal/pkg/stripegw"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("starting clipforge billing API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer database.ClosePostgres(db)

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer database.CloseRedis(redisClient)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	catalog := plan.Default()

	gw := stripegw.New(stripegw.Config{
		APIKey:        cfg.StripeAPIKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.StripeTimeout,
	})

	// ---------- Repositories & services ----------
	userRepo := user.NewRepository(db)
	creditService := credit.NewService(db)
	subscriptionRepo := subscription.NewRepository(db)
	paymentRepo := payment.NewRepository(db)

	subscriptionService := subscription.NewService(subscriptionRepo, catalog, creditService, paymentRepo, gw)

	var dedup payment.DedupCache
	if redisClient != nil {
		dedup = database.NewEventDedup(redisClient, 0)
	}

	paymentService := payment.NewService(paymentRepo, userRepo, creditService, subscriptionService, catalog, gw, dedup, payment.CheckoutURLs{
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
	reconcileService := reconcile.NewService(gw, paymentService, subscriptionRepo, archiver)

	// ---------- Handlers ----------
	creditHandler := credit.NewHandler(creditService)
	subscriptionHandler := subscription.NewHandler(subscriptionService, catalog)
	paymentHandler := payment.NewHandler(paymentService)
	reconcileHandler := reconcile.NewHandler(reconcileService)

	authMiddleware := middleware.Auth(jwtService)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/billing", func(r chi.Router) {
			subscriptionHandler.RegisterPublic(r)
			r.Group(func(r chi.Router) {
				r.Use(authMiddleware)
				creditHandler.Register(r)
				paymentHandler.Register(r)
				subscriptionHandler.Register(r)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(authMiddleware)
			r.Use(middleware.RequireAdmin)
			reconcileHandler.Register(r)
			r.Post("/credits/adjust", creditHandler.Adjust)
			r.Get("/credits/{userID}/audit", creditHandler.Audit)
			r.Get("/payments", paymentHandler.AdminSearch)
			r.Post("/payments/replay", paymentHandler.AdminReplay)
		})
	})

	r.Mount("/webhooks", paymentHandler.WebhookRoutes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}

	log.Info().Msg("server exited")
}
