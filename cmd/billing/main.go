package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/licensor/internal/billing/database"
	"github.com/dukerupert/licensor/internal/billing/entitlement"
	"github.com/dukerupert/licensor/internal/billing/gateway"
	"github.com/dukerupert/licensor/internal/billing/model"
	"github.com/dukerupert/licensor/internal/billing/razorpay"
	"github.com/dukerupert/licensor/internal/billing/server"
	"github.com/dukerupert/licensor/internal/billing/store"
	billingstripe "github.com/dukerupert/licensor/internal/billing/stripe"
	"github.com/dukerupert/licensor/internal/config"
	"github.com/dukerupert/licensor/internal/email"
	"github.com/dukerupert/licensor/internal/logging"
	"github.com/dukerupert/licensor/internal/websocket"
)

func main() {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LICENSOR_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	gw := newGateway(cfg)
	hub := websocket.NewHub(logger.With("component", "websocket"))

	notifiers := []entitlement.Notifier{hub}
	emailClient := email.NewClient(cfg.Postmark.Token, cfg.Postmark.From, cfg.BaseURL)
	if emailClient.Configured() {
		notifiers = append(notifiers, emailClient)
	} else {
		logger.Info("postmark not configured, receipts disabled")
	}

	svc := entitlement.New(store.NewLicenseStore(db), gw, entitlement.Options{
		Amount:            cfg.Pricing.Amount,
		Currency:          cfg.Pricing.Currency,
		Plan:              model.Plan(cfg.Pricing.Plan),
		Duration:          cfg.Pricing.Duration,
		GatewayTimeout:    cfg.GatewayTimeout,
		RequireOrderMatch: cfg.RequireOrderMatch,
	}, logger, notifiers...)

	srv := server.New(db, svc, hub, server.Config{
		StripeWebhooks:    cfg.Gateway == "stripe",
		RateLimit:         cfg.RateLimit.Requests,
		RateWindow:        cfg.RateLimit.Window,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Long enough for a gateway call that runs to its own timeout.
		WriteTimeout: cfg.GatewayTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("license service starting",
			"addr", ":"+cfg.Port,
			"gateway", gw.Name(),
			"amount", cfg.Pricing.Amount,
			"currency", cfg.Pricing.Currency,
			"duration", cfg.Pricing.Duration,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func newGateway(cfg *config.Config) gateway.Gateway {
	if cfg.Gateway == "stripe" {
		return billingstripe.NewClient(billingstripe.Config{
			SecretKey:      cfg.Stripe.SecretKey,
			PublishableKey: cfg.Stripe.PublishableKey,
			WebhookSecret:  cfg.Stripe.WebhookSecret,
			Timeout:        cfg.GatewayTimeout,
		})
	}
	return razorpay.NewClient(razorpay.Config{
		KeyID:     cfg.Razorpay.KeyID,
		KeySecret: cfg.Razorpay.KeySecret,
		BaseURL:   cfg.Razorpay.BaseURL,
		Timeout:   cfg.GatewayTimeout,
	})
}
