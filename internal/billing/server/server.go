package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/licensor/internal/billing/handler"
	"github.com/dukerupert/licensor/internal/billing/metrics"
	sharedmw "github.com/dukerupert/licensor/internal/middleware"
	"github.com/dukerupert/licensor/internal/websocket"
)

type Config struct {
	// StripeWebhooks registers POST /webhooks/stripe.
	StripeWebhooks bool
	RateLimit      int
	RateWindow     time.Duration

	// TrustProxyHeaders keys rate limits on CF-Connecting-IP and
	// X-Forwarded-For. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type Server struct {
	db          *sql.DB
	cfg         Config
	licenseH    *handler.LicenseHandler
	webhookH    *handler.WebhookHandler
	svc         handler.Service
	hub         *websocket.Hub
	rateLimiter *sharedmw.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, svc handler.Service, hub *websocket.Hub, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}

	return &Server{
		db:          db,
		cfg:         cfg,
		licenseH:    handler.NewLicenseHandler(svc, logger.With("component", "license")),
		webhookH:    handler.NewWebhookHandler(svc, logger.With("component", "webhook")),
		svc:         svc,
		hub:         hub,
		rateLimiter: sharedmw.NewRateLimiter(),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *sharedmw.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	s.route(mux, "POST /create-order", s.rateLimited(s.licenseH.CreateOrder))
	s.route(mux, "POST /verify-payment", s.rateLimited(s.licenseH.VerifyPayment))
	s.route(mux, "GET /license-status", s.licenseH.Status)
	s.route(mux, "GET /license-events", websocket.HandleLicenseEvents(s.hub, s.svc.GetStatus, s.logger.With("component", "websocket")))

	// Stripe signs its webhooks; no rate limit so retries are never dropped.
	if s.cfg.StripeWebhooks {
		s.route(mux, "POST /webhooks/stripe", s.webhookH.HandleStripeWebhook)
	}

	return sharedmw.RequestID(sharedmw.RequestLogger(s.logger)(mux))
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, metrics.Instrument(pattern, h))
}

func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := sharedmw.RemoteIP
	if s.cfg.TrustProxyHeaders {
		keyFunc = sharedmw.RealIP
	}
	rl := sharedmw.RateLimit(s.rateLimiter, keyFunc, s.cfg.RateLimit, s.cfg.RateWindow)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(h).ServeHTTP(w, r)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check: database unreachable", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
