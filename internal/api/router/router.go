// Package router wires the public webhook surface and the JWT-protected
// admin surface onto one chi router.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/bookline-ai/intake-platform/internal/audit"
	"github.com/bookline-ai/intake-platform/internal/deadletter"
	httpmiddleware "github.com/bookline-ai/intake-platform/internal/http/middleware"
	"github.com/bookline-ai/intake-platform/internal/webhook"
	"github.com/bookline-ai/intake-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger *logging.Logger

	// Receivers keyed by the platform path segment (/webhooks/{platform}).
	Receivers map[string]*webhook.Receiver

	DeadLetters  *deadletter.Handler
	AuditHandler *audit.Handler

	AdminAuthSecret string
	MetricsHandler  http.Handler

	// Webhook rate limit. Zero disables limiting.
	WebhookRatePerSec float64
	WebhookBurst      int
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/webhooks", func(hooks chi.Router) {
		if cfg.WebhookRatePerSec > 0 && cfg.WebhookBurst > 0 {
			hooks.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSec, cfg.WebhookBurst))
		}
		for platform, receiver := range cfg.Receivers {
			hooks.Get("/"+platform, receiver.Verify)
			hooks.Post("/"+platform, receiver.Receive)
		}
	})

	if cfg.AdminAuthSecret != "" && (cfg.DeadLetters != nil || cfg.AuditHandler != nil) {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			if cfg.DeadLetters != nil {
				admin.Get("/dead-letters", cfg.DeadLetters.List)
				admin.Post("/dead-letters/{eventID}/requeue", cfg.DeadLetters.Requeue)
				admin.Delete("/dead-letters/{eventID}", cfg.DeadLetters.Delete)
			}
			if cfg.AuditHandler != nil {
				admin.Get("/audit-records", cfg.AuditHandler.Query)
			}
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
