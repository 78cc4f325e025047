/**
 * @description
 * HTTP router for the ledger-service. User routes are authenticated with the
 * chat gateway's JWT, operator routes with the internal API key, and the
 * settlement webhook with its HMAC signature.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and standard middleware.
 * - github.com/go-chi/cors: CORS for the operator dashboard.
 * - github.com/prometheus/client_golang: the /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GFFB0314/Bafoka-teamZ/internal/metrics"
)

// RouterConfig carries the secrets and origins the router needs.
type RouterConfig struct {
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
}

// LedgerRoutes creates and returns the router for the ledger service.
func LedgerRoutes(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/settlement", h.SettlementWebhookHandler)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuthMiddleware(cfg.JWTSecret))

		r.Post("/accounts", h.RegisterAccountHandler)
		r.Get("/accounts/me/balance", h.GetBalanceHandler)
		r.Post("/transfers", h.TransferHandler)
		r.Get("/transfers/{id}", h.GetTransferHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Put("/accounts/{identity}/community", h.UpdateCommunityHandler)
		r.Delete("/accounts/{identity}", h.DeactivateAccountHandler)
		r.Get("/transfers/revert-failed", h.ListRevertFailedHandler)
		r.Post("/transfers/{id}/retry-revert", h.RetryRevertHandler)
		r.Post("/reconcile", h.ReconcileHandler)
	})

	return r
}
