package api

import (
	"net/http"

	"github.com/bcnelson/waf-blocklist-manager/internal/api/handler"
	"github.com/bcnelson/waf-blocklist-manager/internal/api/middleware"
	"github.com/bcnelson/waf-blocklist-manager/internal/service"
	"github.com/bcnelson/waf-blocklist-manager/internal/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/panjf2000/ants/v2"
)

// Services bundles what the HTTP layer drives.
type Services struct {
	Store     storage.Storage
	Setup     *service.Bootstrapper
	Sync      *service.SyncService
	Admission *service.AdmissionController
	Sweeper   *service.Sweeper
	// Pool runs the events of a batch request.
	Pool *ants.Pool
	// BlockDays is the retention used when a sweep request gives none.
	BlockDays int
}

// NewRouter creates a new HTTP router with all routes configured.
// verifier may be nil to disable OIDC bearer tokens.
func NewRouter(svc *Services, bootstrapKey string, verifier middleware.TokenVerifier) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		r.Use(middleware.Auth(svc.Store, bootstrapKey, verifier))

		// API Keys
		keyHandler := handler.NewKeyHandler(svc.Store)
		r.Post("/keys", keyHandler.Issue)
		r.Get("/keys", keyHandler.List)
		r.Delete("/keys/{id}", keyHandler.Revoke)

		// Events
		eventHandler := handler.NewEventHandler(svc.Admission, svc.Pool)
		r.Post("/events", eventHandler.Admit)
		r.Post("/events/guardduty", eventHandler.AdmitFinding)
		r.Post("/events/batch", eventHandler.AdmitBatch)

		// Rules
		ruleHandler := handler.NewRuleHandler(svc.Admission, svc.Setup)
		r.Get("/rules", ruleHandler.List)
		r.Get("/rules/*", ruleHandler.Get)
		r.Delete("/rules/*", ruleHandler.Delete)
		r.Get("/counter", ruleHandler.Counter)
		r.Get("/setup", ruleHandler.Setup)

		// Retention
		sweepHandler := handler.NewSweepHandler(svc.Sweeper, svc.BlockDays)
		r.Post("/sweep", sweepHandler.Sweep)

		// Mirrors
		mirrorHandler := handler.NewMirrorHandler(svc.Sync)
		r.Post("/mirrors/sync", mirrorHandler.Sync)
		r.Get("/mirrors/history", mirrorHandler.History)
	})

	return r
}
