/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging through slog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the care-team dashboard

ROUTE GROUPS:
  /api/events               Event ingestion
  /api/patients/*           Accounts, progress, analytics
  /api/achievements         Catalog
  /api/challenges/*         Catalog and leaderboards
  /api/reconciliation/*     Ledger reconciliation
  /api/scenarios/*          Demo scenarios (dev only)
  /healthz                  Liveness
  /metrics                  Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Deploy behind the platform gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured. metrics may be nil.
func NewRouter(h *Handler, metrics http.Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.SubmitEvent)

		r.Route("/patients/{id}", func(r chi.Router) {
			r.Put("/", h.RegisterPatient)
			r.Get("/", h.GetAccount)
			r.Delete("/", h.ArchiveAccount)
			r.Get("/ledger", h.GetLedger)
			r.Get("/achievements", h.GetAchievementProgress)
			r.Post("/activities", h.RecordActivity)
			r.Get("/snapshot", h.GetSnapshot)
			r.Get("/challenges/{cid}", h.GetParticipation)
			r.Post("/challenges/{cid}/tasks/{tid}", h.CompleteTask)
		})

		r.Get("/achievements", h.ListAchievements)
		r.Route("/challenges", func(r chi.Router) {
			r.Get("/", h.ListChallenges)
			r.Get("/{cid}/leaderboard", h.GetLeaderboard)
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Get("/runs", h.ListReconciliationRuns)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetStore)
		})
	})

	return r
}

// requestLogger logs one line per request at debug for health and metrics
// probes and at info otherwise.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				level = slog.LevelDebug
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
