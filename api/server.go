/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the review UI

ROUTE GROUPS:
  /api/sessions/*       Import sessions, stage mutations, transitions, commit
  /api/calendars/*      Waitlist validation and reset per calendar day
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. The operator identity is taken from the
  X-Actor-ID header as given; put the server behind the identity proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Post("/", h.CreateSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.DiscardSession)
				r.Get("/metrics", h.GetMetrics)
				r.Get("/audit", h.GetAudit)

				// Stage mutations
				r.Post("/unmatched/{index}/resolve", h.ResolveMember)
				r.Post("/unmatched/{index}/skip", h.SkipUnmatched)
				r.Post("/duplicates/{index}", h.DecideDuplicate)
				r.Put("/allotments/{date}", h.AdjustAllotment)
				r.Delete("/allotments/{date}", h.ClearAllotmentAdjustment)
				r.Put("/ordering/{date}", h.ReorderRequests)
				r.Post("/requests/{index}/skip", h.SkipRequest)
				r.Post("/requests/{index}/restore", h.RestoreRequest)
				r.Post("/conflicts/{index}", h.ResolveConflict)

				// Transitions
				r.Get("/transitions/{stage}", h.CheckTransition)
				r.Post("/advance", h.Advance)
				r.Get("/rollback/{stage}", h.PlanRollback)
				r.Post("/rollback", h.Rollback)
				r.Post("/navigate", h.Navigate)
				r.Get("/commit/preview", h.PreviewCommit)
				r.Post("/commit", h.Commit)
			})
		})

		// Waitlist tools
		r.Route("/calendars/{id}/waitlist/{date}", func(r chi.Router) {
			r.Post("/validate", h.ValidateWaitlist)
			r.Post("/reset", h.ResetWaitlist)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
