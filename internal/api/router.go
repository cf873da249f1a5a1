// Package api assembles the HTTP router for the Attendra platform.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/attendra/attendra/internal/api/handlers"
	"github.com/attendra/attendra/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Session triggering
		r.Post("/trigger", h.Trigger)

		// Tenant administration
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.GetTenant)
				r.Put("/", h.UpdateTenant)
				r.Delete("/", h.DeleteTenant)
				r.Get("/credentials", h.TenantCredentials)
			})
		})

		// Agents (tenant-scoped via X-Tenant-Id)
		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
			r.Route("/{agentSlug}", func(r chi.Router) {
				r.Get("/", h.GetAgent)
				r.Put("/", h.UpdateAgent)
				r.Delete("/", h.DeleteAgent)
			})
		})

		// Ambient abilities (tenant-scoped via X-Tenant-Id)
		r.Route("/abilities", func(r chi.Router) {
			r.Get("/", h.ListAbilities)
			r.Post("/", h.CreateAbility)
			r.Route("/{abilityID}", func(r chi.Router) {
				r.Get("/", h.GetAbility)
				r.Put("/", h.UpdateAbility)
				r.Delete("/", h.DeleteAbility)
			})
		})

		// Ambient run queue
		r.Route("/ambient/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.ScheduleRun)
			r.Get("/{runID}", h.GetRun)
		})

		// Notification side-channel
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", h.ListNotifications)
			r.Post("/{notificationID}/shown", h.MarkNotificationShown)
		})

		// Conversations and the agent output channel
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/turns", h.ListTurns)
			r.Get("/events", h.ListOutputEvents)
			r.Post("/events", h.AppendOutputEvent)
		})
	})

	return r
}
