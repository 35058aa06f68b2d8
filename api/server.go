/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/plans/*          Plan lifecycle and crop catalog
  /api/device/*         Per-user device poll
  /api/valve/*          Manual valve control
  /api/payments/*       Balance credits
  /api/users/*          Balance probes
  /api/scenarios/*      Demo scenarios (dev only)
  /receive_data         Legacy sensor ingest (field controller)
  /get_data             Legacy reading history
  /valve_states         Legacy batch valve poll (field controller)
  /metrics              Prometheus scrape

LEGACY ROUTES:
  The field controller firmware predates the /api prefix; its three
  endpoints keep their historical paths and payload shapes.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Plan routes
		r.Route("/plans", func(r chi.Router) {
			r.Post("/calculate", h.CalculatePlan)
			r.Post("/start", h.StartPlan)
			r.Post("/cancel", h.CancelPlan)
			r.Get("/active", h.ActivePlan)
			r.Get("/latest", h.LatestPlan)
			r.Get("/crops", h.ListCrops)
			r.Get("/regions", h.ListRegions)
			r.Get("/stages", h.ListStages)
		})

		// Device routes
		r.Route("/device", func(r chi.Router) {
			r.Get("/state", h.DeviceState)
		})

		// Valve routes
		r.Route("/valve", func(r chi.Router) {
			r.Post("/open", h.OpenValve)
			r.Post("/close", h.CloseValve)
		})

		// Payment routes
		r.Route("/payments", func(r chi.Router) {
			r.Post("/credit", h.CreditBalance)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
		})

		// Demo scenarios (dev only)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	// Legacy device endpoints (fixed paths baked into firmware)
	r.Post("/receive_data", h.ReceiveData)
	r.Get("/get_data", h.GetData)
	r.Get("/valve_states", h.ValveStates)

	// Metrics
	r.Handle("/metrics", promhttp.Handler())

	return r
}
