package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/me", s.HandleGetCurrentOperator)

		// Devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Post("/", s.HandleCreateDevice)
			r.Route("/{dev_addr}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Delete("/", s.HandleDeleteDevice)
				r.Get("/downlinks", s.HandleListDeviceDownlinks)
			})
		})

		// Gateways
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.HandleListGateways)
			r.Post("/", s.HandleCreateGateway)
			r.Route("/{gateway_id}", func(r chi.Router) {
				r.Get("/", s.HandleGetGateway)
				r.Delete("/", s.HandleDeleteGateway)
			})
		})

		r.Get("/sub-bands", s.HandleListSubBands)

		// Events
		r.Get("/events", s.HandleListEvents)

		// Integrations
		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", s.HandleGetIntegrations)
			r.Post("/test", s.HandleTestIntegration)
		})
	})
}
