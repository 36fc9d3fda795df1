package web

import "github.com/go-chi/chi/v5"

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.api.HealthCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/reprocess", s.api.StartReprocess)
		r.Get("/jobs", s.api.ListJobs)
		r.Get("/jobs/{id}", s.api.GetJob)
		r.Post("/jobs/{id}/cancel", s.api.CancelJob)

		r.Get("/stats", s.api.Stats)
		r.Get("/observations/{id}", s.api.GetObservation)
		r.Get("/identities/{id}", s.api.GetIdentity)
		r.Get("/identities/{id}/similar", s.api.SimilarIdentities)
	})
}
