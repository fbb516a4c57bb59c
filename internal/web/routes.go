package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/photo-faces/internal/web/handlers"
	"github.com/kozaktomas/photo-faces/internal/web/middleware"
)

// requestTimeout bounds the plain JSON endpoints; SSE streams are exempt.
const requestTimeout = time.Minute

func (s *Server) setupRoutes() {
	runsHandler := handlers.NewRunsHandler(s.deps.Runner, s.jobManager, s.deps.RunOptions)
	clustersHandler := handlers.NewClustersHandler(s.deps.Store, s.deps.Roots, s.deps.IndexPath)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs/{jobId}/events", runsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))

			r.Get("/progress", runsHandler.Progress)
			r.Get("/runs", runsHandler.List)
			r.Get("/runs/{jobId}", runsHandler.Status)

			r.Get("/clusters", clustersHandler.List)
			r.Get("/clusters/{id}", clustersHandler.Get)
			r.Get("/clusters/{id}/similar", clustersHandler.Similar)

			// Starting and cancelling passes needs the API token when one is configured
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireToken(s.config.Token))
				r.Post("/runs", runsHandler.Start)
				r.Delete("/runs/{jobId}", runsHandler.Cancel)
			})
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})
}
