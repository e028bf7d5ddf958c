package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Read endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.API.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.API.RateLimit.Public,
				))
			}

			r.Get("/stats", s.handleStats)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/builds/{id}", s.handleGetBuild)
			r.Get("/tests/{id}", s.handleGetTest)
			r.Get("/tests/{id}/history", s.handleTestHistory)
			r.Get("/tests/{id}/logs/{type}", s.handleGetTestLog)
		})

		// Mutating endpoints.
		r.Group(func(r chi.Router) {
			if s.cfg.API.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.API.RateLimit.Write,
				))
			}

			r.Post("/runs", s.handleCreateRun)
			r.Post("/runs/{id}/cancel", s.handleCancelRun)
			r.Post("/runs/{id}/retry", s.handleRetryRun)
			r.Post("/tests/{id}/retry", s.handleRetryTest)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}

	origins := s.cfg.API.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
