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

		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.RequestsPerMinute,
				))
			}

			r.Route("/runs", func(r chi.Router) {
				r.Post("/", s.handleCreateRun)
				r.Get("/", s.handleListRuns)
				r.Get("/{id}", s.handleGetRun)
				r.Delete("/{id}", s.handleDeleteRun)
				r.Post("/{id}/reports", s.handleIngestIntoRun)
			})

			r.Post("/reports", s.handleIngestReport)

			r.Get("/executions", s.handleListExecutions)
			r.Put("/executions/{id}/classification", s.handleSetClassification)

			r.Route("/test-cases", func(r chi.Router) {
				r.Get("/", s.handleListTestCases)
				r.Get("/{id}", s.handleGetTestCase)
				r.Delete("/{id}", s.handleDeleteTestCase)
				r.Get("/{id}/history", s.handleTestCaseHistory)
				r.Get("/{id}/flake", s.handleTestCaseFlake)
			})

			r.Get("/leaderboard", s.handleLeaderboard)
			r.Get("/failures", s.handleListFailures)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
