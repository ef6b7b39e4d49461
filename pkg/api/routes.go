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

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.Auth.Enabled {
				r.Use(s.requireAuth)
			}

			if s.cfg.RateLimit.Enabled {
				r.Use(s.rateLimit(s.cfg.RateLimit.RequestsPerMinute))
			}

			r.Get("/origins", s.handleOrigins)

			r.Route("/origins/{origin}", func(r chi.Router) {
				r.Get("/runs", s.handleRecentRuns)
				r.Get("/runs/{runID}", s.handleRunByExternalID)
				r.Get("/summary", s.handleOriginSummary)
				r.Get("/flaky", s.handleFlaky)
			})

			r.Get("/runs", s.handleRunSearch)
			r.Get("/runs/{id}", s.handleRun)
			r.Get("/runs/{id}/results", s.handleRunResults)

			r.Get("/tests/history", s.handleTestHistory)
			r.Get("/tests/classification", s.handleTestClassification)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
