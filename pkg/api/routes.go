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

	var limiter *clientLimiter
	if s.cfg.RateLimit.Enabled {
		limiter = newClientLimiter(s.cfg.RateLimit)
		go limiter.run(s.done)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(s.limitStreams(limiter))
			}

			r.Get("/events", s.handleEvents)
		})

		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(s.limitRequests(limiter))
			}

			r.Get("/queries", s.handleListQueries)
			r.Get("/queries/{id}", s.handleGetQuery)

			r.Get("/runs", s.handleListRuns)
			r.Route("/runs/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/records", s.handleListRecords)
				r.Get("/comparisons", s.handleListComparisons)
				r.Get("/artifacts/{name}", s.handleGetArtifact)
			})

			r.Get("/uploads", s.handleListUploads)
			r.Get("/settings", s.handleListSettings)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}

	origins := s.cfg.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
