package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// requestLogger logs each request with its matched route and, for run
// scoped routes and filtered event streams, the run ID. Server errors log
// at warn level.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		fields := logrus.Fields{
			"method":   r.Method,
			"route":    r.URL.Path,
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"client":   clientAddr(r),
			"duration": time.Since(start),
		}

		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				fields["route"] = pattern
			}

			if runID := requestRunID(rctx, r); runID != "" {
				fields["run_id"] = runID
			}
		}

		entry := s.log.WithFields(fields)
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")

			return
		}

		entry.Debug("Request handled")
	})
}

// requestRunID returns the run a request is about, if any.
func requestRunID(rctx *chi.Context, r *http.Request) string {
	if strings.HasPrefix(rctx.RoutePattern(), "/api/v1/runs/{id}") {
		return rctx.URLParam("id")
	}

	return r.URL.Query().Get("run_id")
}
