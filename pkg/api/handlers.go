package api

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/ethpandaops/querybenchoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps store errors to a response.
func (s *server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{what + " not found"})

		return
	}

	s.log.WithError(err).Error("Store request failed")

	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"internal error"})
}

// idParam parses the {id} URL parameter. It writes a 400 and returns
// false when the parameter is not a positive integer.
func idParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid id"})

		return 0, false
	}

	return uint(id), true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListQueries lists registered queries. ?active=true limits the
// result to active ones.
func (s *server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	activeOnly := false

	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid active flag"})

			return
		}

		activeOnly = b
	}

	queries, err := s.store.ListQueries(r.Context(), activeOnly)
	if err != nil {
		s.writeStoreError(w, err, "queries")

		return
	}

	writeJSON(w, http.StatusOK, queries)
}

func (s *server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	q, err := s.store.GetQuery(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "query")

		return
	}

	writeJSON(w, http.StatusOK, q)
}

// handleListRuns lists runs newest first. ?limit=N caps the result.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"invalid limit"})

			return
		}

		limit = n
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err, "runs")

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListRecords lists the execution records of a run. ?platform=
// filters by platform.
func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	platform := model.Platform(r.URL.Query().Get("platform"))
	if platform != "" && !platform.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid platform"})

		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	records, err := s.store.ListExecutionRecords(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "records")

		return
	}

	if platform != "" {
		filtered := make([]model.ExecutionRecord, 0, len(records)/2)

		for i := range records {
			if records[i].Platform == platform {
				filtered = append(filtered, records[i])
			}
		}

		records = filtered
	}

	writeJSON(w, http.StatusOK, records)
}

type comparisonsResponse struct {
	Summary compare.Summary          `json:"summary"`
	Results []model.ComparisonResult `json:"results"`
}

func (s *server) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	results, err := s.store.ListComparisonResults(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "comparison results")

		return
	}

	writeJSON(w, http.StatusOK, comparisonsResponse{
		Summary: compare.Summarize(results),
		Results: results,
	})
}

// handleGetArtifact serves a report file of a run, first from the local
// results directory and then from the upload bucket.
func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "name")
	if !report.IsArtifact(name) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown artifact"})

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	runDir := report.RunDirName(run)

	data, err := s.artifacts.Read(runDir, name)

	switch {
	case err == nil:
	case errors.Is(err, errArtifactNotAllowed):
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid artifact name"})

		return
	case errors.Is(err, fs.ErrNotExist):
		data, err = s.remoteArtifact(r, runDir, name)
		if err != nil {
			s.log.WithError(err).
				WithField("artifact", name).
				Warn("Failed to read remote artifact")

			writeJSON(w, http.StatusBadGateway,
				errorResponse{"reading remote artifact failed"})

			return
		}
	default:
		s.log.WithError(err).
			WithField("artifact", name).
			Warn("Failed to read artifact")

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	if data == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"artifact not found"})

		return
	}

	w.Header().Set("Content-Type", report.ContentType(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}

// remoteArtifact returns nil data when no remote is configured or the
// object does not exist.
func (s *server) remoteArtifact(
	r *http.Request,
	runDir, name string,
) ([]byte, error) {
	if s.remote == nil {
		return nil, nil
	}

	return s.remote.GetRunArtifact(r.Context(), runDir, name)
}

// handleListUploads lists run directories present in the upload bucket.
func (s *server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"uploads not configured"})

		return
	}

	dirs, err := s.remote.ListRunDirs(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("Failed to list uploaded runs")

		writeJSON(w, http.StatusBadGateway,
			errorResponse{"listing uploads failed"})

		return
	}

	writeJSON(w, http.StatusOK, dirs)
}

func (s *server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "settings")

		return
	}

	writeJSON(w, http.StatusOK, settings)
}
