package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethpandaops/testoor/pkg/store"
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

// writeStoreError maps a store error to its HTTP status. Validation
// failures are the caller's fault, missing ids are 404, everything else
// is an internal error worth logging.
func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})
	}
}

// idParam parses the {id} route parameter.
func idParam(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)

	return uint(id), err == nil && id > 0
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats returns the outstanding-work counters.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.SystemStats(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleCreateRun schedules a new run from a test specification block.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	payload, err := newRunPayload(&req, s.cfg.Global.NightlyRequester)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	id, err := s.store.CreateRun(r.Context(), payload)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint{"run_id": id})
}

// handleListRuns returns run summaries, optionally filtered by branch
// and requester.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Branch:    q.Get("branch"),
		Requester: q.Get("requester"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns the full detail of one run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleCancelRun cancels all unfinished work of a run.
func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	canceled, err := s.store.CancelRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"canceled": canceled})
}

// handleRetryRun schedules fresh attempts for every failed test of a
// run.
func (s *server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	retried, err := s.store.RetryRun(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"retried": retried})
}

// handleGetBuild returns a build with its run context and output.
func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid build id"})

		return
	}

	build, err := s.store.GetBuild(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, build)
}

// handleGetTest returns a test with its logs metadata and history tally.
func (s *server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return
	}

	test, err := s.store.GetTest(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, test)
}

// handleRetryTest schedules a fresh attempt of one failed test.
func (s *server) handleRetryTest(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return
	}

	newID, err := s.store.RetryTest(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]uint{"test_id": newID})
}

// handleTestHistory returns recent invocations of the same test name on
// the same branch.
func (s *server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return
	}

	test, err := s.store.GetTest(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.store.TestHistory(
		r.Context(), test.Name, test.Branch, limit,
	)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleGetTestLog serves the inline copy of a captured log as plain
// text. Truncated logs carry the archive location in a header.
func (s *server) handleGetTestLog(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid test id"})

		return
	}

	logRow, err := s.store.GetTestLog(r.Context(), id, chi.URLParam(r, "type"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if logRow.StorageURL != "" {
		w.Header().Set("X-Storage-Url", logRow.StorageURL)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(logRow.Data); err != nil {
		s.log.WithError(err).Debug("Writing log response failed")
	}
}
