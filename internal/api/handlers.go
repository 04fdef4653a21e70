package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/rmiagent/internal/criteria"
	"github.com/mattjoyce/rmiagent/internal/journal"
	"github.com/mattjoyce/rmiagent/internal/tracker"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Agent:         s.config.Agent,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Outstanding:   len(s.tracker.Entries()),
	})
}

// handleCancel handles POST /cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SN == "" && req.Criteria == nil {
		s.writeError(w, http.StatusBadRequest, "sn or criteria is required")
		return
	}
	if req.Criteria != nil {
		if _, err := criteria.Build(req.Criteria); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cancelled, err := s.cancel(req.SN, req.Criteria)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("cancel failed", "sn", req.SN, "error", err)
		s.writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.logger.Info("requests cancelled via API", "count", len(cancelled), "sns", cancelled)
	respondJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

// handleListRequests handles GET /requests[?recent=N].
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	resp := RequestsResponse{Outstanding: s.tracker.Entries()}
	if resp.Outstanding == nil {
		resp.Outstanding = []tracker.Entry{}
	}
	if v := r.URL.Query().Get("recent"); v != "" && s.journal != nil {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "recent must be a non-negative integer")
			return
		}
		recent, err := s.journal.Recent(r.Context(), n)
		if err != nil {
			s.logger.Error("failed to list recent requests", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list recent requests")
			return
		}
		resp.Recent = recent
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetRequest handles GET /requests/{sn}. An outstanding request is
// reported as running or cancelling; otherwise the journal is consulted.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	sn := chi.URLParam(r, "sn")

	for _, e := range s.tracker.Entries() {
		if e.SN != sn {
			continue
		}
		status := "running"
		if e.Cancelled {
			status = "cancelling"
		}
		respondJSON(w, http.StatusOK, RequestStatusResponse{SN: sn, Status: status, Outstanding: &e})
		return
	}

	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	entry, err := s.journal.Get(r.Context(), sn)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("failed to retrieve request", "sn", sn, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve request")
		return
	}
	respondJSON(w, http.StatusOK, RequestStatusResponse{SN: sn, Status: entry.Status, Journal: entry})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
