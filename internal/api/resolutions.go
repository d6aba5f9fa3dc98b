package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// resolutionsRequest is the JSON body for POST /v1/runs/:id/resolutions.
// Verdicts are applied all-or-nothing: one invalid entry rejects the batch.
type resolutionsRequest struct {
	Resolutions []model.StateResolution `json:"resolutions"`
}

func (s *Server) handleSubmitResolutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req resolutionsRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := s.orch.SubmitResolutions(r.Context(), id, req.Resolutions)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run or change not found")
		return
	case errors.Is(err, engine.ErrBadCommand):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrNotAwaiting), errors.Is(err, store.ErrAlreadyResolved):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("submit resolutions", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit resolutions")
		return
	}

	changes, err := s.store.ListUncertainChanges(r.Context(), id, false)
	if err != nil {
		s.logger.Error("list uncertain changes after resolve", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list uncertain changes")
		return
	}

	s.writeJSON(w, http.StatusOK, uncertaintiesResponse{
		RunID:   id,
		Changes: changes,
	})
}

// uncertaintiesResponse is the JSON response for GET /v1/runs/:id/uncertainties.
type uncertaintiesResponse struct {
	RunID   string                        `json:"run_id"`
	Changes []*model.UncertainStateChange `json:"changes"`
}

func (s *Server) handleListUncertainties(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for uncertainties", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	unresolvedOnly := false
	if v := r.URL.Query().Get("unresolved"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unresolved must be a boolean")
			return
		}
		unresolvedOnly = parsed
	}

	changes, err := s.store.ListUncertainChanges(r.Context(), id, unresolvedOnly)
	if err != nil {
		s.logger.Error("list uncertain changes", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list uncertain changes")
		return
	}
	if changes == nil {
		changes = []*model.UncertainStateChange{}
	}

	s.writeJSON(w, http.StatusOK, uncertaintiesResponse{
		RunID:   id,
		Changes: changes,
	})
}
