package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/store"
)

// commandRequest is the JSON body for POST /v1/runs/:id/commands.
type commandRequest struct {
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload"`
	IssuedBy string         `json:"issued_by"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cmd, err := s.orch.SubmitCommand(r.Context(), id, req.Command, req.Payload, req.IssuedBy)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, engine.ErrBadCommand):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrRunDone), errors.Is(err, engine.ErrUnresolved):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("submit command", "run_id", id, "command", req.Command, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit command")
		return
	}

	// Queued commands take effect at the next step boundary.
	s.writeJSON(w, http.StatusAccepted, cmd)
}
