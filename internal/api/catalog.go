package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// driversResponse is the JSON response for GET /v1/drivers.
type driversResponse struct {
	Drivers []device.AdapterInfo `json:"drivers"`
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, driversResponse{
		Drivers: s.registry.List(),
	})
}

// assetsResponse is the JSON response for GET /v1/assets.
type assetsResponse struct {
	Assets []*model.Asset `json:"assets"`
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")

	assets, err := s.store.ListAssets(r.Context(), category)
	if err != nil {
		s.logger.Error("list assets", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list assets")
		return
	}
	if assets == nil {
		assets = []*model.Asset{}
	}

	s.writeJSON(w, http.StatusOK, assetsResponse{Assets: assets})
}

// protocolsResponse is the JSON response for GET /v1/protocols.
type protocolsResponse struct {
	Protocols []*model.ProtocolDefinition `json:"protocols"`
}

func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	protocols, err := s.store.ListProtocols(r.Context())
	if err != nil {
		s.logger.Error("list protocols", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list protocols")
		return
	}
	if protocols == nil {
		protocols = []*model.ProtocolDefinition{}
	}

	s.writeJSON(w, http.StatusOK, protocolsResponse{Protocols: protocols})
}

func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	def, err := s.store.GetProtocol(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "protocol not found")
		return
	}
	if err != nil {
		s.logger.Error("get protocol", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get protocol")
		return
	}

	s.writeJSON(w, http.StatusOK, def)
}
