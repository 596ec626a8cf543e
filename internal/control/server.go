// Package control exposes the control service's HTTP API: the snapshot
// surface over a fleet of host agents.
package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/containerd/log"

	"github.com/NexusQuantum/microvm/internal/faults"
	"github.com/NexusQuantum/microvm/internal/snapshot"
)

// Server is the control service HTTP server.
type Server struct {
	orch *snapshot.Orchestrator
}

// NewServer wires the control server to the snapshot orchestrator.
func NewServer(orch *snapshot.Orchestrator) *Server {
	return &Server{orch: orch}
}

// Handler returns the control service's routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /vms/{id}/snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("GET /vms/{id}/snapshots", s.handleListSnapshots)
	mux.HandleFunc("GET /snapshots/{id}", s.handleGetSnapshot)
	mux.HandleFunc("POST /snapshots/{id}/instantiate", s.handleInstantiate)

	return mux
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.CreateSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": rec.ID})
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	recs, err := s.orch.SnapshotsForVM(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.GetSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	// An empty body means "pick a name for me".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, faults.Configurationf("decoding request body: %v", err))
		return
	}

	vm, err := s.orch.Instantiate(r.Context(), r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": vm.ID, "name": vm.Name})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.G(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
