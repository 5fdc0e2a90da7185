// Package api exposes the commutator's collaborator interface over HTTP.
// The excluded visualization/control layer is a client of these endpoints;
// it reads published snapshots and issues the small command set the core
// accepts.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/commutator/internal/db"
	"github.com/banshee-data/commutator/internal/security"
	"github.com/banshee-data/commutator/internal/trackloop"
)

// Engine is the slice of the synchronization loop the API drives.
type Engine interface {
	Snapshot() trackloop.Snapshot
	SetManualOffset(rad float64)
	ManualOffset() float64
	Recenter()
	SwapSource(path string) error
	SetMaxSpeed(rps float64) error
	Stop() error
	Resume() error
}

// Server serves the collaborator API.
type Server struct {
	e  Engine
	db *db.DB

	// SourceRoot, when set, restricts source-swap paths to files under that
	// directory. Empty disables the check (trusted collaborators only).
	SourceRoot string
}

// NewServer creates an API server. db may be nil when telemetry persistence
// is disabled; the session endpoints then report 404.
func NewServer(e Engine, db *db.DB) *Server {
	return &Server{e: e, db: db}
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/offset", s.handleOffset)
	mux.HandleFunc("/recenter", s.handleRecenter)
	mux.HandleFunc("/source", s.handleSource)
	mux.HandleFunc("/speed", s.handleSpeed)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/resume", s.handleResume)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionSnapshots)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.e.Snapshot())
}

func (s *Server) handleOffset(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]float64{"offset_rad": s.e.ManualOffset()})
	case http.MethodPost:
		var req struct {
			OffsetRad *float64 `json:"offset_rad"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OffsetRad == nil {
			http.Error(w, "Missing or invalid offset_rad", http.StatusBadRequest)
			return
		}
		s.e.SetManualOffset(*req.OffsetRad)
		writeJSON(w, map[string]float64{"offset_rad": *req.OffsetRad})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecenter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.e.Recenter()
	writeJSON(w, map[string]float64{"offset_rad": 0})
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path != "" && s.SourceRoot != "" {
		if err := security.ValidatePathWithinDirectory(req.Path, s.SourceRoot); err != nil {
			http.Error(w, fmt.Sprintf("Rejected source path: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := s.e.SwapSource(req.Path); err != nil {
		http.Error(w, fmt.Sprintf("Failed to swap source: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.e.Snapshot())
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		RPS *float64 `json:"rps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RPS == nil {
		http.Error(w, "Missing or invalid rps", http.StatusBadRequest)
		return
	}
	if err := s.e.SetMaxSpeed(*req.RPS); err != nil {
		http.Error(w, fmt.Sprintf("Failed to set speed: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]float64{"rps": *req.RPS})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.e.Stop(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to stop: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"state": "stopped"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.e.Resume(); err != nil {
		http.Error(w, fmt.Sprintf("Failed to resume: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"state": "running"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "Telemetry persistence disabled", http.StatusNotFound)
		return
	}
	sessions, err := s.db.Sessions()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list sessions: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleSessionSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.db == nil {
		http.Error(w, "Telemetry persistence disabled", http.StatusNotFound)
		return
	}
	id := r.URL.Path[len("/sessions/"):]
	if id == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return
	}
	snaps, err := s.db.SessionSnapshots(id)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list snapshots: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snaps)
}
