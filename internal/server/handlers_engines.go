package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/engine"
)

func (s *APIServer) handleEnginesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleEnginesList(w, r)
	case http.MethodPost:
		s.handleEngineLoad(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) handleEnginesList(w http.ResponseWriter, r *http.Request) {
	if s.engineManager == nil {
		writeError(w, http.StatusServiceUnavailable, "engine manager unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.engineManager.List())
}

type engineLoadRequest struct {
	Path string `json:"path"`
}

func (s *APIServer) handleEngineLoad(w http.ResponseWriter, r *http.Request) {
	if s.engineManager == nil {
		writeError(w, http.StatusServiceUnavailable, "engine manager unavailable")
		return
	}

	var payload engineLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}
	if strings.TrimSpace(payload.Path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	snap, err := s.engineManager.Load(r.Context(), payload.Path)
	if err != nil {
		if errors.Is(err, configstore.ErrUODExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to load uod: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, snap)
}

func (s *APIServer) handleEngineSubroutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/engines/")
	if trimmed == "" || trimmed == "/" {
		s.handleEnginesRoot(w, r)
		return
	}

	if s.engineManager == nil {
		writeError(w, http.StatusServiceUnavailable, "engine manager unavailable")
		return
	}

	parts := strings.Split(trimmed, "/")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.handleEngineGet(w, r, name)
		case http.MethodDelete:
			s.handleEngineRemove(w, r, name)
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	action := strings.TrimSpace(parts[1])
	if action == "log" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleEngineLog(w, r, name)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var snap engine.Snapshot
	var err error
	switch action {
	case "start":
		snap, err = s.engineManager.Start(r.Context(), name)
	case "stop":
		err = s.engineManager.Stop(r.Context(), name)
	case "restart":
		snap, err = s.engineManager.Restart(r.Context(), name)
	case "validate":
		snap, err = s.engineManager.Validate(r.Context(), name)
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err != nil {
		writeEngineError(w, name, err)
		return
	}

	if action == "stop" {
		snap, err = s.engineManager.Get(name)
		if err != nil {
			writeEngineError(w, name, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) handleEngineGet(w http.ResponseWriter, r *http.Request, name string) {
	snap, err := s.engineManager.Get(name)
	if err != nil {
		writeEngineError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) handleEngineRemove(w http.ResponseWriter, r *http.Request, name string) {
	if err := s.engineManager.Remove(r.Context(), name); err != nil {
		writeEngineError(w, name, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEngineLog returns the captured console output of the current or
// most recent run as plain text.
func (s *APIServer) handleEngineLog(w http.ResponseWriter, r *http.Request, name string) {
	output, err := s.engineManager.BufferedOutput(name)
	if err != nil {
		writeEngineError(w, name, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(output); err != nil {
		log.Printf("[APIServer] failed to write engine log response: %v", err)
	}
}

// writeEngineError maps engine manager errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, name string, err error) {
	if engine.IsNotFound(err) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("engine %s not found", name))
		return
	}
	var stateErr engine.StateError
	if errors.As(err, &stateErr) {
		writeError(w, http.StatusConflict, stateErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
