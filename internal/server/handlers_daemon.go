package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/openpectus/enginemgr/internal/engine"
	"github.com/openpectus/enginemgr/internal/version"
)

func (s *APIServer) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var engines []engine.Snapshot
	running := 0
	if s.engineManager != nil {
		engines = s.engineManager.List()
		running = s.engineManager.RunningCount()
	}

	response := map[string]any{
		"version":       version.String(),
		"engines_count": len(engines),
		"running_count": running,
		"clients_count": s.wsServer.GetClientCount(),
		"auth_required": s.AuthToken() != "",
	}
	if s.runtime != nil {
		response["port"] = s.runtime.Port()
		if start := s.runtime.StartTime(); !start.IsZero() {
			response["uptime"] = time.Since(start).Seconds()
		}
	}

	writeJSON(w, http.StatusOK, response)
}

type daemonShutdownRequest struct {
	Force bool `json:"force"`
}

// handleDaemonShutdown refuses to stop the daemon while engines are
// active unless the request carries force:true. Engines still running
// are terminated as part of the shutdown sequence.
func (s *APIServer) handleDaemonShutdown(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload daemonShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	if s.engineManager != nil && !payload.Force {
		if running := s.engineManager.RunningCount(); running > 0 {
			writeError(w, http.StatusConflict,
				"engines are still running, stop them first or pass force")
			return
		}
	}

	s.shutdownMu.RLock()
	shutdown := s.shutdownFn
	s.shutdownMu.RUnlock()

	if shutdown == nil {
		writeError(w, http.StatusNotImplemented, "daemon shutdown not available")
		return
	}

	// Trigger shutdown asynchronously so we can return 202 immediately.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Printf("[APIServer] shutdown handler returned error: %v", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "shutting_down",
		"message": "daemon shutdown initiated",
	})
}
