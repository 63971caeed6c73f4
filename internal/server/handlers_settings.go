package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openpectus/enginemgr/internal/aggregator"
	configstore "github.com/openpectus/enginemgr/internal/config/store"
)

// settingsResponse is the persisted configuration as exposed over HTTP.
// The aggregator secret is write-only and never leaves the daemon.
type settingsResponse struct {
	AggregatorHostname string `json:"aggregator_hostname"`
	AggregatorPort     int    `json:"aggregator_port"`
	AggregatorSecure   bool   `json:"aggregator_secure"`
	HasSecret          bool   `json:"has_secret"`
	EngineInterpreter  string `json:"engine_interpreter"`
	EngineModule       string `json:"engine_module"`
}

type settingsUpdateRequest struct {
	AggregatorHostname *string `json:"aggregator_hostname,omitempty"`
	AggregatorPort     *int    `json:"aggregator_port,omitempty"`
	AggregatorSecure   *bool   `json:"aggregator_secure,omitempty"`
	AggregatorSecret   *string `json:"aggregator_secret,omitempty"`
	EngineInterpreter  *string `json:"engine_interpreter,omitempty"`
	EngineModule       *string `json:"engine_module,omitempty"`
}

func (s *APIServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.configStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleSettingsGet(w, r)
	case http.MethodPut:
		s.handleSettingsUpdate(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *APIServer) settingsSnapshot(r *http.Request) (settingsResponse, error) {
	ctx := r.Context()

	agg, err := s.configStore.LoadAggregatorSettings(ctx)
	if err != nil {
		return settingsResponse{}, err
	}
	hasSecret, err := s.configStore.HasAggregatorSecret(ctx)
	if err != nil {
		return settingsResponse{}, err
	}
	launch, err := s.configStore.LoadSettings(ctx,
		configstore.KeyEngineInterpreter, configstore.KeyEngineModule)
	if err != nil {
		return settingsResponse{}, err
	}

	return settingsResponse{
		AggregatorHostname: agg.Hostname,
		AggregatorPort:     agg.Port,
		AggregatorSecure:   agg.Secure,
		HasSecret:          hasSecret,
		EngineInterpreter:  launch[configstore.KeyEngineInterpreter],
		EngineModule:       launch[configstore.KeyEngineModule],
	}, nil
}

func (s *APIServer) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	resp, err := s.settingsSnapshot(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var payload settingsUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}

	ctx := r.Context()

	if payload.AggregatorHostname != nil || payload.AggregatorPort != nil || payload.AggregatorSecure != nil {
		agg, err := s.configStore.LoadAggregatorSettings(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
			return
		}
		if payload.AggregatorHostname != nil {
			agg.Hostname = strings.TrimSpace(*payload.AggregatorHostname)
		}
		if payload.AggregatorPort != nil {
			agg.Port = *payload.AggregatorPort
		}
		if payload.AggregatorSecure != nil {
			agg.Secure = *payload.AggregatorSecure
		}
		if err := s.configStore.SaveAggregatorSettings(ctx, agg); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if payload.AggregatorSecret != nil {
		if err := s.configStore.SetAggregatorSecret(ctx, *payload.AggregatorSecret); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store secret: %v", err))
			return
		}
	}

	updates := make(map[string]string)
	if payload.EngineInterpreter != nil {
		value := strings.TrimSpace(*payload.EngineInterpreter)
		if value == "" {
			writeError(w, http.StatusBadRequest, "engine_interpreter cannot be empty")
			return
		}
		updates[configstore.KeyEngineInterpreter] = value
	}
	if payload.EngineModule != nil {
		value := strings.TrimSpace(*payload.EngineModule)
		if value == "" {
			writeError(w, http.StatusBadRequest, "engine_module cannot be empty")
			return
		}
		updates[configstore.KeyEngineModule] = value
	}
	if len(updates) > 0 {
		if err := s.configStore.SaveSettings(ctx, updates); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save settings: %v", err))
			return
		}
	}

	resp, err := s.settingsSnapshot(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleAggregatorURL(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.configStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}

	settings, err := s.aggregatorSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": settings.URL()})
}

func (s *APIServer) handleAggregatorHealth(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if s.configStore == nil {
		writeError(w, http.StatusServiceUnavailable, "config store unavailable")
		return
	}

	settings, err := s.aggregatorSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load settings: %v", err))
		return
	}

	response := map[string]any{
		"url":     settings.URL(),
		"healthy": true,
	}
	if err := aggregator.CheckHealth(r.Context(), settings); err != nil {
		response["healthy"] = false
		response["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}
