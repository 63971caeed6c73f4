package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxErrorBody       = 8 << 10
)

// ErrShutdownUnavailable indicates the daemon does not expose the shutdown endpoint.
var ErrShutdownUnavailable = errors.New("daemon shutdown endpoint unavailable")

// ErrEnginesRunning indicates the daemon refused to shut down because
// engines are still active.
var ErrEnginesRunning = errors.New("engines are still running")

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return errors.New(resp.Status)
	}
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				return errors.New(msg)
			}
		}
		// Fall back to returning the raw payload for diagnostics when parsing fails
		// or the server response omits the "error" field.
	}
	return errors.New(trimmed)
}
