// Package aggregator builds the web address of the remote aggregator a
// managed engine connects to, and probes its health endpoint.
package aggregator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openpectus/enginemgr/internal/version"
)

// Settings is the aggregator connection record engines are launched with.
type Settings struct {
	Hostname string
	Port     int
	Secure   bool
}

// URL returns the aggregator web address. The port is omitted when it is
// the default for the scheme, so the address matches what the aggregator
// presents to browsers.
func (s Settings) URL() string {
	scheme := "http"
	if s.Secure {
		scheme = "https"
	}

	if (s.Secure && s.Port == 443) || (!s.Secure && s.Port == 80) {
		return fmt.Sprintf("%s://%s", scheme, s.Hostname)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Hostname, s.Port)
}

// HealthPath is the aggregator liveness endpoint.
const HealthPath = "/health"

const healthTimeout = time.Second

// CheckHealth probes the aggregator health endpoint. It returns nil when
// the aggregator answered with a 2xx status, and an error describing the
// failure otherwise.
func CheckHealth(ctx context.Context, settings Settings) error {
	return checkHealth(ctx, settings, http.DefaultClient)
}

func checkHealth(ctx context.Context, settings Settings, client *http.Client) error {
	reqCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, settings.URL()+HealthPath, nil)
	if err != nil {
		return fmt.Errorf("aggregator: build health request: %w", err)
	}
	req.Header.Set("User-Agent", "enginemgr/"+version.String())

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator: health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("aggregator: health check returned %s", resp.Status)
	}

	return nil
}
