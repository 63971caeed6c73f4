package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
)

func TestSettingsURL(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		want     string
	}{
		{
			name:     "https default port omitted",
			settings: Settings{Hostname: "openpectus.com", Port: 443, Secure: true},
			want:     "https://openpectus.com",
		},
		{
			name:     "http default port omitted",
			settings: Settings{Hostname: "openpectus.com", Port: 80, Secure: false},
			want:     "http://openpectus.com",
		},
		{
			name:     "https custom port kept",
			settings: Settings{Hostname: "lab.example.org", Port: 8443, Secure: true},
			want:     "https://lab.example.org:8443",
		},
		{
			name:     "http custom port kept",
			settings: Settings{Hostname: "localhost", Port: 8080, Secure: false},
			want:     "http://localhost:8080",
		},
		{
			name:     "http on 443 keeps port",
			settings: Settings{Hostname: "localhost", Port: 443, Secure: false},
			want:     "http://localhost:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.settings.URL(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func settingsForServer(t *testing.T, srv *httptest.Server) Settings {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return Settings{Hostname: u.Hostname(), Port: port, Secure: false}
}

func TestCheckHealthOK(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	if err := CheckHealth(context.Background(), settingsForServer(t, srv)); err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if gotPath != HealthPath {
		t.Errorf("probe path = %q, want %q", gotPath, HealthPath)
	}
	if !strings.HasPrefix(gotUA, "enginemgr/") {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestCheckHealthServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := CheckHealth(context.Background(), settingsForServer(t, srv))
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error should mention status: %v", err)
	}
}

func TestCheckHealthUnreachable(t *testing.T) {
	// Port 1 on localhost is essentially guaranteed closed.
	settings := Settings{Hostname: "127.0.0.1", Port: 1, Secure: false}
	if err := CheckHealth(context.Background(), settings); err == nil {
		t.Fatal("expected error for unreachable aggregator")
	}
}
