package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]EngineInfo{})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, "tok123")
	if _, err := c.ListEngines(); err != nil {
		t.Fatalf("ListEngines: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q, want Bearer tok123", gotAuth)
	}
}

func TestClientDecodesEngineList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/engines" || r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]EngineInfo{
			{Name: "reactor", UODPath: "/opt/uods/reactor.py", Status: "Not running", LastExitCode: -1},
		})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, "")
	engines, err := c.ListEngines()
	if err != nil {
		t.Fatalf("ListEngines: %v", err)
	}
	if len(engines) != 1 || engines[0].Name != "reactor" {
		t.Fatalf("engines = %+v, want one entry named reactor", engines)
	}
	if engines[0].Status != "Not running" {
		t.Errorf("Status = %q, want Not running", engines[0].Status)
	}
}

func TestClientSurfacesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "engine reactor cannot start while Running"})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, "")
	_, err := c.StartEngine("reactor")
	if err == nil {
		t.Fatal("expected error for conflict response")
	}
	if want := "engine reactor cannot start while Running"; !strings.Contains(err.Error(), want) {
		t.Errorf("error = %q, want it to contain %q", err, want)
	}
}

func TestShutdownDaemonConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Force bool `json:"force"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.Force {
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"status": "shutting_down"})
			return
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "engines are still running"})
	}))
	defer srv.Close()

	c := NewInitialisedClient(srv.URL, "")
	err := c.ShutdownDaemon(false)
	if !errors.Is(err, ErrEnginesRunning) {
		t.Errorf("error = %v, want ErrEnginesRunning", err)
	}

	if err := c.ShutdownDaemon(true); err != nil {
		t.Errorf("forced shutdown: %v", err)
	}
}

func TestDecodeBinaryFrame(t *testing.T) {
	frame := []byte{0xBF, 0x01, 0x07, 0x00}
	frame = append(frame, []byte("reactor")...)
	frame = append(frame, []byte("hello")...)

	name, payload, err := decodeBinaryFrame(frame)
	if err != nil {
		t.Fatalf("decodeBinaryFrame: %v", err)
	}
	if name != "reactor" || string(payload) != "hello" {
		t.Errorf("decoded = %q/%q, want reactor/hello", name, payload)
	}

	if _, _, err := decodeBinaryFrame([]byte{0x00, 0x01, 0x00, 0x00}); err == nil {
		t.Error("expected error for bad magic byte")
	}
	if _, _, err := decodeBinaryFrame([]byte{0xBF}); err == nil {
		t.Error("expected error for short frame")
	}
}
