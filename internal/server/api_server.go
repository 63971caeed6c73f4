package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openpectus/enginemgr/internal/aggregator"
	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/engine"
)

// RuntimeInfoProvider defines methods required to expose runtime metadata.
type RuntimeInfoProvider interface {
	Port() int
	StartTime() time.Time
}

// APIServer serves the HTTP and WebSocket control surface for the daemon.
type APIServer struct {
	engineManager *engine.Manager
	configStore   *configstore.Store
	runtime       RuntimeInfoProvider
	wsServer      *Server
	httpServer    *http.Server

	listenerOnce sync.Once
	wsRunOnce    sync.Once

	transportMu sync.RWMutex
	host        string
	port        int

	authMu    sync.RWMutex
	authToken string

	shutdownMu sync.RWMutex
	shutdownFn func(context.Context) error
}

// NewAPIServer creates a new API server bound to host:port.
func NewAPIServer(engineManager *engine.Manager, configStore *configstore.Store, runtime RuntimeInfoProvider, host string, port int) *APIServer {
	s := &APIServer{
		engineManager: engineManager,
		configStore:   configStore,
		runtime:       runtime,
		host:          host,
		port:          port,
	}
	s.wsServer = NewServer(engineManager, originAllowed)

	s.registerEngineListener()

	return s
}

// SetShutdownFunc registers a handler invoked when /daemon/shutdown is called.
func (s *APIServer) SetShutdownFunc(fn func(context.Context) error) {
	s.shutdownMu.Lock()
	s.shutdownFn = fn
	s.shutdownMu.Unlock()
}

// AuthToken returns the active API token.
func (s *APIServer) AuthToken() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.authToken
}

// originAllowed reports whether the given Origin header is acceptable.
// Only local origins are valid because the server binds to loopback.
func originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	return origin == "http://localhost" ||
		origin == "http://127.0.0.1" ||
		strings.HasPrefix(origin, "http://localhost:") ||
		strings.HasPrefix(origin, "http://127.0.0.1:")
}

// isLoopbackHost reports whether host names a loopback interface.
// The control API serves plaintext HTTP, so only loopback binds are accepted.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ensureAuthToken loads the persisted API token, generating and storing
// one on first start.
func (s *APIServer) ensureAuthToken(ctx context.Context) error {
	if s.configStore == nil {
		return nil
	}

	token, err := s.configStore.GetSetting(ctx, configstore.KeyAPIToken)
	if err != nil && !configstore.IsNotFound(err) {
		return err
	}
	token = strings.TrimSpace(token)

	if token == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return fmt.Errorf("generate api token: %w", err)
		}
		token = hex.EncodeToString(raw)
		if err := s.configStore.SaveSettings(ctx, map[string]string{
			configstore.KeyAPIToken: token,
		}); err != nil {
			return err
		}
	}

	s.authMu.Lock()
	s.authToken = token
	s.authMu.Unlock()
	return nil
}

func extractAuthToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			return strings.TrimSpace(authHeader[7:])
		}
	}

	if headerToken := r.Header.Get("X-Enginemgr-Token"); headerToken != "" {
		return strings.TrimSpace(headerToken)
	}

	if queryToken := r.URL.Query().Get("token"); queryToken != "" {
		return strings.TrimSpace(queryToken)
	}

	return ""
}

func (s *APIServer) wrapWithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authMu.RLock()
		expected := s.authToken
		s.authMu.RUnlock()

		if expected != "" && extractAuthToken(r) != expected {
			w.Header().Set("WWW-Authenticate", `Bearer realm="enginemgr"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Prepare initialises the HTTP server without starting to serve, allowing
// the caller to manage the listener lifecycle.
func (s *APIServer) Prepare(ctx context.Context) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.registerEngineListener()

	s.wsRunOnce.Do(func() {
		go s.wsServer.Run()
	})

	if err := s.ensureAuthToken(ctx); err != nil {
		return nil, err
	}

	s.transportMu.RLock()
	host := s.host
	port := s.port
	s.transportMu.RUnlock()

	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid HTTP port %d", port)
	}
	if !isLoopbackHost(host) {
		return nil, fmt.Errorf("refusing to bind control API to non-loopback host %q", host)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.wsServer.HandleWebSocket)
	mux.HandleFunc("/engines", s.handleEnginesRoot)
	mux.HandleFunc("/engines/", s.handleEngineSubroutes)
	mux.HandleFunc("/settings", s.handleSettings)
	mux.HandleFunc("/aggregator/url", s.handleAggregatorURL)
	mux.HandleFunc("/aggregator/health", s.handleAggregatorHealth)
	mux.HandleFunc("/daemon/status", s.handleDaemonStatus)
	mux.HandleFunc("/daemon/shutdown", s.handleDaemonShutdown)

	server := &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: s.wrapWithAuth(mux),
	}
	s.httpServer = server

	return server, nil
}

// Start starts the HTTP/WebSocket server.
func (s *APIServer) Start() error {
	server, err := s.Prepare(context.Background())
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// UpdateActualPort records the effective listen port after binding port 0.
func (s *APIServer) UpdateActualPort(port int) {
	if port <= 0 {
		return
	}
	s.transportMu.Lock()
	s.port = port
	s.transportMu.Unlock()
}

func (s *APIServer) registerEngineListener() {
	s.listenerOnce.Do(func() {
		if s.engineManager == nil {
			return
		}
		s.engineManager.AddEventListener(func(event string, snap engine.Snapshot) {
			s.onEngineEvent(event, snap)
		})
	})
}

func (s *APIServer) onEngineEvent(event string, snap engine.Snapshot) {
	log.Printf("[APIServer] Engine event: %s for engine %s", event, snap.Name)
	s.wsServer.BroadcastEngineEvent(event, snap.Name, snap)
}

// aggregatorSettings loads the persisted aggregator target.
func (s *APIServer) aggregatorSettings(ctx context.Context) (aggregator.Settings, error) {
	stored, err := s.configStore.LoadAggregatorSettings(ctx)
	if err != nil {
		return aggregator.Settings{}, err
	}
	return aggregator.Settings{
		Hostname: stored.Hostname,
		Port:     stored.Port,
		Secure:   stored.Secure,
	}, nil
}
