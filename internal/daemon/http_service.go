package daemon

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/server"
)

// httpService runs the API server as a runtime service. It owns the
// listener so that port 0 bindings report their effective port back to
// RuntimeInfo and the configuration store.
type httpService struct {
	api   *server.APIServer
	store *configstore.Store
	info  *RuntimeInfo

	httpServer *http.Server
	errCh      chan error
}

func newHTTPService(api *server.APIServer, store *configstore.Store, info *RuntimeInfo) *httpService {
	return &httpService{
		api:   api,
		store: store,
		info:  info,
		errCh: make(chan error, 1),
	}
}

func (s *httpService) Start(ctx context.Context) error {
	httpServer, err := s.api.Prepare(ctx)
	if err != nil {
		return err
	}
	s.httpServer = httpServer

	listener, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return err
	}

	port := 0
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	if s.info != nil && port > 0 {
		s.info.SetPort(port)
	}
	s.api.UpdateActualPort(port)
	s.persistPort(ctx, port)

	log.Printf("API server listening on http://%s", listener.Addr())

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
	}()

	return nil
}

// persistPort writes the effective port back so the CLI can find the
// daemon after an ephemeral-port bind.
func (s *httpService) persistPort(ctx context.Context, port int) {
	if s.store == nil || port <= 0 {
		return
	}
	current, err := s.store.GetSetting(ctx, configstore.KeyAPIPort)
	if err == nil && current == strconv.Itoa(port) {
		return
	}
	if err := s.store.SaveSettings(ctx, map[string]string{
		configstore.KeyAPIPort: strconv.Itoa(port),
	}); err != nil {
		log.Printf("[Daemon] Failed to persist API port: %v", err)
	}
}

func (s *httpService) Shutdown(ctx context.Context) error {
	if err := s.api.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *httpService) Errors() <-chan error {
	return s.errCh
}
