package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openpectus/enginemgr/internal/config"
	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/engine"
	"github.com/openpectus/enginemgr/internal/eventbus"
	"github.com/openpectus/enginemgr/internal/procutil"
	"github.com/openpectus/enginemgr/internal/runtime"
	"github.com/openpectus/enginemgr/internal/server"
)

// Options configures daemon construction.
type Options struct {
	Store *configstore.Store
}

// Daemon wires the configuration store, engine manager, event bus and
// API server together and drives their lifecycle.
type Daemon struct {
	store         *configstore.Store
	engineManager *engine.Manager
	apiServer     *server.APIServer
	serviceHost   *runtime.ServiceHost
	runtimeInfo   *RuntimeInfo
	lifecycle     *runtime.Lifecycle
	eventBus      *eventbus.Bus
	instancePaths config.InstancePaths

	ctx    context.Context
	cancel context.CancelFunc

	errMu  sync.Mutex
	runErr error
}

// New constructs a daemon from an open configuration store.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}
	store := opts.Store

	paths := config.GetInstancePaths(store.InstanceName())
	if err := os.MkdirAll(paths.EngineLogs, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create engine log dir: %w", err)
	}

	bus := eventbus.New()
	manager := engine.NewManager(store, bus, paths.EngineLogs)

	settings, err := store.LoadSettings(ctx, configstore.KeyAPIHost, configstore.KeyAPIPort)
	if err != nil {
		return nil, fmt.Errorf("daemon: load API settings: %w", err)
	}
	host := settings[configstore.KeyAPIHost]
	port, err := strconv.Atoi(settings[configstore.KeyAPIPort])
	if err != nil {
		return nil, fmt.Errorf("daemon: invalid API port %q: %w", settings[configstore.KeyAPIPort], err)
	}

	runtimeInfo := NewRuntimeInfo()
	apiServer := server.NewAPIServer(manager, store, runtimeInfo, host, port)

	daemonCtx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		store:         store,
		engineManager: manager,
		apiServer:     apiServer,
		serviceHost:   runtime.NewServiceHost(),
		runtimeInfo:   runtimeInfo,
		lifecycle:     runtime.NewLifecycle(),
		eventBus:      bus,
		instancePaths: paths,
		ctx:           daemonCtx,
		cancel:        cancel,
	}

	apiServer.SetShutdownFunc(func(ctx context.Context) error {
		go d.Shutdown()
		return nil
	})

	err = d.serviceHost.Register("api_server", func(ctx context.Context) (runtime.Service, error) {
		return newHTTPService(apiServer, store, runtimeInfo), nil
	}, runtime.WithShutdownTimeout(10*time.Second))
	if err != nil {
		cancel()
		return nil, err
	}

	return d, nil
}

// Start runs the daemon until Shutdown is called or a service fails.
func (d *Daemon) Start() error {
	pid := os.Getpid()
	if err := runtime.WritePIDFile(d.instancePaths.PIDFile, pid); err != nil {
		return err
	}
	defer runtime.RemovePIDFile(d.instancePaths.PIDFile)

	d.runtimeInfo.SetStartTime(time.Now())

	if err := d.engineManager.LoadFromStore(d.ctx); err != nil {
		return fmt.Errorf("daemon: load engines: %w", err)
	}

	if err := d.serviceHost.Start(d.ctx); err != nil {
		return err
	}

	go d.watchHostErrors()
	go d.logEngineLifecycle(d.eventBus.Subscribe(eventbus.TopicEnginesLifecycle))

	log.Printf("Daemon started (pid %d, instance %s)", pid, d.store.InstanceName())

	<-d.lifecycle.Done()

	log.Printf("Daemon shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()

	if err := d.serviceHost.Stop(stopCtx); err != nil {
		log.Printf("[Daemon] Service shutdown error: %v", err)
	}

	d.engineManager.StopAll(stopCtx)
	d.eventBus.Shutdown()
	d.cancel()

	if err := d.store.Close(); err != nil {
		log.Printf("[Daemon] Failed to close store: %v", err)
	}

	return d.getRunError()
}

// Shutdown requests a graceful stop. Safe to call multiple times.
func (d *Daemon) Shutdown() {
	d.lifecycle.Shutdown()
}

// Port reports the effective API port once the server is listening.
func (d *Daemon) Port() int {
	return d.runtimeInfo.Port()
}

// logEngineLifecycle writes engine transitions to the daemon log. The
// subscription channel closes when the bus shuts down.
func (d *Daemon) logEngineLifecycle(sub *eventbus.Subscription) {
	for env := range sub.C() {
		event, ok := env.Payload.(eventbus.EngineLifecycleEvent)
		if !ok {
			continue
		}
		switch event.State {
		case eventbus.EngineStateStarted:
			if event.Validate {
				log.Printf("[Daemon] Engine %s validating (run %s, pid %d)", event.Engine, event.RunID, event.PID)
			} else {
				log.Printf("[Daemon] Engine %s started (run %s, pid %d)", event.Engine, event.RunID, event.PID)
			}
		case eventbus.EngineStateStopped:
			log.Printf("[Daemon] Engine %s stopped (run %s, exit code %d)", event.Engine, event.RunID, event.ExitCode)
		}
	}
}

func (d *Daemon) watchHostErrors() {
	select {
	case err := <-d.serviceHost.Errors():
		if err != nil {
			log.Printf("[Daemon] Fatal service error: %v", err)
			d.setRunError(err)
			d.lifecycle.Shutdown()
		}
	case <-d.ctx.Done():
	}
}

func (d *Daemon) setRunError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning reports whether another daemon instance holds the PID file.
// Stale PID files from crashed daemons are removed.
func IsRunning(instanceName string) (bool, int) {
	paths := config.GetInstancePaths(instanceName)
	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		runtime.RemovePIDFile(paths.PIDFile)
		return false, 0
	}
	if !procutil.IsProcessAlive(pid) {
		runtime.RemovePIDFile(paths.PIDFile)
		return false, 0
	}
	return true, pid
}
