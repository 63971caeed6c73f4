package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	configstore "github.com/openpectus/enginemgr/internal/config/store"
	"github.com/openpectus/enginemgr/internal/eventbus"
	"github.com/openpectus/enginemgr/internal/proc"
)

const (
	defaultStopTimeout = 5 * time.Second
	restartPollStep    = 100 * time.Millisecond
	restartWaitLimit   = 15 * time.Second
)

// NotFoundError indicates the named engine is not loaded.
type NotFoundError = configstore.NotFoundError

// IsNotFound reports whether err refers to an unknown engine.
var IsNotFound = configstore.IsNotFound

// StateError indicates an operation was attempted in a status that does
// not permit it, e.g. starting an engine that is already running.
type StateError struct {
	Engine string
	Status Status
	Op     string
}

func (e StateError) Error() string {
	return fmt.Sprintf("engine %s cannot %s while %s", e.Engine, e.Op, e.Status)
}

// EventListener is called when engine lifecycle events occur.
type EventListener func(event string, snap Snapshot)

// Manager owns the loaded engine set and their subprocesses.
type Manager struct {
	mu        sync.RWMutex
	engines   map[string]*Engine
	store     *configstore.Store
	bus       *eventbus.Bus
	logDir    string
	listeners []EventListener

	stopTimeout time.Duration
}

// NewManager creates an engine manager persisting through the given store.
// Per-engine console logs are written under logDir.
func NewManager(store *configstore.Store, bus *eventbus.Bus, logDir string) *Manager {
	return &Manager{
		engines:     make(map[string]*Engine),
		store:       store,
		bus:         bus,
		logDir:      logDir,
		stopTimeout: defaultStopTimeout,
	}
}

// AddEventListener adds a listener for engine lifecycle events.
func (m *Manager) AddEventListener(listener EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) notifyListeners(event string, snap Snapshot) {
	m.mu.RLock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener(event, snap)
	}
}

func (m *Manager) publishLifecycle(e *Engine, state eventbus.EngineState, exitCode int, validate bool) {
	e.mu.RLock()
	runID := e.runID
	status := e.status
	pid := 0
	if e.runner != nil {
		pid = e.runner.PID()
	}
	e.mu.RUnlock()

	m.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:  eventbus.TopicEnginesLifecycle,
		Source: eventbus.SourceEngineManager,
		Payload: eventbus.EngineLifecycleEvent{
			Engine:   e.Name,
			RunID:    runID,
			State:    state,
			Status:   string(status),
			PID:      pid,
			ExitCode: exitCode,
			Validate: validate,
		},
	})
}

// LoadFromStore populates the engine set from the persisted UOD list.
// Called once at daemon startup; every engine begins Not running.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	uods, err := m.store.ListUODs(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, uod := range uods {
		if _, exists := m.engines[uod.Name]; exists {
			continue
		}
		m.engines[uod.Name] = &Engine{
			Name:         uod.Name,
			UODPath:      uod.Path,
			status:       StatusNotRunning,
			lastExitCode: -1,
		}
	}
	log.Printf("[engine] Loaded %d engine(s) from store", len(uods))
	return nil
}

// Load registers a new UOD file and creates its engine entry.
// The file must exist and neither its path nor its derived name may
// collide with an already-loaded entry.
func (m *Manager) Load(ctx context.Context, path string) (Snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("engine: uod file %s: %w", path, err)
	}
	if info.IsDir() {
		return Snapshot{}, fmt.Errorf("engine: uod path %s is a directory", path)
	}

	uod, err := m.store.AddUOD(ctx, path)
	if err != nil {
		return Snapshot{}, err
	}

	e := &Engine{
		Name:         uod.Name,
		UODPath:      uod.Path,
		status:       StatusNotRunning,
		lastExitCode: -1,
	}

	m.mu.Lock()
	m.engines[uod.Name] = e
	m.mu.Unlock()

	snap := e.Snapshot()
	m.notifyListeners("engine_loaded", snap)
	return snap, nil
}

// Remove unloads an engine. Only permitted while Not running.
func (m *Manager) Remove(ctx context.Context, name string) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}

	if status := e.CurrentStatus(); status != StatusNotRunning {
		return StateError{Engine: name, Status: status, Op: "be removed"}
	}

	if err := m.store.RemoveUOD(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.engines, name)
	m.mu.Unlock()

	e.mu.Lock()
	sink := e.logSink
	e.logSink = nil
	e.mu.Unlock()
	if sink != nil {
		sink.Close()
	}

	m.notifyListeners("engine_removed", e.Snapshot())
	return nil
}

// Start launches the engine subprocess for the named engine.
func (m *Manager) Start(ctx context.Context, name string) (Snapshot, error) {
	return m.launch(ctx, name, false)
}

// Validate runs the engine in validation mode. The engine's own
// validation output is the user-visible result; the run ends when the
// subprocess exits.
func (m *Manager) Validate(ctx context.Context, name string) (Snapshot, error) {
	return m.launch(ctx, name, true)
}

func (m *Manager) launch(ctx context.Context, name string, validate bool) (Snapshot, error) {
	e, err := m.get(name)
	if err != nil {
		return Snapshot{}, err
	}

	opts, err := m.buildStartOptions(ctx, e, validate)
	if err != nil {
		return Snapshot{}, err
	}

	op := "start"
	if validate {
		op = "validate"
	}

	e.mu.Lock()
	if e.status != StatusNotRunning {
		status := e.status
		e.mu.Unlock()
		return Snapshot{}, StateError{Engine: name, Status: status, Op: op}
	}

	runner := proc.New()
	runID := uuid.New().String()[:8]

	if e.logSink == nil {
		e.logSink = newLogSink(m.logDir, e.Name)
	}
	runner.AddSink(e.logSink)
	runner.AddSink(&busSink{bus: m.bus, engine: e, runID: runID})

	if err := runner.Start(opts); err != nil {
		e.mu.Unlock()
		return Snapshot{}, fmt.Errorf("engine: start %s: %w", name, err)
	}

	e.runner = runner
	e.runID = runID
	e.startTime = time.Now()
	e.validating = validate
	if validate {
		e.status = StatusValidating
	} else {
		e.status = StatusRunning
	}
	e.mu.Unlock()

	go m.monitorEngine(e, runner, validate)

	snap := e.Snapshot()
	log.Printf("[engine] %s %s (pid %d, run %s)", op, name, snap.PID, runID)
	m.notifyListeners("engine_started", snap)
	m.publishLifecycle(e, eventbus.EngineStateStarted, -1, validate)
	return snap, nil
}

// buildStartOptions resolves the launch command for an engine run from
// the persisted settings.
func (m *Manager) buildStartOptions(ctx context.Context, e *Engine, validate bool) (proc.StartOptions, error) {
	settings, err := m.store.LoadAggregatorSettings(ctx)
	if err != nil {
		return proc.StartOptions{}, err
	}
	secret, err := m.store.GetAggregatorSecret(ctx)
	if err != nil {
		return proc.StartOptions{}, err
	}
	launch, err := m.store.LoadSettings(ctx,
		configstore.KeyEngineInterpreter, configstore.KeyEngineModule)
	if err != nil {
		return proc.StartOptions{}, err
	}

	interpreter := launch[configstore.KeyEngineInterpreter]
	if interpreter == "" {
		interpreter = "python"
	}
	module := launch[configstore.KeyEngineModule]
	if module == "" {
		module = "openpectus.engine_runner"
	}

	args := []string{
		"-m", module,
		"--aggregator_hostname", settings.Hostname,
		"--aggregator_port", strconv.Itoa(settings.Port),
	}
	if secret != "" {
		args = append(args, "--aggregator_secret", secret)
	}
	if settings.Secure {
		args = append(args, "--secure")
	}
	args = append(args, "--uod", e.UODPath)
	if validate {
		args = append(args, "--validate")
	}

	return proc.StartOptions{Command: interpreter, Args: args}, nil
}

// monitorEngine consumes runner events and settles the engine back to
// Not running when the subprocess exits.
func (m *Manager) monitorEngine(e *Engine, runner *proc.Runner, validate bool) {
	for event := range runner.Events() {
		if event.Type != "process_exited" {
			continue
		}

		e.mu.Lock()
		e.status = StatusNotRunning
		e.lastExitCode = event.ExitCode
		sink := e.logSink
		e.mu.Unlock()

		if sink != nil {
			if err := sink.Flush(); err != nil {
				log.Printf("[engine] Flush log for %s: %v", e.Name, err)
			}
		}

		log.Printf("[engine] %s exited with code %d", e.Name, event.ExitCode)
		m.notifyListeners("engine_stopped", e.Snapshot())
		m.publishLifecycle(e, eventbus.EngineStateStopped, event.ExitCode, validate)
	}
}

// Stop terminates the named engine's subprocess. The status shows
// Stopping... while termination is in flight.
func (m *Manager) Stop(ctx context.Context, name string) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.status != StatusRunning && e.status != StatusValidating {
		status := e.status
		e.mu.Unlock()
		return StateError{Engine: name, Status: status, Op: "stop"}
	}
	e.status = StatusStopping
	runner := e.runner
	e.mu.Unlock()

	m.notifyListeners("engine_stopping", e.Snapshot())

	if runner != nil {
		if err := runner.Stop(m.stopTimeout); err != nil {
			return fmt.Errorf("engine: stop %s: %w", name, err)
		}
	}

	// The monitor goroutine normally records the exit; cover the case
	// where the events channel closed without a final event.
	e.mu.Lock()
	if e.status == StatusStopping {
		e.status = StatusNotRunning
	}
	e.mu.Unlock()

	return nil
}

// Restart stops the engine, waits for it to settle, and starts it again.
func (m *Manager) Restart(ctx context.Context, name string) (Snapshot, error) {
	if err := m.Stop(ctx, name); err != nil {
		return Snapshot{}, err
	}

	e, err := m.get(name)
	if err != nil {
		return Snapshot{}, err
	}

	deadline := time.Now().Add(restartWaitLimit)
	for e.CurrentStatus() != StatusNotRunning {
		if time.Now().After(deadline) {
			return Snapshot{}, fmt.Errorf("engine: restart %s: engine did not settle", name)
		}
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-time.After(restartPollStep):
		}
	}

	return m.Start(ctx, name)
}

// Attach adds an output sink for an engine. Buffered history from the
// current run is sent before the sink joins the live broadcast, so a late
// viewer sees the whole run without duplicates.
func (m *Manager) Attach(name string, sink proc.OutputSink) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}

	runner := e.currentRunner()
	if runner == nil {
		return StateError{Engine: name, Status: e.CurrentStatus(), Op: "attach"}
	}

	history := runner.GetBuffer()
	if len(history) > 0 {
		if err := sink.Write(history); err != nil {
			return fmt.Errorf("engine: send history: %w", err)
		}
	}
	runner.AddSink(sink)

	e.mu.Lock()
	e.clientSinks++
	e.mu.Unlock()

	return nil
}

// Detach removes a previously attached sink.
func (m *Manager) Detach(name string, sink proc.OutputSink) error {
	e, err := m.get(name)
	if err != nil {
		return err
	}

	if runner := e.currentRunner(); runner != nil {
		runner.RemoveSink(sink)
	}

	e.mu.Lock()
	if e.clientSinks > 0 {
		e.clientSinks--
	}
	e.mu.Unlock()

	return nil
}

// BufferedOutput returns the captured console output of the current or
// most recent run.
func (m *Manager) BufferedOutput(name string) ([]byte, error) {
	e, err := m.get(name)
	if err != nil {
		return nil, err
	}
	runner := e.currentRunner()
	if runner == nil {
		return nil, nil
	}
	return runner.GetBuffer(), nil
}

// LogPath returns the on-disk console log location for an engine.
func (m *Manager) LogPath(name string) (string, error) {
	e, err := m.get(name)
	if err != nil {
		return "", err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.logSink == nil {
		return "", nil
	}
	return e.logSink.Path(), nil
}

// Get returns a snapshot of the named engine.
func (m *Manager) Get(name string) (Snapshot, error) {
	e, err := m.get(name)
	if err != nil {
		return Snapshot{}, err
	}
	return e.Snapshot(), nil
}

// List returns snapshots of all loaded engines, ordered by name.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(engines))
	for _, e := range engines {
		snaps = append(snaps, e.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// RunningCount reports how many engines are not settled at Not running.
func (m *Manager) RunningCount() int {
	count := 0
	for _, snap := range m.List() {
		if snap.Status != StatusNotRunning {
			count++
		}
	}
	return count
}

// StopAll terminates every active engine. Used at daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, snap := range m.List() {
		if snap.Status == StatusRunning || snap.Status == StatusValidating {
			if err := m.Stop(ctx, snap.Name); err != nil {
				log.Printf("[engine] Stop %s during shutdown: %v", snap.Name, err)
			}
		}
	}
}

func (m *Manager) get(name string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.engines[name]
	if !exists {
		return nil, NotFoundError{Entity: "engine", Key: name}
	}
	return e, nil
}
