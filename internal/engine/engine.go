package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpectus/enginemgr/internal/eventbus"
	"github.com/openpectus/enginemgr/internal/proc"
)

// Status is the operator-visible engine state. The strings are displayed
// verbatim, so they read like UI labels rather than identifiers.
type Status string

const (
	StatusNotRunning Status = "Not running"
	StatusValidating Status = "Validating..."
	StatusRunning    Status = "Running"
	StatusStopping   Status = "Stopping..."
)

// Engine is one managed engine subprocess, backed by a loaded UOD file.
// The engine exists as soon as its UOD is loaded; the subprocess only
// exists between Start and exit.
type Engine struct {
	Name    string
	UODPath string

	mu           sync.RWMutex
	status       Status
	runID        string
	startTime    time.Time
	runner       *proc.Runner
	validating   bool
	lastExitCode int
	clientSinks  int
	logSink      *logSink
	outputSeq    uint64
}

// Snapshot is an immutable view of an engine for display and transport.
type Snapshot struct {
	Name         string    `json:"name"`
	UODPath      string    `json:"uod_path"`
	Status       Status    `json:"status"`
	RunID        string    `json:"run_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	StartTime    time.Time `json:"start_time,omitzero"`
	LastExitCode int       `json:"last_exit_code"`
	Attached     int       `json:"attached"`
}

// CurrentStatus returns the engine status.
func (e *Engine) CurrentStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Snapshot captures the engine state for display.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{
		Name:         e.Name,
		UODPath:      e.UODPath,
		Status:       e.status,
		RunID:        e.runID,
		LastExitCode: e.lastExitCode,
		Attached:     e.clientSinks,
	}
	if e.runner != nil && e.runner.IsRunning() {
		snap.PID = e.runner.PID()
		snap.StartTime = e.startTime
	}
	return snap
}

func (e *Engine) nextOutputSequence() uint64 {
	return atomic.AddUint64(&e.outputSeq, 1)
}

// currentRunner returns the active runner, or nil between runs.
func (e *Engine) currentRunner() *proc.Runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runner
}

// busSink publishes console output chunks on the event bus.
type busSink struct {
	bus    *eventbus.Bus
	engine *Engine
	runID  string
}

func (s *busSink) Write(data []byte) error {
	payload := eventbus.EngineOutputEvent{
		Engine:   s.engine.Name,
		RunID:    s.runID,
		Sequence: s.engine.nextOutputSequence(),
		Data:     append([]byte(nil), data...),
	}
	s.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:   eventbus.TopicEnginesOutput,
		Source:  eventbus.SourceEngineManager,
		Payload: payload,
	})
	return nil
}
