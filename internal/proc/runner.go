package proc

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ptyDevice "github.com/creack/pty"

	"github.com/openpectus/enginemgr/internal/procutil"
)

// StartOptions contains options for launching an engine subprocess.
type StartOptions struct {
	Command    string   // Command to execute
	Args       []string // Command arguments
	WorkingDir string   // Working directory
	Env        []string // Environment variables
}

// OutputSink is a generic interface for console output consumers.
type OutputSink interface {
	Write([]byte) error
}

// Event represents a subprocess lifecycle event.
type Event struct {
	Type      string // "process_started", "process_exited"
	Timestamp time.Time
	PID       int
	ExitCode  int
	Error     error
	Data      map[string]interface{}
}

const maxBufferSize = 1024 * 1024

// Runner supervises a single engine subprocess. The child runs under a
// PTY so it stays line-buffered and its console output arrives promptly;
// the output is mirrored into a bounded ring buffer and broadcast to
// registered sinks.
type Runner struct {
	ptyFile *os.File
	command *exec.Cmd

	outputBuffer *bytes.Buffer
	bufferMutex  sync.RWMutex

	outputSinks []OutputSink
	sinksMutex  sync.RWMutex

	events       chan Event
	eventsMutex  sync.RWMutex
	eventsClosed bool
	captureDone  chan struct{}

	commandMu    sync.RWMutex
	ptyCloseOnce sync.Once

	isRunning atomic.Bool
	exitCode  atomic.Int32
	waitOnce  sync.Once
	startTime time.Time
	pid       int
}

// New creates a new subprocess runner.
func New() *Runner {
	return &Runner{
		outputBuffer: bytes.NewBuffer(nil),
		outputSinks:  make([]OutputSink, 0),
		events:       make(chan Event, 100),
	}
}

// Start launches the command with the given options.
func (r *Runner) Start(opts StartOptions) error {
	if _, err := exec.LookPath(opts.Command); err != nil {
		return fmt.Errorf("command not found: %s", opts.Command)
	}

	r.command = exec.Command(opts.Command, opts.Args...)

	if opts.WorkingDir != "" {
		r.command.Dir = opts.WorkingDir
	}

	if len(opts.Env) > 0 {
		r.command.Env = opts.Env
	} else {
		r.command.Env = os.Environ()
	}

	termSet := false
	unbufferedSet := false
	for _, env := range r.command.Env {
		if strings.HasPrefix(env, "TERM=") {
			termSet = true
		}
		if strings.HasPrefix(env, "PYTHONUNBUFFERED=") {
			unbufferedSet = true
		}
	}
	if !termSet {
		r.command.Env = append(r.command.Env, "TERM=dumb")
	}
	if !unbufferedSet {
		r.command.Env = append(r.command.Env, "PYTHONUNBUFFERED=1")
	}

	var err error
	r.ptyFile, err = ptyDevice.Start(r.command)
	if err != nil {
		return err
	}

	// Wide window so the engine does not hard-wrap its log lines.
	_ = ptyDevice.Setsize(r.ptyFile, &ptyDevice.Winsize{Rows: 24, Cols: 200})

	r.captureDone = make(chan struct{})
	r.isRunning.Store(true)
	r.exitCode.Store(-1)
	r.waitOnce = sync.Once{}
	r.ptyCloseOnce = sync.Once{}
	r.startTime = time.Now()
	if r.command.Process != nil {
		r.pid = r.command.Process.Pid
	}

	r.emitEvent(Event{
		Type:      "process_started",
		Timestamp: time.Now(),
		PID:       r.pid,
		Data: map[string]interface{}{
			"command": opts.Command,
			"args":    opts.Args,
		},
	})

	go r.captureWithBuffer()

	return nil
}

// captureWithBuffer is the sole owner of the events channel: it emits the
// final process_exited event, closes the channel, and signals captureDone.
func (r *Runner) captureWithBuffer() {
	defer close(r.captureDone)

	buffer := make([]byte, 4096)

	for {
		n, err := r.ptyFile.Read(buffer)
		if n > 0 {
			r.bufferMutex.Lock()
			if r.outputBuffer.Len()+n > maxBufferSize {
				excess := r.outputBuffer.Len() + n - maxBufferSize
				r.outputBuffer.Next(excess)
			}
			r.outputBuffer.Write(buffer[:n])
			r.bufferMutex.Unlock()

			r.broadcastToSinks(buffer[:n])
		}
		if err != nil {
			r.closePTY()
			r.isRunning.Store(false)
			_ = r.reapProcess()

			r.emitEvent(Event{
				Type:      "process_exited",
				Timestamp: time.Now(),
				PID:       r.pid,
				ExitCode:  int(r.exitCode.Load()),
			})
			r.eventsMutex.Lock()
			if !r.eventsClosed {
				close(r.events)
				r.eventsClosed = true
			}
			r.eventsMutex.Unlock()
			return
		}
	}
}

func (r *Runner) broadcastToSinks(data []byte) {
	r.sinksMutex.RLock()
	defer r.sinksMutex.RUnlock()

	for _, sink := range r.outputSinks {
		sink.Write(data)
	}
}

// AddSink adds an output sink.
func (r *Runner) AddSink(sink OutputSink) {
	r.sinksMutex.Lock()
	defer r.sinksMutex.Unlock()
	r.outputSinks = append(r.outputSinks, sink)
}

// RemoveSink removes an output sink.
func (r *Runner) RemoveSink(sink OutputSink) {
	r.sinksMutex.Lock()
	defer r.sinksMutex.Unlock()

	for i, s := range r.outputSinks {
		if s == sink {
			r.outputSinks = append(r.outputSinks[:i], r.outputSinks[i+1:]...)
			return
		}
	}
}

// SinkCount returns the number of active output sinks.
func (r *Runner) SinkCount() int {
	r.sinksMutex.RLock()
	defer r.sinksMutex.RUnlock()
	return len(r.outputSinks)
}

// GetBuffer returns a copy of the buffered console output.
func (r *Runner) GetBuffer() []byte {
	r.bufferMutex.RLock()
	defer r.bufferMutex.RUnlock()

	if r.outputBuffer.Len() == 0 {
		return nil
	}

	return append([]byte(nil), r.outputBuffer.Bytes()...)
}

// closePTY closes the PTY file descriptor exactly once.
// This unblocks any goroutine blocked in ptyFile.Read() and releases the fd.
func (r *Runner) closePTY() {
	r.ptyCloseOnce.Do(func() {
		if r.ptyFile != nil {
			r.ptyFile.Close()
		}
	})
}

// isExpectedTerminationError reports whether err is a normal process exit
// caused by graceful termination. Called only after GracefulTerminate
// succeeded, so any ExitError is expected.
func isExpectedTerminationError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// Stop terminates the subprocess gracefully, escalating to SIGKILL after
// the timeout. It does not return until the capture goroutine has delivered
// the final process_exited event and closed the events channel.
func (r *Runner) Stop(timeout time.Duration) error {
	if !r.isRunning.Load() {
		return nil
	}

	r.commandMu.RLock()
	cmd := r.command
	r.commandMu.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := procutil.GracefulTerminate(cmd.Process); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- r.reapProcess()
	}()

	var waitErr error
	select {
	case err := <-done:
		waitErr = err
	case <-time.After(timeout):
		if killErr := cmd.Process.Kill(); killErr != nil {
			return killErr
		}
		waitErr = <-done
	}

	r.isRunning.Store(false)

	// The capture goroutine owns the events channel. Closing the PTY
	// unblocks its Read so it can emit process_exited and close events.
	r.closePTY()
	<-r.captureDone

	if waitErr != nil && isExpectedTerminationError(waitErr) {
		return nil
	}
	return waitErr
}

func (r *Runner) reapProcess() error {
	var waitErr error
	r.waitOnce.Do(func() {
		r.commandMu.Lock()
		defer r.commandMu.Unlock()

		if r.command == nil {
			r.exitCode.Store(-1)
			return
		}

		waitErr = r.command.Wait()

		if state := r.command.ProcessState; state != nil {
			r.exitCode.Store(int32(state.ExitCode()))
		} else {
			r.exitCode.Store(-1)
		}
	})
	return waitErr
}

// IsRunning returns whether the subprocess is running.
func (r *Runner) IsRunning() bool {
	return r.isRunning.Load()
}

// PID returns the process ID.
func (r *Runner) PID() int {
	return r.pid
}

// ExitCode returns the exit code (or -1 while still running).
func (r *Runner) ExitCode() int {
	if r.isRunning.Load() {
		return -1
	}
	return int(r.exitCode.Load())
}

// Events returns the event channel.
func (r *Runner) Events() <-chan Event {
	r.eventsMutex.RLock()
	defer r.eventsMutex.RUnlock()
	return r.events
}

// emitEvent sends an event to the channel without blocking.
func (r *Runner) emitEvent(event Event) {
	r.eventsMutex.RLock()
	defer r.eventsMutex.RUnlock()

	if r.eventsClosed {
		return
	}

	select {
	case r.events <- event:
	default:
	}
}
