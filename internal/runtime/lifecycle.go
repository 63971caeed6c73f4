package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Service is a long-running daemon component, such as the control API
// server, managed by the ServiceHost.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle signals daemon shutdown to everything waiting on Done. It is
// triggered by an OS signal, the shutdown endpoint, or a fatal service
// error, whichever comes first.
type Lifecycle struct {
	once sync.Once
	done chan struct{}
}

// NewLifecycle creates a lifecycle controller that has not been shut down.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// Done returns a channel that is closed once shutdown has been requested.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Shutdown requests daemon shutdown. Safe to call more than once.
func (l *Lifecycle) Shutdown() {
	l.once.Do(func() { close(l.done) })
}

// WritePIDFile records the daemon's PID so a later CLI invocation can tell
// whether an instance is already running.
func WritePIDFile(path string, pid int) error {
	if path == "" {
		return fmt.Errorf("pid file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePIDFile removes the pid file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
