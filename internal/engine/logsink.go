package engine

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimeFormat = "2006-01-02 15:04:05"

// logSink mirrors an engine's console output into a rotating log file,
// one timestamped line per console line. Rotation keeps each file small
// enough to open in an editor while preserving a few generations of
// history per engine.
type logSink struct {
	mu      sync.Mutex
	writer  *lumberjack.Logger
	pending []byte
	now     func() time.Time
}

func newLogSink(dir, engineName string) *logSink {
	return &logSink{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(dir, engineName+".log"),
			MaxSize:    2, // megabytes
			MaxBackups: 5,
		},
		now: time.Now,
	}
}

// Path returns the log file location.
func (s *logSink) Path() string {
	return s.writer.Filename
}

// Write consumes a raw console chunk. Complete lines are written with a
// timestamp prefix; a trailing partial line is held until its newline
// arrives.
func (s *logSink) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, data...)

	for {
		idx := bytes.IndexByte(s.pending, '\n')
		if idx < 0 {
			return nil
		}
		line := s.pending[:idx]
		s.pending = s.pending[idx+1:]

		if err := s.writeLine(line); err != nil {
			return err
		}
	}
}

// Flush writes any held partial line. Called when the engine exits so the
// final output is not lost.
func (s *logSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	line := s.pending
	s.pending = nil
	return s.writeLine(line)
}

// Close flushes and closes the underlying file.
func (s *logSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.writer.Close()
}

func (s *logSink) writeLine(line []byte) error {
	text := strings.TrimRight(string(line), "\r")
	stamped := s.now().Format(logTimeFormat) + " " + text + "\n"
	_, err := s.writer.Write([]byte(stamped))
	return err
}
