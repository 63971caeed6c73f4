package eventbus

import "time"

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicEnginesOutput    Topic = "engines.output"
	TopicEnginesLifecycle Topic = "engines.lifecycle"
)

// Source describes which component produced an event.
type Source string

const (
	SourceEngineManager Source = "engine_manager"
	SourceAPIServer     Source = "api_server"
	SourceUnknown       Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   any
}

// EngineState summarises lifecycle transitions.
type EngineState string

const (
	EngineStateStarted EngineState = "started"
	EngineStateStopped EngineState = "stopped"
)

// EngineOutputEvent carries raw console output chunks.
type EngineOutputEvent struct {
	Engine   string
	RunID    string
	Sequence uint64
	Data     []byte
}

// EngineLifecycleEvent notifies consumers about engine state transitions.
type EngineLifecycleEvent struct {
	Engine   string
	RunID    string
	State    EngineState
	Status   string // display status at the time of the event
	PID      int
	ExitCode int
	Validate bool // true when the run was a validation pass
}
