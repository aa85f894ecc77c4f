// Package adapter defines the uniform contract the RunSessionManager drives
// to own a process-like resource: SPEC_FULL.md §4.2. Concrete adapters
// (ptyadapter, aiadapter, fileeditoradapter) implement Handle and whichever
// optional capability interfaces apply, following the standard-library
// optional-interface idiom (http.Flusher/http.Hijacker) rather than a
// single do-everything struct.
package adapter

import "encoding/json"

// Event is one raw (channel, type, payload) triple an adapter emits back
// to the manager. The manager assigns Seq and TS before it becomes a
// durable eventstore.Event.
type Event struct {
	Channel string
	Type    string
	Payload []byte
}

// EmitFunc is how an adapter reports events to the manager. It may be
// called from any goroutine at any time, including concurrently with a
// Write/Close call already in flight.
type EmitFunc func(Event)

// Handle is the live reference to an open adapter instance — the base
// capability set every adapter must implement.
type Handle interface {
	// Kind echoes the registry key this handle was created under.
	Kind() string
	// Write accepts a chunk of input; it must not block indefinitely and
	// must eventually forward the data (buffering is fine).
	Write(data []byte) error
	// Close requests graceful termination. It is idempotent; the adapter
	// must emit exactly one terminal system:status/closed or
	// system:status/error event before the handle is considered dead,
	// and must never emit after Close returns.
	Close() error
}

// Resizer is implemented by adapters that drive a character grid.
type Resizer interface {
	Resize(cols, rows int) error
}

// Signaler is implemented by adapters that can relay OS-style signals
// (e.g. "interrupt", "terminate") to their underlying process.
type Signaler interface {
	Signal(name string) error
}

// Clearer is implemented by adapters that can reset their visible output.
type Clearer interface {
	Clear() error
}

// Pauser is implemented by adapters that can suspend output delivery.
type Pauser interface {
	Pause() error
}

// Resumer is implemented by adapters that can resume after Pause.
type Resumer interface {
	Resume() error
}

// Introspector is implemented by adapters that expose process metadata
// (e.g. a PID) on demand.
type Introspector interface {
	Introspect() (map[string]any, error)
}

// Factory instantiates a Handle for one RunSession. meta is the kind-
// specific JSON blob from the session's creation request; onEvent is
// bound to the manager's recordAndBroadcast for this runId.
type Factory func(runID string, meta json.RawMessage, onEvent EmitFunc) (Handle, error)
