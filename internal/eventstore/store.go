// Package eventstore implements the Run-Session Core's durable, ordered
// event log: SPEC_FULL.md §4.1. A RunSessionManager is the only writer;
// readers (the gateway, CLI tooling) use EventsSince/ListSessions freely.
package eventstore

import "encoding/json"

// Status is a RunSession's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether status is an absorbing end state.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// Session is the persisted row for one RunSession.
type Session struct {
	RunID     string
	Kind      string
	Status    Status
	CreatedAt int64 // ms since epoch
	UpdatedAt int64
	Meta      json.RawMessage
}

// Event is one immutable entry in a run's append-only log.
type Event struct {
	RunID   string
	Seq     int64
	Channel string
	Type    string
	Payload []byte
	TS      int64 // ms since epoch
}

// Filter narrows ListSessions results. Zero values mean "no filter".
type Filter struct {
	Status Status
	Kind   string
}

// Store is the persistence contract the RunSessionManager drives. Any
// engine providing ACID writes on a single node may implement it.
type Store interface {
	CreateSession(runID, kind string, meta json.RawMessage) error
	UpdateStatus(runID string, status Status) error
	GetSession(runID string) (*Session, error)
	ListSessions(filter Filter) ([]Session, error)
	AppendEvent(runID, channel, typ string, payload []byte) (seq int64, ts int64, err error)
	EventsSince(runID string, afterSeq int64, limit int) ([]Event, error)
	Close(runID string) error
	CloseStore() error
}
