// Package runmanager implements the RunSessionManager: the component that
// owns adapter instances keyed by runId, records every emitted event into
// the durable store, assigns sequence numbers, and broadcasts to
// subscribers. Grounded on the reference internal/session/session.go's
// SessionManager (map of live entries plus a name index under one mutex)
// and internal/session/events.go's SubscriptionManager (non-blocking
// select/default fan-out), generalized from a uint32 counter and a
// byte-slice broadcast to a UUID runId and a structured event broadcast.
package runmanager

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
	"github.com/fwdslsh/dispatch/internal/eventstore"
)

// GraceTimeout is how long closeRunSession waits for an adapter's own
// Close to produce a terminal status event before the manager forces the
// session to stopped, per the resolved Open Question in SPEC_FULL.md §4.5.
const GraceTimeout = 10 * time.Second

// namePattern mirrors the reference's session-name validation: alphanumeric
// and hyphens, 1-32 chars, first char alphanumeric.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]{0,31}$`)

// Broadcast is one durable event delivered to a subscriber.
type Broadcast struct {
	RunID   string
	Seq     int64
	Channel string
	Type    string
	Payload []byte
	TS      int64
}

// Subscription is a live, in-process feed of one run session's events.
type Subscription struct {
	ID      uint64
	RunID   string
	Ch      <-chan Broadcast
	Dropped <-chan struct{}
}

type subscriber struct {
	id      uint64
	ch      chan Broadcast
	dropped chan struct{}
	once    sync.Once
}

func (s *subscriber) markDropped() {
	s.once.Do(func() { close(s.dropped) })
}

type runEntry struct {
	kind      string
	handle    adapter.Handle
	appendMu  sync.Mutex // serializes appendEvent+broadcast for this runId
	subsMu    sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64

	statusMu sync.Mutex
	status   eventstore.Status

	closeOnce sync.Once
	closedCh  chan struct{}
}

func (e *runEntry) getStatus() eventstore.Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *runEntry) setStatus(s eventstore.Status) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

// Manager is the RunSessionManager.
type Manager struct {
	store    eventstore.Store
	registry *adapter.Registry
	log      *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*runEntry
	nameIndex map[string]string // name -> runId
}

// New builds a Manager over the given store and adapter registry.
func New(store eventstore.Store, registry *adapter.Registry, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:     store,
		registry:  registry,
		log:       log,
		sessions:  make(map[string]*runEntry),
		nameIndex: make(map[string]string),
	}
}

// CreateRunSession allocates a fresh runId (never reused, per the resolved
// Open Question in SPEC_FULL.md §4.5), looks up the kind's factory, starts
// the adapter, and persists the session row.
func (m *Manager) CreateRunSession(kind string, meta json.RawMessage, name string) (string, error) {
	factory, ok := m.registry.Lookup(kind)
	if !ok {
		return "", errkind.New(errkind.UnknownKind, fmt.Sprintf("no adapter registered for kind %q", kind))
	}
	if name != "" && !namePattern.MatchString(name) {
		return "", errkind.New(errkind.InvalidInput, fmt.Sprintf("invalid session name %q", name))
	}

	runID := uuid.NewString()

	if err := m.store.CreateSession(runID, kind, meta); err != nil {
		return "", err
	}

	entry := &runEntry{
		kind:     kind,
		subs:     make(map[uint64]*subscriber),
		status:   eventstore.StatusStarting,
		closedCh: make(chan struct{}),
	}

	m.mu.Lock()
	if name != "" {
		if _, taken := m.nameIndex[name]; taken {
			m.mu.Unlock()
			_ = m.store.UpdateStatus(runID, eventstore.StatusError)
			return "", errkind.New(errkind.AlreadyExists, fmt.Sprintf("session name %q already in use", name))
		}
		m.nameIndex[name] = runID
	}
	m.sessions[runID] = entry
	m.mu.Unlock()

	// Synthesize the opening event as seq 1 before the adapter can emit
	// anything of its own, per §4.5's "manager synthesizes it if the
	// adapter does not" — none of this implementation's adapters emit
	// their own system:status/opened, so this unconditional synthesis is
	// always the one that applies.
	openedPayload, _ := json.Marshal(map[string]any{"kind": kind})
	m.recordAndBroadcast(runID, entry, "system:status", "opened", openedPayload)

	onEvent := func(e adapter.Event) { m.recordAndBroadcast(runID, entry, e.Channel, e.Type, e.Payload) }

	handle, err := factory(runID, meta, onEvent)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, runID)
		if name != "" {
			delete(m.nameIndex, name)
		}
		m.mu.Unlock()
		_ = m.store.UpdateStatus(runID, eventstore.StatusError)
		return "", errkind.Wrap(errkind.AdapterFault, "starting adapter", err)
	}

	entry.handle = handle
	entry.setStatus(eventstore.StatusRunning)
	if err := m.store.UpdateStatus(runID, eventstore.StatusRunning); err != nil {
		m.log.Error("updating session status to running", "runId", runID, "err", err)
	}

	m.log.Info("run session created", "runId", runID, "kind", kind)
	return runID, nil
}

// recordAndBroadcast appends an event to the store, assigning its seq, and
// fans it out to live subscribers. It holds entry.appendMu only for the
// duration of the append plus the broadcast loop, per §5's concurrency model.
func (m *Manager) recordAndBroadcast(runID string, entry *runEntry, channel, typ string, payload []byte) {
	entry.appendMu.Lock()
	defer entry.appendMu.Unlock()

	seq, ts, err := m.store.AppendEvent(runID, channel, typ, payload)
	if err != nil {
		m.log.Error("appending event failed", "runId", runID, "channel", channel, "type", typ, "err", err)
		if errkind.Is(err, errkind.Persistence) {
			m.transitionToError(runID, entry, err)
		}
		return
	}

	if channel == "system:status" && typ == "closed" {
		entry.setStatus(eventstore.StatusStopped)
		if err := m.store.Close(runID); err != nil && !errkind.Is(err, errkind.NotFound) {
			m.log.Error("persisting session stopped", "runId", runID, "err", err)
		}
	}

	b := Broadcast{RunID: runID, Seq: seq, Channel: channel, Type: typ, Payload: payload, TS: ts}

	entry.subsMu.Lock()
	for _, sub := range entry.subs {
		select {
		case sub.ch <- b:
		default:
			sub.markDropped()
		}
	}
	entry.subsMu.Unlock()
}

// transitionToError marks a session as fatally failed, records a terminal
// system:status/error event and broadcasts it to live subscribers, per §7's
// "Persistence failures always kill the session."
func (m *Manager) transitionToError(runID string, entry *runEntry, cause error) {
	entry.setStatus(eventstore.StatusError)
	// Append before the store status changes: AppendEvent rejects events on
	// a session the store already marks terminal.
	payload, _ := json.Marshal(map[string]any{"message": cause.Error()})
	seq, ts, appendErr := m.store.AppendEvent(runID, "system:status", "error", payload)
	if appendErr != nil {
		m.log.Error("recording error event", "runId", runID, "err", appendErr)
	}
	if err := m.store.UpdateStatus(runID, eventstore.StatusError); err != nil {
		m.log.Error("marking session errored", "runId", runID, "err", err)
	}
	if appendErr != nil {
		return
	}
	b := Broadcast{RunID: runID, Seq: seq, Channel: "system:status", Type: "error", Payload: payload, TS: ts}
	entry.subsMu.Lock()
	for _, sub := range entry.subs {
		select {
		case sub.ch <- b:
		default:
			sub.markDropped()
		}
	}
	entry.subsMu.Unlock()
}

// SendInput forwards data to the adapter's Write. Errors become
// system:status/error events rather than being returned to the caller as a
// message error, per §4.6's "fire-and-forget" semantics for run:input.
func (m *Manager) SendInput(runID string, data []byte) error {
	entry, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if entry.getStatus().Terminal() {
		return errkind.New(errkind.SessionNotRunning, fmt.Sprintf("session %q is not running", runID))
	}
	if err := entry.handle.Write(data); err != nil {
		m.transitionToError(runID, entry, err)
		return nil
	}
	return nil
}

// ApplyCapability dispatches a named capability call to the adapter if it
// implements the matching optional interface, using Go's type-assertion
// idiom over the capability set defined in internal/adapter.
func (m *Manager) ApplyCapability(runID, name string, args json.RawMessage) error {
	entry, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if entry.getStatus().Terminal() {
		return errkind.New(errkind.SessionNotRunning, fmt.Sprintf("session %q is not running", runID))
	}

	switch name {
	case "resize":
		r, ok := entry.handle.(adapter.Resizer)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support resize")
		}
		var dims struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if err := json.Unmarshal(args, &dims); err != nil {
			return errkind.Wrap(errkind.InvalidInput, "decoding resize args", err)
		}
		if err := r.Resize(dims.Cols, dims.Rows); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"cols": dims.Cols, "rows": dims.Rows})
		m.recordAndBroadcast(runID, entry, "pty:resize", "dimensions", payload)
		return nil

	case "signal":
		s, ok := entry.handle.(adapter.Signaler)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support signal")
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(args, &body); err != nil {
			return errkind.Wrap(errkind.InvalidInput, "decoding signal args", err)
		}
		return s.Signal(body.Name)

	case "clear":
		c, ok := entry.handle.(adapter.Clearer)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support clear")
		}
		return c.Clear()

	case "pause":
		p, ok := entry.handle.(adapter.Pauser)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support pause")
		}
		return p.Pause()

	case "resume":
		r, ok := entry.handle.(adapter.Resumer)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support resume")
		}
		return r.Resume()

	case "introspect":
		in, ok := entry.handle.(adapter.Introspector)
		if !ok {
			return errkind.New(errkind.CapabilityUnsupported, "adapter does not support introspect")
		}
		info, err := in.Introspect()
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(info)
		m.recordAndBroadcast(runID, entry, "system:status", "introspect", payload)
		return nil

	default:
		return errkind.New(errkind.CapabilityUnsupported, fmt.Sprintf("unknown capability %q", name))
	}
}

// CloseRunSession requests graceful adapter shutdown, waiting up to
// GraceTimeout for the adapter's own terminal event before forcing the
// session to stopped. Idempotent: concurrent or repeated calls for the same
// runId all block on the same closeOnce and observe exactly one
// system:status/closed event, per §8's "Concurrent closeRunSession from two
// clients yields exactly one closed event."
func (m *Manager) CloseRunSession(runID string) error {
	entry, err := m.lookup(runID)
	if err != nil {
		return err
	}
	entry.closeOnce.Do(func() { m.doClose(runID, entry) })
	<-entry.closedCh
	return nil
}

func (m *Manager) doClose(runID string, entry *runEntry) {
	defer close(entry.closedCh)

	if entry.getStatus().Terminal() {
		return
	}

	sub := m.subscribe(runID, entry)
	terminal := make(chan struct{})
	go func() {
		defer close(terminal)
		for {
			select {
			case b, ok := <-sub.Ch:
				if !ok {
					return
				}
				if b.Channel == "system:status" && (b.Type == "closed" || b.Type == "error") {
					return
				}
			case <-sub.Dropped:
				return
			}
		}
	}()

	if err := entry.handle.Close(); err != nil {
		m.log.Error("adapter close failed", "runId", runID, "err", err)
	}

	select {
	case <-terminal:
	case <-time.After(GraceTimeout):
		m.log.Warn("close grace period elapsed, forcing session stopped", "runId", runID)
	}
	m.unsubscribe(runID, sub.ID, entry)

	// If the adapter already produced its own terminal event during the
	// wait above, recordAndBroadcast already set status and there is
	// nothing left to force.
	if entry.getStatus().Terminal() {
		return
	}

	payload, _ := json.Marshal(map[string]any{"exitCode": 0, "signal": "forced"})
	m.recordAndBroadcast(runID, entry, "system:status", "closed", payload)
}

// GetBacklog returns durable events for runID with seq > afterSeq.
func (m *Manager) GetBacklog(runID string, afterSeq int64, limit int) ([]eventstore.Event, error) {
	if _, err := m.lookup(runID); err != nil {
		return nil, err
	}
	return m.store.EventsSince(runID, afterSeq, limit)
}

// Subscribe joins the caller to runID's live broadcast group. Per §4.6's
// attach sequencing ("subscribe first, then fetch, then deduplicate by
// seq"), callers MUST call Subscribe before GetBacklog to avoid a gap.
func (m *Manager) Subscribe(runID string) (*Subscription, error) {
	entry, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return m.subscribe(runID, entry), nil
}

func (m *Manager) subscribe(runID string, entry *runEntry) *Subscription {
	entry.subsMu.Lock()
	defer entry.subsMu.Unlock()
	id := entry.nextSubID
	entry.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Broadcast, 1024), dropped: make(chan struct{})}
	entry.subs[id] = sub
	return &Subscription{ID: id, RunID: runID, Ch: sub.ch, Dropped: sub.dropped}
}

// Unsubscribe removes a subscriber from its run session's broadcast group.
func (m *Manager) Unsubscribe(runID string, subID uint64) {
	m.mu.RLock()
	entry, ok := m.sessions[runID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.unsubscribe(runID, subID, entry)
}

func (m *Manager) unsubscribe(_ string, subID uint64, entry *runEntry) {
	entry.subsMu.Lock()
	defer entry.subsMu.Unlock()
	if sub, ok := entry.subs[subID]; ok {
		close(sub.ch)
		delete(entry.subs, subID)
	}
}

func (m *Manager) lookup(runID string) (*runEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[runID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, fmt.Sprintf("session %q not found", runID))
	}
	return entry, nil
}

// ResolveByName looks up a runId by its session name.
func (m *Manager) ResolveByName(name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.nameIndex[name]
	if !ok {
		return "", errkind.New(errkind.NotFound, fmt.Sprintf("no session named %q", name))
	}
	return runID, nil
}

// ListSessions exposes the store's session listing for the HTTP/CLI
// collaborator layer (§6).
func (m *Manager) ListSessions(filter eventstore.Filter) ([]eventstore.Session, error) {
	return m.store.ListSessions(filter)
}
