package runmanager

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
	"github.com/fwdslsh/dispatch/internal/eventstore"
)

// stubHandle is a minimal adapter.Handle (plus Resizer) for driving the
// manager's bookkeeping without a real process.
type stubHandle struct {
	onEvent adapter.EmitFunc

	mu          sync.Mutex
	writeErr    error
	closed      bool
	closeErr    error
	emitOnClose bool
}

func (h *stubHandle) Kind() string { return "stub" }

func (h *stubHandle) Write(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeErr
}

func (h *stubHandle) Resize(cols, rows int) error { return nil }

func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.emitOnClose {
		payload, _ := json.Marshal(map[string]any{"exitCode": 0, "signal": ""})
		h.onEvent(adapter.Event{Channel: "system:status", Type: "closed", Payload: payload})
	}
	return h.closeErr
}

func newTestManager(t *testing.T) (*Manager, *adapter.Registry, map[string]*stubHandle) {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.CloseStore() })

	handles := make(map[string]*stubHandle)
	var mu sync.Mutex
	registry := adapter.NewRegistry()
	registry.Register("stub", func(runID string, _ json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		h := &stubHandle{onEvent: onEvent}
		mu.Lock()
		handles[runID] = h
		mu.Unlock()
		return h, nil
	})
	registry.Register("failing", func(runID string, _ json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		return nil, errors.New("boom")
	})
	registry.Register("autoclose", func(runID string, _ json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		h := &stubHandle{onEvent: onEvent, emitOnClose: true}
		mu.Lock()
		handles[runID] = h
		mu.Unlock()
		return h, nil
	})

	return New(store, registry, nil), registry, handles
}

func TestCreateRunSessionSynthesizesOpenedEvent(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	events, err := mgr.GetBacklog(runID, 0, 10)
	if err != nil {
		t.Fatalf("GetBacklog: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one synthesized event, got %d", len(events))
	}
	if events[0].Seq != 1 || events[0].Channel != "system:status" || events[0].Type != "opened" {
		t.Fatalf("unexpected opening event: %+v", events[0])
	}
}

func TestCreateRunSessionUnknownKind(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.CreateRunSession("nope", nil, "")
	if !errkind.Is(err, errkind.UnknownKind) {
		t.Fatalf("expected UnknownKind, got %v", err)
	}
}

func TestCreateRunSessionNameCollision(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	if _, err := mgr.CreateRunSession("stub", nil, "alpha"); err != nil {
		t.Fatalf("first CreateRunSession: %v", err)
	}
	_, err := mgr.CreateRunSession("stub", nil, "alpha")
	if !errkind.Is(err, errkind.AlreadyExists) {
		t.Fatalf("expected AlreadyExists, got %v", err)
	}
}

func TestCreateRunSessionFactoryFailureRollsBack(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	_, err := mgr.CreateRunSession("failing", nil, "doomed")
	if !errkind.Is(err, errkind.AdapterFault) {
		t.Fatalf("expected AdapterFault, got %v", err)
	}

	if _, err := mgr.ResolveByName("doomed"); !errkind.Is(err, errkind.NotFound) {
		t.Fatalf("expected the failed session's name to be rolled back, got %v", err)
	}
	if _, err := mgr.CreateRunSession("stub", nil, "doomed"); err != nil {
		t.Fatalf("name should be free for reuse after rollback: %v", err)
	}
}

func TestSendInputWriteErrorTransitionsToError(t *testing.T) {
	mgr, _, handles := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}
	handles[runID].writeErr = errors.New("write failed")

	if err := mgr.SendInput(runID, []byte("x")); err != nil {
		t.Fatalf("SendInput should swallow adapter write errors, got %v", err)
	}

	events, err := mgr.GetBacklog(runID, 0, 10)
	if err != nil {
		t.Fatalf("GetBacklog: %v", err)
	}
	last := events[len(events)-1]
	if last.Channel != "system:status" || last.Type != "error" {
		t.Fatalf("expected a trailing error event, got %+v", last)
	}

	if err := mgr.SendInput(runID, []byte("y")); !errkind.Is(err, errkind.SessionNotRunning) {
		t.Fatalf("expected SessionNotRunning once errored, got %v", err)
	}
}

func TestApplyCapabilityUnsupported(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	err = mgr.ApplyCapability(runID, "signal", json.RawMessage(`{"name":"interrupt"}`))
	if !errkind.Is(err, errkind.CapabilityUnsupported) {
		t.Fatalf("expected CapabilityUnsupported, got %v", err)
	}
}

func TestApplyCapabilityResize(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	if err := mgr.ApplyCapability(runID, "resize", json.RawMessage(`{"cols":80,"rows":24}`)); err != nil {
		t.Fatalf("ApplyCapability resize: %v", err)
	}

	events, err := mgr.GetBacklog(runID, 0, 10)
	if err != nil {
		t.Fatalf("GetBacklog: %v", err)
	}
	last := events[len(events)-1]
	if last.Channel != "pty:resize" || last.Type != "dimensions" {
		t.Fatalf("expected a pty:resize/dimensions event, got %+v", last)
	}
}

func TestCloseRunSessionIsIdempotentAndConcurrencySafe(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("autoclose", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = mgr.CloseRunSession(runID)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("CloseRunSession call %d: %v", i, err)
		}
	}

	events, err := mgr.GetBacklog(runID, 0, 100)
	if err != nil {
		t.Fatalf("GetBacklog: %v", err)
	}
	closedCount := 0
	for _, e := range events {
		if e.Channel == "system:status" && e.Type == "closed" {
			closedCount++
		}
	}
	if closedCount != 1 {
		t.Fatalf("expected exactly one closed event from concurrent closes, got %d", closedCount)
	}
}

func TestPromptAdapterCloseIsReflectedInListSessionsWithoutWaitingForGrace(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("autoclose", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- mgr.CloseRunSession(runID) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CloseRunSession: %v", err)
		}
	case <-time.After(GraceTimeout):
		t.Fatal("CloseRunSession should return promptly when the adapter emits its own closed event")
	}

	sessions, err := mgr.ListSessions(eventstore.Filter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	var found *eventstore.Session
	for i := range sessions {
		if sessions[i].RunID == runID {
			found = &sessions[i]
		}
	}
	if found == nil {
		t.Fatalf("expected to find session %s in ListSessions", runID)
	}
	if found.Status != eventstore.StatusStopped {
		t.Fatalf("expected persisted status stopped, got %q", found.Status)
	}
}

func TestCloseRunSessionForcesAfterGracePeriod(t *testing.T) {
	mgr, _, handles := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}
	_ = handles

	done := make(chan error, 1)
	go func() { done <- mgr.CloseRunSession(runID) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("CloseRunSession: %v", err)
		}
	case <-time.After(GraceTimeout + 5*time.Second):
		t.Fatal("CloseRunSession did not return after the grace period elapsed")
	}

	events, err := mgr.GetBacklog(runID, 0, 100)
	if err != nil {
		t.Fatalf("GetBacklog: %v", err)
	}
	last := events[len(events)-1]
	if last.Channel != "system:status" || last.Type != "closed" {
		t.Fatalf("expected a forced closed event, got %+v", last)
	}
}

func TestSubscribeThenUnsubscribe(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	sub, err := mgr.Subscribe(runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := mgr.SendInput(runID, []byte("hi")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	select {
	case b := <-sub.Ch:
		if b.Channel != "pty:stdout" && b.Channel != "system:status" {
			// stubHandle.Write doesn't emit, so nothing should arrive here;
			// this branch only fires if that assumption changes.
			t.Fatalf("unexpected broadcast: %+v", b)
		}
	case <-time.After(50 * time.Millisecond):
		// Expected: stubHandle.Write is a no-op emitter, so no broadcast.
	}

	mgr.Unsubscribe(runID, sub.ID)
	if _, ok := <-sub.Ch; ok {
		t.Fatal("expected subscription channel to be closed after Unsubscribe")
	}
}

func TestResolveByName(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	runID, err := mgr.CreateRunSession("stub", nil, "bob")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	got, err := mgr.ResolveByName("bob")
	if err != nil {
		t.Fatalf("ResolveByName: %v", err)
	}
	if got != runID {
		t.Fatalf("ResolveByName returned %q, want %q", got, runID)
	}

	if _, err := mgr.ResolveByName("nobody"); !errkind.Is(err, errkind.NotFound) {
		t.Fatalf("expected NotFound for unknown name, got %v", err)
	}
}

func TestGetBacklogUnknownSession(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	if _, err := mgr.GetBacklog("nope", 0, 10); !errkind.Is(err, errkind.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
