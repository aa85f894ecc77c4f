package gateway

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/connection"
	"github.com/fwdslsh/dispatch/internal/errkind"
	"github.com/fwdslsh/dispatch/internal/eventstore"
	"github.com/fwdslsh/dispatch/internal/protocol"
	"github.com/fwdslsh/dispatch/internal/runmanager"
)

// echoHandle is a minimal adapter.Handle+Resizer+Introspector used to drive
// the gateway's dispatch logic without a real PTY or network call.
type echoHandle struct {
	onEvent adapter.EmitFunc

	mu      sync.Mutex
	closed  bool
	resized [2]int
}

func (h *echoHandle) Kind() string { return "echo" }

func (h *echoHandle) Write(data []byte) error {
	payload, _ := json.Marshal(map[string]any{"text": string(data)})
	h.onEvent(adapter.Event{Channel: "pty:stdout", Type: "chunk", Payload: payload})
	return nil
}

func (h *echoHandle) Resize(cols, rows int) error {
	h.mu.Lock()
	h.resized = [2]int{cols, rows}
	h.mu.Unlock()
	return nil
}

func (h *echoHandle) Introspect() (map[string]any, error) {
	return map[string]any{"alive": true}, nil
}

func (h *echoHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	payload, _ := json.Marshal(map[string]any{"exitCode": 0, "signal": ""})
	h.onEvent(adapter.Event{Channel: "system:status", Type: "closed", Payload: payload})
	return nil
}

// testRig wires a Gateway over an in-process manager and a net.Pipe
// connection, returning the client-side frame reader/writer.
type testRig struct {
	t       *testing.T
	manager *runmanager.Manager
	client  connection.FrameReader
	writer  connection.FrameWriter

	handlesMu sync.Mutex
	handles   map[string]*echoHandle
}

func newTestRig(t *testing.T, authKey string) *testRig {
	t.Helper()
	store, err := eventstore.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.CloseStore() })

	rig := &testRig{t: t, handles: make(map[string]*echoHandle)}

	registry := adapter.NewRegistry()
	registry.Register("echo", func(runID string, _ json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		h := &echoHandle{onEvent: onEvent}
		rig.handlesMu.Lock()
		rig.handles[runID] = h
		rig.handlesMu.Unlock()
		return h, nil
	})

	mgr := runmanager.New(store, registry, nil)
	gw := New(mgr, func(credential string) bool { return credential == authKey }, nil)

	serverConn, clientConn := net.Pipe()
	go gw.HandleConnection(connection.NewUnixReader(serverConn), connection.NewUnixWriter(serverConn))

	t.Cleanup(func() { clientConn.Close() })

	rig.manager = mgr
	rig.client = connection.NewUnixReader(clientConn)
	rig.writer = connection.NewUnixWriter(clientConn)
	return rig
}

func (r *testRig) handleFor(runID string) *echoHandle {
	r.handlesMu.Lock()
	defer r.handlesMu.Unlock()
	return r.handles[runID]
}

func (r *testRig) send(msg *protocol.ClientMessage) {
	r.t.Helper()
	if err := r.writer.SendJSON(msg); err != nil {
		r.t.Fatalf("sending client message: %v", err)
	}
}

func (r *testRig) recv() *protocol.ServerMessage {
	r.t.Helper()
	f, err := r.client.ReadFrame()
	if err != nil {
		r.t.Fatalf("reading server frame: %v", err)
	}
	if f == nil {
		r.t.Fatal("connection closed while waiting for a message")
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		r.t.Fatalf("decoding server message: %v", err)
	}
	return &msg
}

// recvMatching reads server messages, skipping ones that don't match want,
// until it finds one or a deadline elapses.
func (r *testRig) recvMatching(want func(*protocol.ServerMessage) bool) *protocol.ServerMessage {
	r.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := r.recv()
		if want(msg) {
			return msg
		}
	}
	r.t.Fatal("timed out waiting for matching server message")
	return nil
}

func (r *testRig) authenticate(key string) {
	r.t.Helper()
	r.send(&protocol.ClientMessage{Type: "auth", ReqID: "a1", Key: key})
	ack := r.recv()
	if ack.Type != "auth" || !ack.OK {
		r.t.Fatalf("expected successful auth ack, got %+v", ack)
	}
}

func TestMessagesBeforeAuthAreRejected(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "r1", RunID: "whatever"})
	ack := rig.recv()
	if ack.OK {
		t.Fatalf("expected rejection before auth, got %+v", ack)
	}
	if ack.Error != string(errkind.Unauthenticated) {
		t.Fatalf("expected Unauthenticated, got %q", ack.Error)
	}
}

func TestAuthRejectsWrongKey(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.send(&protocol.ClientMessage{Type: "auth", ReqID: "a1", Key: "wrong"})
	ack := rig.recv()
	if ack.OK {
		t.Fatal("expected auth failure for wrong key")
	}
	if ack.Error != string(errkind.Unauthenticated) {
		t.Fatalf("expected Unauthenticated, got %q", ack.Error)
	}
}

func TestAttachReturnsOpenedInBacklog(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	runID, err := rig.manager.CreateRunSession("echo", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: runID, AfterSeq: 0})
	ack := rig.recv()
	if !ack.OK {
		t.Fatalf("expected attach ok, got %+v", ack)
	}
	if len(ack.Backlog) != 1 || ack.Backlog[0].Channel != "system:status" || ack.Backlog[0].Type != "opened" {
		t.Fatalf("expected backlog to start with system:status/opened, got %+v", ack.Backlog)
	}
	if ack.Backlog[0].Seq != 1 {
		t.Fatalf("expected opened event at seq 1, got %d", ack.Backlog[0].Seq)
	}
}

func TestInputProducesLiveEventAfterAttach(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	runID, err := rig.manager.CreateRunSession("echo", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}

	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: runID})
	rig.recv() // attach ack

	rig.send(&protocol.ClientMessage{Type: "run:input", RunID: runID, Data: "hello"})

	msg := rig.recvMatching(func(m *protocol.ServerMessage) bool {
		return m.Type == "run:event" && m.Channel == "pty:stdout" && m.EvtType == "chunk"
	})
	var wrapped string
	if err := json.Unmarshal(msg.Payload, &wrapped); err != nil {
		t.Fatalf("decoding wire payload string: %v", err)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(wrapped), &body); err != nil {
		t.Fatalf("decoding inner payload: %v", err)
	}
	if body.Text != "hello" {
		t.Fatalf("expected echoed text hello, got %q", body.Text)
	}
}

func TestResizeUpdatesAdapterAndAcks(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	runID, err := rig.manager.CreateRunSession("echo", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}
	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: runID})
	rig.recv()

	rig.send(&protocol.ClientMessage{Type: "run:resize", ReqID: "rs1", RunID: runID, Cols: 100, Rows: 40})

	ack := rig.recvMatching(func(m *protocol.ServerMessage) bool { return m.Type == "run:resize" })
	if !ack.OK {
		t.Fatalf("expected run:resize ok ack, got %+v", ack)
	}

	h := rig.handleFor(runID)
	h.mu.Lock()
	got := h.resized
	h.mu.Unlock()
	if got != [2]int{100, 40} {
		t.Fatalf("expected adapter resized to [100 40], got %v", got)
	}
}

func TestRunCloseAcksOkAndEmitsClosed(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	runID, err := rig.manager.CreateRunSession("echo", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}
	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: runID})
	rig.recv()

	rig.send(&protocol.ClientMessage{Type: "run:close", ReqID: "c1", RunID: runID})

	sawClosedEvent := false
	sawCloseAck := false
	for i := 0; i < 5 && !(sawClosedEvent && sawCloseAck); i++ {
		msg := rig.recv()
		if msg.Type == "run:close" && msg.OK {
			sawCloseAck = true
		}
		if msg.Type == "run:event" && msg.Channel == "system:status" && msg.EvtType == "closed" {
			sawClosedEvent = true
		}
	}
	if !sawCloseAck {
		t.Fatal("expected a run:close ok ack")
	}
	if !sawClosedEvent {
		t.Fatal("expected a system:status/closed run:event")
	}
}

func TestAttachUnknownRunIDRejectsNotFound(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: "does-not-exist"})
	ack := rig.recv()
	if ack.OK {
		t.Fatal("expected attach to unknown runId to fail")
	}
	if ack.Error != string(errkind.NotFound) {
		t.Fatalf("expected NotFound, got %q", ack.Error)
	}
}

func TestDetachStopsFurtherLiveEvents(t *testing.T) {
	rig := newTestRig(t, "secret")
	rig.authenticate("secret")

	runID, err := rig.manager.CreateRunSession("echo", nil, "")
	if err != nil {
		t.Fatalf("CreateRunSession: %v", err)
	}
	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att1", RunID: runID})
	rig.recv()

	rig.send(&protocol.ClientMessage{Type: "run:detach", RunID: runID})
	// Give the detach a moment to process before writing, since detach is
	// fire-and-forget with no ack.
	time.Sleep(50 * time.Millisecond)

	rig.send(&protocol.ClientMessage{Type: "run:input", RunID: runID, Data: "ignored"})

	// There is no ack to wait on. Re-attach instead: had the detach left the
	// subscription in place, the echoed chunk would arrive as a live
	// run:event ahead of the re-attach ack. The ack must be the next message,
	// with the chunk present only in its backlog.
	rig.send(&protocol.ClientMessage{Type: "run:attach", ReqID: "att2", RunID: runID, AfterSeq: 0})
	ack := rig.recv()
	if ack.Type != "run:attach" || !ack.OK {
		t.Fatalf("expected the re-attach ok ack with no live event ahead of it, got %+v", ack)
	}
	foundChunk := false
	for _, e := range ack.Backlog {
		if e.Channel == "pty:stdout" && e.Type == "chunk" {
			foundChunk = true
		}
	}
	if !foundChunk {
		t.Fatal("expected the post-detach input's output to be visible in backlog")
	}
}
