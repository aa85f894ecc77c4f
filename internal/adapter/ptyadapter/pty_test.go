package ptyadapter

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
)

type collector struct {
	mu     sync.Mutex
	events []adapter.Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 256)}
}

func (c *collector) emit(e adapter.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, channel, typ string, timeout time.Duration) adapter.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		for _, e := range c.events {
			if e.Channel == channel && e.Type == typ {
				c.mu.Unlock()
				return e
			}
		}
		c.mu.Unlock()
		select {
		case <-c.seen:
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s", channel, typ)
		}
	}
}

func TestLaunchRejectsMissingShell(t *testing.T) {
	_, err := launch("run-1", Meta{Shell: "/no/such/shell-binary"}, func(adapter.Event) {})
	if !errkind.Is(err, errkind.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestLaunchRejectsBadCwd(t *testing.T) {
	_, err := launch("run-1", Meta{Cwd: "/definitely/not/a/real/dir"}, func(adapter.Event) {})
	if !errkind.Is(err, errkind.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestEchoProducesStdoutChunk(t *testing.T) {
	c := newCollector()
	h, err := launch("run-1", Meta{Shell: "/bin/sh", Args: []string{"-c", "echo hello-pty"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	ev := c.waitFor(t, "pty:stdout", "chunk", 5*time.Second)
	if len(ev.Payload) == 0 {
		t.Fatal("expected non-empty stdout payload")
	}

	closed := c.waitFor(t, "system:status", "closed", 5*time.Second)
	var body struct {
		ExitCode int    `json:"exitCode"`
		Signal   string `json:"signal"`
	}
	if err := json.Unmarshal(closed.Payload, &body); err != nil {
		t.Fatalf("decoding closed payload: %v", err)
	}
	if body.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", body.ExitCode)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	c := newCollector()
	h, err := launch("run-1", Meta{Shell: "/bin/sh", Args: []string{"-c", "sleep 5"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Write([]byte("x")); !errkind.Is(err, errkind.SessionNotRunning) {
		t.Fatalf("expected SessionNotRunning after close, got %v", err)
	}
}

func TestResizeRejectsNonPositiveDimensions(t *testing.T) {
	c := newCollector()
	h, err := launch("run-1", Meta{Shell: "/bin/sh", Args: []string{"-c", "sleep 2"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	if err := h.Resize(0, 24); !errkind.Is(err, errkind.InvalidInput) {
		t.Fatalf("expected InvalidInput for zero cols, got %v", err)
	}
	if err := h.Resize(80, 24); err != nil {
		t.Fatalf("expected valid resize to succeed, got %v", err)
	}
}

func TestSignalRejectsUnknownName(t *testing.T) {
	c := newCollector()
	h, err := launch("run-1", Meta{Shell: "/bin/sh", Args: []string{"-c", "sleep 2"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	if err := h.Signal("defenestrate"); !errkind.Is(err, errkind.InvalidInput) {
		t.Fatalf("expected InvalidInput for unknown signal, got %v", err)
	}
	if err := h.Signal("interrupt"); err != nil {
		t.Fatalf("expected interrupt signal to succeed, got %v", err)
	}
}

func TestIntrospectReportsPID(t *testing.T) {
	c := newCollector()
	h, err := launch("run-2", Meta{Shell: "/bin/sh", Args: []string{"-c", "sleep 2"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer h.Close()

	info, err := h.Introspect()
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if info["runId"] != "run-2" {
		t.Fatalf("expected runId run-2, got %v", info["runId"])
	}
	if _, ok := info["pid"]; !ok {
		t.Fatal("expected pid in introspection info")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newCollector()
	h, err := launch("run-1", Meta{Shell: "/bin/sh", Args: []string{"-c", "sleep 1"}}, c.emit)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
