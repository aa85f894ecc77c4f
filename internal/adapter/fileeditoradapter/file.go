// Package fileeditoradapter exposes a single workspace file as a run
// session: open emits its current content, writes replace it wholesale.
// This is the minimal "file-editor is expected" registry kind the manager
// ships with; richer diff/patch semantics are left to a future adapter
// registered under a different kind.
package fileeditoradapter

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
	"github.com/fwdslsh/dispatch/internal/workspace"
)

// Meta is the kind-specific creation payload for a file-editor run session.
type Meta struct {
	Path string `json:"path"`
}

// NewFactory returns an adapter.Factory that opens a file under root for
// reading and wholesale replacement.
func NewFactory(root string) adapter.Factory {
	return func(runID string, rawMeta json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		var m Meta
		if err := json.Unmarshal(rawMeta, &m); err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, "decoding file-editor meta", err)
		}
		if m.Path == "" {
			return nil, errkind.New(errkind.InvalidInput, "path is required")
		}
		if err := workspace.Validate(root, m.Path); err != nil {
			return nil, err
		}

		content, err := os.ReadFile(m.Path)
		if err != nil {
			if os.IsNotExist(err) {
				content = nil
			} else {
				return nil, errkind.Wrap(errkind.AdapterFault, "reading file", err)
			}
		}

		h := &handle{path: m.Path, onEvent: onEvent, closed: make(chan struct{})}

		payload, _ := json.Marshal(map[string]any{"text": string(content)})
		onEvent(adapter.Event{Channel: "file:content", Type: "text", Payload: payload})

		return h, nil
	}
}

type handle struct {
	path    string
	onEvent adapter.EmitFunc

	closeOnce sync.Once
	closed    chan struct{}
	writeMu   sync.Mutex
}

func (h *handle) Kind() string { return "file-editor" }

// Write replaces the file's entire content and confirms with a saved event.
// The manager does not serialize Write calls, so writeMu serializes them
// with each other and with Close: no save overlaps another, and none
// follows the closed event.
func (h *handle) Write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	select {
	case <-h.closed:
		return errkind.New(errkind.SessionNotRunning, "file-editor handle is closed")
	default:
	}
	if err := os.WriteFile(h.path, data, 0o644); err != nil {
		return errkind.Wrap(errkind.AdapterFault, "writing file", err)
	}
	payload, _ := json.Marshal(map[string]any{"bytes": len(data)})
	h.onEvent(adapter.Event{Channel: "file:content", Type: "saved", Payload: payload})
	return nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.writeMu.Lock()
		close(h.closed)
		h.writeMu.Unlock()
		payload, _ := json.Marshal(map[string]any{"exitCode": 0, "signal": ""})
		h.onEvent(adapter.Event{Channel: "system:status", Type: "closed", Payload: payload})
	})
	return nil
}
