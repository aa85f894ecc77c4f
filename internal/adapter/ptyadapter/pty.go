// Package ptyadapter drives a shell inside a pseudo-terminal, satisfying
// adapter.Handle plus the Resizer, Signaler, and Introspector capability
// interfaces. Grounded on the reference implementation's
// internal/session/session.go Launch: one goroutine draining the PTY
// master into onEvent, one goroutine draining an input channel into the
// master, and one goroutine blocked on cmd.Wait() that emits the terminal
// status event.
package ptyadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
)

// Meta is the kind-specific creation payload for a PTY run session.
type Meta struct {
	Cwd      string   `json:"cwd,omitempty"`
	Env      []string `json:"env,omitempty"`
	Shell    string   `json:"shell,omitempty"`
	Args     []string `json:"args,omitempty"`
	Cols     int      `json:"cols,omitempty"`
	Rows     int      `json:"rows,omitempty"`
	Encoding string   `json:"encoding,omitempty"`
	Name     string   `json:"name,omitempty"`
}

const (
	defaultCols = 80
	defaultRows = 24
	defaultTerm = "xterm-256color"
)

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// NewFactory returns an adapter.Factory that spawns a PTY-backed shell.
func NewFactory() adapter.Factory {
	return func(runID string, rawMeta json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		var m Meta
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &m); err != nil {
				return nil, errkind.Wrap(errkind.InvalidInput, "decoding pty meta", err)
			}
		}
		return launch(runID, m, onEvent)
	}
}

type handle struct {
	runID   string
	ptmx    *os.File
	cmd     *exec.Cmd
	inputCh chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	encoding string
}

func launch(runID string, m Meta, onEvent adapter.EmitFunc) (*handle, error) {
	cwd := m.Cwd
	if cwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cwd = home
		} else {
			cwd = "/"
		}
	}
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		return nil, errkind.New(errkind.InvalidInput, fmt.Sprintf("working directory %q is not usable", cwd))
	}

	shell := m.Shell
	if shell == "" {
		shell = loginShell()
	}
	if _, err := exec.LookPath(shell); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, fmt.Sprintf("shell %q not found", shell), err)
	}

	cols, rows := m.Cols, m.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	encoding := m.Encoding
	if encoding == "" {
		encoding = "utf8"
	}
	termName := m.Name
	if termName == "" {
		termName = defaultTerm
	}

	cmd := exec.Command(shell, m.Args...)
	cmd.Dir = cwd
	cmd.Env = buildEnv(m.Env, termName)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, errkind.Wrap(errkind.AdapterFault, "starting pty", err)
	}

	h := &handle{
		runID:    runID,
		ptmx:     ptmx,
		cmd:      cmd,
		inputCh:  make(chan []byte, 256),
		closed:   make(chan struct{}),
		encoding: encoding,
	}

	go h.readLoop(onEvent)
	go h.writeLoop()
	go h.waitLoop(onEvent)

	return h, nil
}

func (h *handle) Kind() string { return "pty" }

func (h *handle) Write(data []byte) error {
	// Close closes inputCh, so check closed first rather than letting the
	// select below pick a send on a closed channel.
	select {
	case <-h.closed:
		return errkind.New(errkind.SessionNotRunning, "pty handle is closed")
	default:
	}
	select {
	case h.inputCh <- data:
		return nil
	case <-h.closed:
		return errkind.New(errkind.SessionNotRunning, "pty handle is closed")
	}
}

func (h *handle) Resize(cols, rows int) error {
	select {
	case <-h.closed:
		return errkind.New(errkind.SessionNotRunning, "pty handle is closed")
	default:
	}
	if cols <= 0 || rows <= 0 {
		return errkind.New(errkind.InvalidInput, "cols and rows must be positive")
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return errkind.Wrap(errkind.AdapterFault, "resizing pty", err)
	}
	return nil
}

// Signal relays a named OS signal to the shell process (not its process
// group). Supported names:
// "interrupt" (SIGINT), "terminate" (SIGTERM), "hangup" (SIGHUP), "kill"
// (SIGKILL).
func (h *handle) Signal(name string) error {
	sig, ok := signalByName[strings.ToLower(name)]
	if !ok {
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("unsupported signal %q", name))
	}
	if h.cmd.Process == nil {
		return errkind.New(errkind.SessionNotRunning, "process has not started")
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return errkind.Wrap(errkind.AdapterFault, "sending signal", err)
	}
	return nil
}

var signalByName = map[string]os.Signal{
	"interrupt": syscall.SIGINT,
	"terminate": syscall.SIGTERM,
	"hangup":    syscall.SIGHUP,
	"kill":      syscall.SIGKILL,
}

func (h *handle) Introspect() (map[string]any, error) {
	info := map[string]any{"runId": h.runID, "encoding": h.encoding}
	if h.cmd.Process != nil {
		info["pid"] = h.cmd.Process.Pid
	}
	return info, nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.closed)
		close(h.inputCh)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGHUP)
		}
		_ = h.ptmx.Close()
	})
	return nil
}

func (h *handle) readLoop(onEvent adapter.EmitFunc) {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onEvent(adapter.Event{Channel: "pty:stdout", Type: "chunk", Payload: chunk})
		}
		if err != nil {
			return
		}
	}
}

func (h *handle) writeLoop() {
	for data := range h.inputCh {
		if _, err := h.ptmx.Write(data); err != nil {
			return
		}
	}
}

func (h *handle) waitLoop(onEvent adapter.EmitFunc) {
	waitErr := h.cmd.Wait()
	exitCode := 0
	var signalName string
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				signalName = status.Signal().String()
			}
		} else {
			exitCode = -1
		}
	}
	payload, _ := json.Marshal(map[string]any{"exitCode": exitCode, "signal": signalName})
	onEvent(adapter.Event{Channel: "system:status", Type: "closed", Payload: payload})
	h.Close()
}

// loginShell returns $SHELL, since os/user does not expose the passwd shell
// field portably.
func loginShell() string { return defaultShell() }

// buildEnv strips CLAUDECODE from the inherited environment (it confuses
// nested AI CLIs spawned inside the shell) and layers session overrides and
// TERM on top.
func buildEnv(overrides []string, termName string) []string {
	base := os.Environ()
	filtered := make([]string, 0, len(base)+1)
	for _, e := range base {
		if !strings.HasPrefix(e, "CLAUDECODE=") && !strings.HasPrefix(e, "TERM=") {
			filtered = append(filtered, e)
		}
	}
	filtered = append(filtered, "TERM="+termName)

	keyIdx := make(map[string]int, len(filtered))
	for i, e := range filtered {
		if eq := strings.IndexByte(e, '='); eq >= 0 {
			keyIdx[e[:eq]] = i
		}
	}
	result := make([]string, len(filtered))
	copy(result, filtered)
	for _, ov := range overrides {
		eq := strings.IndexByte(ov, '=')
		if eq < 0 {
			continue
		}
		key := ov[:eq]
		if idx, exists := keyIdx[key]; exists {
			result[idx] = ov
		} else {
			result = append(result, ov)
		}
	}
	return result
}
