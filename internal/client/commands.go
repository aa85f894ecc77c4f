package client

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fwdslsh/dispatch/internal/protocol"
	"github.com/fwdslsh/dispatch/internal/terminal"
)

// List prints every known run session as a table, or as JSON when
// jsonOutput is set. Grounded on the reference cmd/cw's List/printSessionTable.
func List(target *Target, jsonOutput bool) error {
	conn, err := Dial(target, "cli")
	if err != nil {
		return err
	}
	defer conn.Close()

	sessions, err := conn.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}
	printSessionTable(sessions)
	return nil
}

func printSessionTable(sessions []protocol.SessionSummary) {
	fmt.Printf("%-36s %-8s %-10s %-8s\n", "RUN ID", "KIND", "STATUS", "AGE")
	for _, s := range sessions {
		fmt.Printf("%-36s %-8s %-10s %-8s\n", s.RunID, s.Kind, s.Status, formatAge(s.CreatedAt))
	}
}

func formatAge(createdAtMS int64) string {
	t := time.UnixMilli(createdAtMS)
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// Create launches a new run session of the given kind and prints its runId.
func Create(target *Target, kind string, meta json.RawMessage, name string) error {
	conn, err := Dial(target, "cli")
	if err != nil {
		return err
	}
	defer conn.Close()

	runID, err := conn.Create(kind, meta, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Session %s created (%s)\n", runID, kind)
	fmt.Println(runID)
	return nil
}

// Kill requests graceful termination of a run session.
func Kill(target *Target, runID string) error {
	conn, err := Dial(target, "cli")
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.CloseRun(runID); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Session %s closed\n", runID)
	return nil
}

// SendInput sends a single chunk of input to a run session without attaching.
func SendInput(target *Target, runID string, data []byte) error {
	conn, err := Dial(target, "cli")
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SendInput(runID, data); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Sent %d bytes to session %s\n", len(data), runID)
	return nil
}

// stdinEvent carries the result of a single stdin read, mirroring the
// reference attach loop's detach/forward/err split.
type stdinEvent struct {
	detach  bool
	forward []byte
	err     error
}

// Attach connects to runID's PTY-like stream, puts the local terminal into
// raw mode, and pumps stdin/stdout until Ctrl+B d is pressed or the
// connection drops. Grounded on the reference internal/client/commands.go's
// Attach, trimmed of the status bar (dropped per DESIGN.md; this core's
// client has no bundled statusbar package) and generalized from a single
// "bytes in, bytes out" pty stream to the channel/type-tagged event stream
// of §4.6.
func Attach(target *Target, runID string, noHistory bool) error {
	conn, err := Dial(target, "cli-attach")
	if err != nil {
		return err
	}
	defer conn.Close()

	result, err := conn.Attach(runID, 0)
	if err != nil {
		return fmt.Errorf("attaching to %s: %w", runID, err)
	}
	if noHistory {
		result.Backlog = nil
	}

	fmt.Fprintf(os.Stderr, "[dispatch] attached to %s\n", runID)
	for _, we := range result.Backlog {
		renderEvent(we)
	}

	guard, err := terminal.EnableRawMode()
	if err != nil {
		return fmt.Errorf("enabling raw mode: %w", err)
	}
	defer guard.Restore()

	if cols, rows, sizeErr := terminal.TerminalSize(); sizeErr == nil {
		_ = conn.Resize(runID, int(cols), int(rows))
	}

	winchCh, winchCleanup := terminal.ResizeSignal()
	defer winchCleanup()

	detector := terminal.NewDetachDetector()
	stdinCh := make(chan stdinEvent, 1)
	go func() {
		for {
			buf := make([]byte, 4096)
			n, readErr := os.Stdin.Read(buf)
			if n > 0 {
				detach, fwd := detector.FeedBuf(buf[:n])
				stdinCh <- stdinEvent{detach: detach, forward: fwd}
				if detach {
					return
				}
			}
			if readErr != nil {
				stdinCh <- stdinEvent{err: readErr}
				return
			}
		}
	}()

	for {
		select {
		case we, ok := <-result.Events:
			if !ok {
				guard.Restore()
				fmt.Fprintf(os.Stderr, "\n[dispatch] connection lost\n")
				return nil
			}
			renderEvent(we)
			if we.Channel == "system:status" && (we.Type == "closed" || we.Type == "error" || we.Type == "subscriber_slow") {
				guard.Restore()
				fmt.Fprintf(os.Stderr, "\n[dispatch] session %s\n", we.Type)
				return nil
			}

		case readErr := <-result.Errs:
			guard.Restore()
			fmt.Fprintf(os.Stderr, "\n[dispatch] connection error: %v\n", readErr)
			return nil

		case se := <-stdinCh:
			if se.err != nil {
				continue
			}
			if se.detach {
				_ = conn.Detach(runID)
				guard.Restore()
				fmt.Fprintf(os.Stderr, "\n[dispatch] detached from %s\n", runID)
				return nil
			}
			if len(se.forward) > 0 {
				if err := conn.SendInput(runID, se.forward); err != nil {
					guard.Restore()
					fmt.Fprintf(os.Stderr, "\n[dispatch] write error: %v\n", err)
					return nil
				}
			}

		case <-winchCh:
			if cols, rows, sizeErr := terminal.TerminalSize(); sizeErr == nil {
				_ = conn.Resize(runID, int(cols), int(rows))
			}
		}
	}
}

// renderEvent writes one decoded event to the terminal: raw pty output goes
// straight to stdout so it composes with whatever the shell is drawing;
// everything else is a one-line status/delta summary on stderr.
func renderEvent(we *protocol.WireEvent) {
	payload, err := protocol.DecodePayload(we.Payload, we.Binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[dispatch] malformed %s/%s event: %v\n", we.Channel, we.Type, err)
		return
	}
	switch we.Channel {
	case "pty:stdout":
		os.Stdout.Write(payload)
		return
	case "ai:delta", "ai:message":
		var body struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(payload, &body) == nil {
			os.Stdout.WriteString(body.Text)
			return
		}
	case "file:content":
		if we.Type == "text" {
			var body struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(payload, &body) == nil {
				os.Stdout.WriteString(body.Text)
				return
			}
		}
	}
	fmt.Fprintf(os.Stderr, "[%s/%s] %s\n", we.Channel, we.Type, payload)
}
