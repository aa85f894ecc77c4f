// Package client implements the thin CLI-side counterpart to the socket
// gateway: dialing a Target (local Unix socket or remote WebSocket),
// authenticating, and issuing request/response or streaming operations over
// the protocol.ClientMessage/ServerMessage envelope. Grounded on the
// reference cmd/cw's Target/requestResponse split in internal/client.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/fwdslsh/dispatch/internal/connection"
	"github.com/fwdslsh/dispatch/internal/protocol"
)

// Target describes where to dial: either a local Unix socket path or a
// remote WebSocket URL.
type Target struct {
	SocketPath string // local Unix socket path (empty if remote)
	URL        string // ws:// or wss:// base URL for remote
	AuthKey    string // credential sent via the "auth" message
}

// IsLocal reports whether the target is a local Unix socket connection.
func (t *Target) IsLocal() bool { return t.SocketPath != "" }

func (t *Target) dial() (connection.FrameReader, connection.FrameWriter, error) {
	if t.IsLocal() {
		conn, err := net.Dial("unix", t.SocketPath)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to %s: %w", t.SocketPath, err)
		}
		return connection.NewUnixReader(conn), connection.NewUnixWriter(conn), nil
	}

	ctx := context.Background()
	wsURL := strings.TrimSuffix(t.URL, "/") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	conn.SetReadLimit(-1)
	return connection.NewWSReader(ctx, conn), connection.NewWSWriter(ctx, conn), nil
}

// Conn is one authenticated connection to a gateway. Request-style calls
// (Create, List, Resize, Close, Detach) are safe to call sequentially from a
// single goroutine; Attach hands back a channel fed by its own reader
// goroutine so the caller can select against it alongside stdin or signals.
type Conn struct {
	reader   connection.FrameReader
	writer   connection.FrameWriter
	reqCount uint64
}

// Dial connects to target, authenticates, and sends the client:hello message.
func Dial(target *Target, clientID string) (*Conn, error) {
	reader, writer, err := target.dial()
	if err != nil {
		return nil, err
	}
	c := &Conn{reader: reader, writer: writer}

	ack, err := c.request(&protocol.ClientMessage{Type: "auth", Key: target.AuthKey})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("authenticating: %w", err)
	}
	if !ack.OK {
		c.Close()
		return nil, fmt.Errorf("%s: %s", ack.Error, ack.Message)
	}

	if err := c.writer.SendJSON(&protocol.ClientMessage{Type: "client:hello", ClientID: clientID}); err != nil {
		c.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	return c, nil
}

// Close releases the underlying connection.
func (c *Conn) Close() error {
	c.reader.Close()
	return c.writer.Close()
}

func (c *Conn) nextReqID() string {
	n := atomic.AddUint64(&c.reqCount, 1)
	return fmt.Sprintf("r%d", n)
}

// request sends msg (assigning a ReqID if unset) and reads frames until the
// matching ack arrives, discarding any run:event pushes that interleave
// ahead of it (possible if the caller holds other attachments open on the
// same connection).
func (c *Conn) request(msg *protocol.ClientMessage) (*protocol.ServerMessage, error) {
	if msg.ReqID == "" {
		msg.ReqID = c.nextReqID()
	}
	if err := c.writer.SendJSON(msg); err != nil {
		return nil, fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	for {
		resp, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		if resp.Type == "run:event" {
			continue
		}
		if resp.ReqID != msg.ReqID {
			continue
		}
		return resp, nil
	}
}

func (c *Conn) readMessage() (*protocol.ServerMessage, error) {
	f, err := c.reader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	if f == nil {
		return nil, fmt.Errorf("connection closed")
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	return &msg, nil
}

// ackErr turns a failed ServerMessage into a Go error.
func ackErr(resp *protocol.ServerMessage) error {
	if resp.OK {
		return nil
	}
	return fmt.Errorf("%s: %s", resp.Error, resp.Message)
}

// Create asks the daemon to start a new run session of the given kind,
// returning its runId. meta is adapter-specific (e.g. {"shell":"/bin/bash",
// "args":[...]} for a pty session); name, if non-empty, registers a human-addressable alias.
func (c *Conn) Create(kind string, meta json.RawMessage, name string) (string, error) {
	resp, err := c.request(&protocol.ClientMessage{Type: "admin:create", Kind: kind, Args: meta, Name: name})
	if err != nil {
		return "", err
	}
	if err := ackErr(resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// List returns a summary of every known run session.
func (c *Conn) List() ([]protocol.SessionSummary, error) {
	resp, err := c.request(&protocol.ClientMessage{Type: "admin:list"})
	if err != nil {
		return nil, err
	}
	if err := ackErr(resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Resize applies a PTY-style resize capability to runID.
func (c *Conn) Resize(runID string, cols, rows int) error {
	resp, err := c.request(&protocol.ClientMessage{Type: "run:resize", RunID: runID, Cols: cols, Rows: rows})
	if err != nil {
		return err
	}
	return ackErr(resp)
}

// Capability invokes an arbitrary named capability on runID.
func (c *Conn) Capability(runID, name string, args json.RawMessage) error {
	resp, err := c.request(&protocol.ClientMessage{Type: "run:capability", RunID: runID, Name: name, Args: args})
	if err != nil {
		return err
	}
	return ackErr(resp)
}

// CloseRun requests graceful termination of runID.
func (c *Conn) CloseRun(runID string) error {
	resp, err := c.request(&protocol.ClientMessage{Type: "run:close", RunID: runID})
	if err != nil {
		return err
	}
	return ackErr(resp)
}

// SendInput forwards data to runID's adapter. Fire-and-forget on the wire
// (§4.6); the only failure mode here is a transport write error.
func (c *Conn) SendInput(runID string, data []byte) error {
	return c.writer.SendJSON(&protocol.ClientMessage{Type: "run:input", RunID: runID, Data: string(data)})
}

// Detach tells the server to stop forwarding runID's live events to this
// connection. Fire-and-forget; the server does not ack it.
func (c *Conn) Detach(runID string) error {
	return c.writer.SendJSON(&protocol.ClientMessage{Type: "run:detach", RunID: runID})
}

// AttachResult carries the outcome of a run:attach, including the decoded
// backlog and a channel fed by the connection's own read loop for every
// subsequent run:event on this runId.
type AttachResult struct {
	RunID   string
	Backlog []*protocol.WireEvent
	Events  <-chan *protocol.WireEvent
	Errs    <-chan error
}

// Attach joins runID's broadcast group starting after afterSeq and spawns a
// goroutine that decodes every subsequent run:event pushed on this
// connection into Events. Because run:event pushes for every attached runId
// share one connection, a Conn used for Attach should not also be used
// concurrently for other request-style calls from a different goroutine —
// callers needing both typically open a second Conn.
func (c *Conn) Attach(runID string, afterSeq int64) (*AttachResult, error) {
	resp, err := c.request(&protocol.ClientMessage{Type: "run:attach", RunID: runID, AfterSeq: afterSeq})
	if err != nil {
		return nil, err
	}
	if err := ackErr(resp); err != nil {
		return nil, err
	}

	events := make(chan *protocol.WireEvent, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		for {
			msg, err := c.readMessage()
			if err != nil {
				errs <- err
				return
			}
			if msg.Type != "run:event" || msg.RunID != runID {
				continue
			}
			events <- &protocol.WireEvent{
				RunID: msg.RunID, Seq: msg.Seq, Channel: msg.Channel,
				Type: msg.EvtType, Binary: msg.Binary, Payload: msg.Payload, TS: msg.TS,
			}
		}
	}()

	return &AttachResult{RunID: runID, Backlog: resp.Backlog, Events: events, Errs: errs}, nil
}
