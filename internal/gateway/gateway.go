// Package gateway implements the Run-Session Core's sole external protocol
// surface: a duplex, frame-preserving connection (Unix domain socket or
// WebSocket) carrying a JSON message envelope over the reference's
// [type:u8][length:u32 BE][payload] frame codec. Grounded on the reference
// internal/node/handler.go's handleClient: one goroutine per connection
// reads and dispatches inbound frames in its own loop, and each run:attach
// starts a forwarder goroutine that writes that run's live events to the
// shared writer.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/fwdslsh/dispatch/internal/connection"
	"github.com/fwdslsh/dispatch/internal/errkind"
	"github.com/fwdslsh/dispatch/internal/eventstore"
	"github.com/fwdslsh/dispatch/internal/protocol"
	"github.com/fwdslsh/dispatch/internal/runmanager"
)

// maxBacklog bounds a single run:attach's history fetch, per §5's "hard row
// limit prevents runaway memory" guidance. Larger histories still exist in
// the store; a client wanting more pages again with a newer afterSeq.
const maxBacklog = 10000

// Authorizer validates a client's presented credential. Kept as a function
// value rather than a concrete dependency so the core doesn't need to know
// whether keys live on disk, in config, or in a secrets manager.
type Authorizer func(credential string) bool

// Gateway accepts connections and dispatches client messages against a
// RunSessionManager. It holds no session state itself; all of that lives in
// the manager and in each connection's own attachment table.
type Gateway struct {
	manager *runmanager.Manager
	authz   Authorizer
	log     *slog.Logger
}

// New builds a Gateway over manager, authorizing connections with authz.
func New(manager *runmanager.Manager, authz Authorizer, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{manager: manager, authz: authz, log: log}
}

// HandleConnection drives one client connection to completion. Callers
// (the Unix accept loop, the WebSocket upgrade handler) run this in its own
// goroutine per connection.
func (gw *Gateway) HandleConnection(reader connection.FrameReader, writer connection.FrameWriter) {
	defer reader.Close()
	defer writer.Close()

	c := &connState{
		gw:          gw,
		writer:      writer,
		attachments: make(map[string]*attachment),
		done:        make(chan struct{}),
	}
	defer c.closeAll()

	for {
		f, err := reader.ReadFrame()
		if err != nil {
			gw.log.Debug("gateway read error", "err", err)
			return
		}
		if f == nil {
			return // clean disconnect
		}
		if f.Type != protocol.FrameControl {
			// The core's wire format never sends a raw FrameData frame; every
			// message, including binary event payloads, is base64-wrapped
			// inside a FrameControl/JSON envelope (§4.6).
			gw.log.Warn("unexpected data frame on gateway connection")
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			gw.log.Warn("malformed client message", "err", err)
			continue
		}

		if !c.authenticated && msg.Type != "auth" {
			c.ackError(msg.Type, msg.ReqID, errkind.New(errkind.Unauthenticated, "authenticate first"))
			continue
		}

		c.dispatch(&msg)
	}
}

// attachment tracks one connection's subscription to one run session.
type attachment struct {
	sub *runmanager.Subscription
}

// connState holds the per-connection state described in §4.6: authenticated,
// clientId, and the set of runId attachments. A connState is owned by the
// single goroutine running HandleConnection's read loop for everything
// except attachments, which forwarder goroutines also read under attachMu.
type connState struct {
	gw     *Gateway
	writer connection.FrameWriter

	authenticated bool
	clientID      string

	attachMu    sync.Mutex
	attachments map[string]*attachment

	done     chan struct{}
	doneOnce sync.Once
}

func (c *connState) dispatch(msg *protocol.ClientMessage) {
	switch msg.Type {
	case "auth":
		ok := c.gw.authz(msg.Key)
		c.authenticated = ok
		if ok {
			c.ack(&protocol.ServerMessage{Type: "auth", ReqID: msg.ReqID, OK: true})
		} else {
			c.ackError("auth", msg.ReqID, errkind.New(errkind.Unauthenticated, "invalid key"))
		}

	case "client:hello":
		c.clientID = msg.ClientID
		c.gw.log.Info("client hello", "clientId", c.clientID)

	case "run:attach":
		c.handleAttach(msg)

	case "run:input":
		if err := c.gw.manager.SendInput(msg.RunID, []byte(msg.Data)); err != nil {
			// NotFound etc. can't become a session event; there is no
			// session row to attach it to. Log and drop, per §4.6's
			// "fire-and-forget" input policy.
			c.gw.log.Warn("run:input failed", "runId", msg.RunID, "err", err)
		}

	case "run:resize":
		args, _ := json.Marshal(map[string]any{"cols": msg.Cols, "rows": msg.Rows})
		c.applyCapability(msg.Type, msg.ReqID, msg.RunID, "resize", args)

	case "run:capability":
		c.applyCapability(msg.Type, msg.ReqID, msg.RunID, msg.Name, msg.Args)

	case "run:close":
		if err := c.gw.manager.CloseRunSession(msg.RunID); err != nil {
			c.ackError("run:close", msg.ReqID, err)
			return
		}
		c.removeAttachment(msg.RunID)
		c.ack(&protocol.ServerMessage{Type: "run:close", ReqID: msg.ReqID, OK: true})

	case "run:detach":
		c.removeAttachment(msg.RunID)

	case "admin:create":
		runID, err := c.gw.manager.CreateRunSession(msg.Kind, msg.Args, msg.Name)
		if err != nil {
			c.ackError("admin:create", msg.ReqID, err)
			return
		}
		c.ack(&protocol.ServerMessage{Type: "admin:create", ReqID: msg.ReqID, OK: true, RunID: runID})

	case "admin:list":
		sessions, err := c.gw.manager.ListSessions(eventstore.Filter{})
		if err != nil {
			c.ackError("admin:list", msg.ReqID, err)
			return
		}
		summaries := make([]protocol.SessionSummary, 0, len(sessions))
		for _, s := range sessions {
			summaries = append(summaries, protocol.SessionSummary{
				RunID: s.RunID, Kind: s.Kind, Status: string(s.Status),
				CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
			})
		}
		c.ack(&protocol.ServerMessage{Type: "admin:list", ReqID: msg.ReqID, OK: true, Sessions: summaries})

	default:
		c.ackError(msg.Type, msg.ReqID, errkind.New(errkind.InvalidInput, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (c *connState) applyCapability(msgType, reqID, runID, name string, args json.RawMessage) {
	err := c.gw.manager.ApplyCapability(runID, name, args)
	if reqID == "" {
		if err != nil {
			c.gw.log.Warn("capability call failed", "runId", runID, "name", name, "err", err)
		}
		return
	}
	if err != nil {
		c.ackError(msgType, reqID, err)
		return
	}
	c.ack(&protocol.ServerMessage{Type: msgType, ReqID: reqID, OK: true})
}

// handleAttach implements §4.6 step-by-step: subscribe before fetching the
// backlog so no live event is lost to the gap between the two calls, then
// deduplicate by seq once both are in hand.
func (c *connState) handleAttach(msg *protocol.ClientMessage) {
	sub, err := c.gw.manager.Subscribe(msg.RunID)
	if err != nil {
		c.ackError("run:attach", msg.ReqID, err)
		return
	}

	backlog, err := c.gw.manager.GetBacklog(msg.RunID, msg.AfterSeq, maxBacklog)
	if err != nil {
		c.gw.manager.Unsubscribe(msg.RunID, sub.ID)
		c.ackError("run:attach", msg.ReqID, err)
		return
	}

	lastBacklogSeq := msg.AfterSeq
	wireEvents := make([]*protocol.WireEvent, 0, len(backlog))
	for _, e := range backlog {
		we, err := toWireEvent(e.RunID, e.Seq, e.Channel, e.Type, e.Payload, e.TS)
		if err != nil {
			c.gw.log.Error("encoding backlog event", "runId", msg.RunID, "seq", e.Seq, "err", err)
			continue
		}
		wireEvents = append(wireEvents, we)
		if e.Seq > lastBacklogSeq {
			lastBacklogSeq = e.Seq
		}
	}

	c.attachMu.Lock()
	prior, hadPrior := c.attachments[msg.RunID]
	c.attachments[msg.RunID] = &attachment{sub: sub}
	c.attachMu.Unlock()
	if hadPrior {
		// Re-attaching the same runId on this connection (e.g. to pick up a
		// fresh afterSeq) must not leak the previous subscription and its
		// forwarder goroutine.
		c.gw.manager.Unsubscribe(prior.sub.RunID, prior.sub.ID)
	}

	go c.forwardRun(sub, lastBacklogSeq)

	c.ack(&protocol.ServerMessage{Type: "run:attach", ReqID: msg.ReqID, OK: true, Backlog: wireEvents})
}

// forwardRun streams one subscription's live events to the client for as
// long as the connection and the attachment both live. Writes go straight
// to the shared FrameWriter, which is safe for concurrent use, so no central
// fan-in is needed even though each attachment runs its own goroutine.
func (c *connState) forwardRun(sub *runmanager.Subscription, skipThroughSeq int64) {
	for {
		select {
		case b, ok := <-sub.Ch:
			if !ok {
				return
			}
			if b.Seq <= skipThroughSeq {
				continue // already delivered in the attach ack's backlog
			}
			we, err := toWireEvent(b.RunID, b.Seq, b.Channel, b.Type, b.Payload, b.TS)
			if err != nil {
				c.gw.log.Error("encoding live event", "runId", b.RunID, "seq", b.Seq, "err", err)
				continue
			}
			if err := c.writer.SendJSON(&protocol.ServerMessage{
				Type: "run:event", RunID: we.RunID, Seq: we.Seq, Channel: we.Channel,
				EvtType: we.Type, Binary: we.Binary, Payload: we.Payload, TS: we.TS,
			}); err != nil {
				return
			}

		case <-sub.Dropped:
			// Policy from §4.6: drop the slow subscriber with a terminal
			// event on its own socket and force it to re-attach; the
			// session and every other subscriber are unaffected.
			_ = c.writer.SendJSON(&protocol.ServerMessage{
				Type: "run:event", RunID: sub.RunID, Channel: "system:status", EvtType: "subscriber_slow",
			})
			c.gw.manager.Unsubscribe(sub.RunID, sub.ID)
			c.removeAttachment(sub.RunID)
			return

		case <-c.done:
			return
		}
	}
}

func (c *connState) removeAttachment(runID string) {
	c.attachMu.Lock()
	att, ok := c.attachments[runID]
	if ok {
		delete(c.attachments, runID)
	}
	c.attachMu.Unlock()
	if ok {
		c.gw.manager.Unsubscribe(runID, att.sub.ID)
	}
}

// closeAll tears down every live attachment when the connection ends,
// per §5's "client disconnection cancels outbound deliveries to that
// client; do NOT close the session."
func (c *connState) closeAll() {
	c.doneOnce.Do(func() { close(c.done) })
	c.attachMu.Lock()
	runs := make([]*attachment, 0, len(c.attachments))
	for _, att := range c.attachments {
		runs = append(runs, att)
	}
	c.attachments = make(map[string]*attachment)
	c.attachMu.Unlock()
	for _, att := range runs {
		c.gw.manager.Unsubscribe(att.sub.RunID, att.sub.ID)
	}
}

func (c *connState) ack(msg *protocol.ServerMessage) {
	if err := c.writer.SendJSON(msg); err != nil {
		c.gw.log.Debug("sending ack failed", "err", err)
	}
}

func (c *connState) ackError(msgType, reqID string, err error) {
	kind, ok := errkind.Of(err)
	if !ok {
		kind = errkind.AdapterFault
	}
	c.ack(&protocol.ServerMessage{Type: msgType, ReqID: reqID, OK: false, Error: string(kind), Message: err.Error()})
}

func toWireEvent(runID string, seq int64, channel, typ string, payload []byte, ts int64) (*protocol.WireEvent, error) {
	binary := !protocol.IsStructuredChannelType(channel, typ) || !utf8.Valid(payload)
	encoded, err := protocol.EncodePayload(payload, binary)
	if err != nil {
		return nil, err
	}
	return &protocol.WireEvent{RunID: runID, Seq: seq, Channel: channel, Type: typ, Binary: binary, Payload: encoded, TS: ts}, nil
}
