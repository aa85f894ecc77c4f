package protocol

import "encoding/json"

// ClientMessage is the union of all client-to-server gateway messages. The
// Type field is the discriminator; unused fields are omitted on the wire.
// ReqID, when set, asks the server to echo it on the matching ack so the
// caller can correlate requests with responses (generalized from the
// reference's single-purpose request-id correlation).
type ClientMessage struct {
	Type     string          `json:"type"`
	ReqID    string          `json:"reqId,omitempty"`
	Key      string          `json:"key,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	RunID    string          `json:"runId,omitempty"`
	AfterSeq int64           `json:"afterSeq,omitempty"`
	Data     string          `json:"data,omitempty"`
	Cols     int             `json:"cols,omitempty"`
	Rows     int             `json:"rows,omitempty"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`

	// Kind selects the adapter kind for "admin:create" (§4.6 notes session
	// creation/listing as an out-of-core HTTP CRUD concern; this module has
	// no separate HTTP layer, so the CLI's create/list needs a minimal
	// stand-in carried on the same connection as everything else).
	Kind string `json:"kind,omitempty"`
}

// ServerMessage is the union of all server-to-client gateway messages.
type ServerMessage struct {
	Type    string       `json:"type"`
	ReqID   string       `json:"reqId,omitempty"`
	OK      bool         `json:"ok,omitempty"`
	Error   string       `json:"error,omitempty"`
	Message string       `json:"message,omitempty"`
	Backlog []*WireEvent `json:"backlog,omitempty"`

	// run:event fields, set when Type == "run:event".
	RunID   string          `json:"runId,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Channel string          `json:"channel,omitempty"`
	EvtType string          `json:"eventType,omitempty"`
	Binary  bool            `json:"binary,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts,omitempty"`

	// Sessions carries the result of "admin:list".
	Sessions []SessionSummary `json:"sessions,omitempty"`
	// RunID above doubles as the created run's id on an "admin:create" ack.
}

// SessionSummary is the wire shape of one session row returned by
// "admin:list".
type SessionSummary struct {
	RunID     string `json:"runId"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// WireEvent is the JSON-wire shape of one SessionEvent, used both in
// attach acks' backlog array and in "run:event" pushes.
type WireEvent struct {
	RunID   string          `json:"runId"`
	Seq     int64           `json:"seq"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Binary  bool            `json:"binary,omitempty"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// textChannelTypes enumerates the (channel, type) pairs whose payload is
// always UTF-8 text rather than arbitrary binary, per SPEC_FULL.md's
// "implementers SHOULD enumerate the (channel, type) pairs" guidance. Any
// pair not in this table is encoded as base64 on the wire.
var textChannelTypes = map[string]bool{
	"pty:stdout/chunk":   true, // only when the bytes are valid UTF-8; see toWireEvent in internal/gateway
	"pty:resize/dimensions": true,
	"ai:delta/stream":       true,
	"ai:message/assistant":  true,
	"ai:result/success":     true,
	"ai:result/error":       true,
	"ai:result/interrupt":   true,
	"ai:error/execution_error": true,
	"system:status/opened":            true,
	"system:status/closed":            true,
	"system:status/error":             true,
	"system:status/subscriber_slow":   true,
	"file:content/text":               true,
	"file:content/saved":              true,
}

// IsStructuredChannelType reports whether channel/type's payload is known
// to be UTF-8 text or JSON (as opposed to raw binary that must be
// base64-wrapped on the wire).
func IsStructuredChannelType(channel, typ string) bool {
	return textChannelTypes[channel+"/"+typ]
}

// EncodePayload turns a stored event payload into its wire representation:
// a raw UTF-8 JSON string when text/structured, base64-in-a-JSON-string
// when binary is true.
func EncodePayload(payload []byte, binary bool) (json.RawMessage, error) {
	if binary {
		return json.Marshal(payload) // encoding/json base64-encodes []byte automatically
	}
	return json.Marshal(string(payload))
}

// DecodePayload reverses EncodePayload.
func DecodePayload(raw json.RawMessage, binary bool) ([]byte, error) {
	if binary {
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}
