// Package aiadapter drives a streaming Anthropic Messages request per
// run session, translating the SDK's server-sent-event stream into the
// adapter framework's (channel, type, payload) emission contract.
// Grounded on the reference model client's streamResponse switch over
// event.Type, generalized from a schema.StreamWriter sink to adapter.EmitFunc.
package aiadapter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fwdslsh/dispatch/internal/adapter"
	"github.com/fwdslsh/dispatch/internal/errkind"
)

const (
	defaultModel     = "claude-sonnet-4-6"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

// Meta is the kind-specific creation payload for an AI run session.
type Meta struct {
	Model           string   `json:"model,omitempty"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	MaxTokens       int      `json:"maxTokens,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	MaxTurns        int      `json:"maxTurns,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	StreamPartials  bool     `json:"streamPartials,omitempty"`
	APIKey          string   `json:"apiKey,omitempty"`
}

// NewFactory returns an adapter.Factory that drives Anthropic's streaming
// Messages API. apiKey is the fallback credential used when meta.apiKey is
// absent (e.g. sourced from process environment at startup).
func NewFactory(apiKey string) adapter.Factory {
	return func(runID string, rawMeta json.RawMessage, onEvent adapter.EmitFunc) (adapter.Handle, error) {
		var m Meta
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &m); err != nil {
				return nil, errkind.Wrap(errkind.InvalidInput, "decoding ai meta", err)
			}
		}
		key := m.APIKey
		if key == "" {
			key = apiKey
		}
		if key == "" {
			return nil, errkind.New(errkind.InvalidInput, "no Anthropic API key configured")
		}

		model := m.Model
		if model == "" {
			model = defaultModel
		}
		maxTokens := m.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultMaxTokens
		}

		h := &handle{
			runID:     runID,
			client:    anthropic.NewClient(option.WithAPIKey(key)),
			model:     model,
			maxTokens: maxTokens,
			system:    m.SystemPrompt,
			partials:  m.StreamPartials,
			prompts:   make(chan string, 1),
			closed:    make(chan struct{}),
			onEvent:   onEvent,
		}
		h.ctx, h.cancel = context.WithCancel(context.Background())
		go h.worker(onEvent)
		return h, nil
	}
}

type handle struct {
	runID     string
	client    anthropic.Client
	model     string
	maxTokens int
	system    string
	partials  bool

	prompts chan string
	history []anthropic.MessageParam
	onEvent adapter.EmitFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	inFlight  bool
	closeOnce sync.Once
	closed    chan struct{}
	writeMu   sync.Mutex
}

func (h *handle) Kind() string { return "ai" }

// Write enqueues a prompt without blocking. Per SPEC_FULL.md §4.4, a write
// while a query is active is queued rather than rejected: the channel is
// buffered to depth one and the worker takes the queued prompt once the
// current turn ends. A write while that one slot is already occupied is
// a recoverable per-turn rejection, not a session fault: it is reported as
// an ai:error event and Write returns nil so the manager does not tear the
// run session down over it. writeMu serializes against Close so a send on
// h.prompts can never race its closing.
func (h *handle) Write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	select {
	case <-h.closed:
		return errkind.New(errkind.SessionNotRunning, "ai handle is closed")
	default:
	}

	select {
	case h.prompts <- string(data):
		return nil
	default:
		payload, _ := json.Marshal(map[string]any{"message": "a prompt is already queued for this session"})
		h.onEvent(adapter.Event{Channel: "ai:error", Type: "queue_full", Payload: payload})
		return nil
	}
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.writeMu.Lock()
		close(h.closed)
		h.writeMu.Unlock()
		h.cancel()
	})
	return nil
}

func (h *handle) Introspect() (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"runId":    h.runID,
		"model":    h.model,
		"inFlight": h.inFlight,
	}, nil
}

func (h *handle) worker(onEvent adapter.EmitFunc) {
	for {
		select {
		case prompt := <-h.prompts:
			h.runTurn(prompt, onEvent)
		case <-h.ctx.Done():
			payload, _ := json.Marshal(map[string]any{"exitCode": 0, "signal": ""})
			onEvent(adapter.Event{Channel: "system:status", Type: "closed", Payload: payload})
			return
		}
	}
}

func (h *handle) runTurn(prompt string, onEvent adapter.EmitFunc) {
	h.mu.Lock()
	h.inFlight = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inFlight = false
		h.mu.Unlock()
	}()

	h.history = append(h.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(h.model),
		MaxTokens: int64(h.maxTokens),
		Messages:  h.history,
	}
	if h.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: h.system}}
	}

	ctx, cancel := context.WithTimeout(h.ctx, defaultTimeout)
	defer cancel()

	stream := h.client.Messages.NewStreaming(ctx, params)

	var content strings.Builder
	var inputTokens, outputTokens int64

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = event.Message.Usage.InputTokens

		case "content_block_delta":
			delta := event.Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				content.WriteString(delta.Text)
				if h.partials {
					payload, _ := json.Marshal(map[string]any{"text": delta.Text})
					onEvent(adapter.Event{Channel: "ai:delta", Type: "stream", Payload: payload})
				}
			}

		case "message_delta":
			outputTokens = event.Usage.OutputTokens

		case "message_stop":
			// terminal result emitted after the loop once stream.Err() is checked
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == context.Canceled {
			h.emitResult(onEvent, "interrupt", content.String(), inputTokens, outputTokens)
			return
		}
		payload, _ := json.Marshal(map[string]any{"message": err.Error()})
		onEvent(adapter.Event{Channel: "ai:error", Type: "execution_error", Payload: payload})
		h.emitResult(onEvent, "error", content.String(), inputTokens, outputTokens)
		return
	}

	h.history = append(h.history, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content.String())))

	msgPayload, _ := json.Marshal(map[string]any{
		"text": content.String(),
	})
	onEvent(adapter.Event{Channel: "ai:message", Type: "assistant", Payload: msgPayload})
	h.emitResult(onEvent, "success", content.String(), inputTokens, outputTokens)
}

func (h *handle) emitResult(onEvent adapter.EmitFunc, outcome, text string, inputTokens, outputTokens int64) {
	payload, _ := json.Marshal(map[string]any{
		"outcome":      outcome,
		"inputTokens":  inputTokens,
		"outputTokens": outputTokens,
		"chars":        len(text),
	})
	onEvent(adapter.Event{Channel: "ai:result", Type: outcome, Payload: payload})
}
