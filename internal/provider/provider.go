// Package provider adapts the two upstream model backends onto one
// streaming contract. Bedrock emits discrete content-block frames that
// lift directly; the OpenAI-compatible backend emits incremental JSON
// deltas that are accumulated into the same alphabet.
package provider

import (
	"context"
	"encoding/json"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// Request is one upstream model invocation: the full history, the bound
// tools, and the sampling knobs.
type Request struct {
	ModelID        string
	System         string
	Messages       []models.Message
	Tools          []models.ToolDescriptor
	MaxTokens      int
	Temperature    *float32
	EnableThinking bool
	BudgetTokens   int
}

// ToolCall is one complete model-requested tool invocation, assembled
// from the input deltas.
type ToolCall struct {
	ID      string
	LLMName string
	Input   json.RawMessage
}

// EventKind enumerates provider stream events. Deltas stream through as
// received; exactly one terminal Stop or Error event closes the channel.
type EventKind string

const (
	KindTextDelta      EventKind = "text_delta"
	KindThinkingDelta  EventKind = "thinking_delta"
	KindToolName       EventKind = "tool_name"
	KindToolInputDelta EventKind = "tool_input_delta"
	KindToolInputStop  EventKind = "tool_input_stop"
	KindStop           EventKind = "stop"
	KindError          EventKind = "error"
)

// Event is one provider stream event.
type Event struct {
	Kind EventKind
	// Text carries the delta payload, or the tool name for KindToolName.
	Text string
	// Stop is set on KindStop.
	Stop *Stop
	// Err is set on KindError; the channel closes after it.
	Err error
}

// Stop is the terminal state of one model turn: the assembled assistant
// content, the stop reason, and any pending tool calls.
type Stop struct {
	Reason    string // end_turn | tool_use | max_tokens | ...
	Content   []models.ContentBlock
	ToolCalls []ToolCall
}

// Provider is one upstream backend. The returned channel is closed after
// the terminal event; cancellation of ctx tears the stream down.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}
