package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// OpenAI streams completions through any OpenAI-compatible endpoint.
type OpenAI struct {
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAI builds the provider; baseURL may point at any compatible
// gateway.
func NewOpenAI(apiKey, baseURL string, timeout time.Duration) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), timeout: timeout}
}

func (o *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	ocr := openai.ChatCompletionRequest{
		Model:    req.ModelID,
		Messages: openaiMessages(req.System, req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		ocr.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		ocr.Temperature = *req.Temperature
	}
	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		ocr.Tools = append(ocr.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.LLMName,
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}

	sctx, cancel := context.WithTimeout(ctx, o.timeout)
	stream, err := o.client.CreateChatCompletionStream(sctx, ocr)
	if err != nil {
		cancel()
		return nil, models.WrapKind(models.ErrModelUpstream, "chat completion stream failed", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer cancel()
		defer close(events)
		defer stream.Close()

		acc := newOpenAIAccumulator()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				for _, ev := range acc.finish("") {
					events <- ev
				}
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				events <- Event{Kind: KindError, Err: models.WrapKind(models.ErrModelUpstream, "stream interrupted", err)}
				return
			}
			for _, ev := range acc.apply(resp) {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
			if acc.done {
				return
			}
		}
	}()
	return events, nil
}

// openaiAccumulator folds incremental deltas into provider events. Tool
// call arguments arrive as JSON fragments keyed by index; a fragment for
// a new index closes the previous call's input.
type openaiAccumulator struct {
	text    strings.Builder
	calls   []ToolCall
	inputs  []strings.Builder
	current int // index of the open tool call, -1 when none
	done    bool
}

func newOpenAIAccumulator() *openaiAccumulator {
	return &openaiAccumulator{current: -1}
}

func (a *openaiAccumulator) apply(resp openai.ChatCompletionStreamResponse) []Event {
	if len(resp.Choices) == 0 {
		return nil
	}
	choice := resp.Choices[0]
	var out []Event

	if choice.Delta.Content != "" {
		a.text.WriteString(choice.Delta.Content)
		out = append(out, Event{Kind: KindTextDelta, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		idx := len(a.calls) - 1
		if tc.Index != nil {
			idx = *tc.Index
		}
		for len(a.calls) <= idx {
			a.calls = append(a.calls, ToolCall{})
			a.inputs = append(a.inputs, strings.Builder{})
		}
		if a.current != idx {
			if a.current >= 0 {
				out = append(out, Event{Kind: KindToolInputStop})
			}
			a.current = idx
		}
		if tc.ID != "" {
			a.calls[idx].ID = tc.ID
		}
		if tc.Function.Name != "" {
			a.calls[idx].LLMName = tc.Function.Name
			out = append(out, Event{Kind: KindToolName, Text: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			a.inputs[idx].WriteString(tc.Function.Arguments)
			out = append(out, Event{Kind: KindToolInputDelta, Text: tc.Function.Arguments})
		}
	}

	if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
		out = append(out, a.finish(string(choice.FinishReason))...)
	}
	return out
}

// finish seals the accumulator and emits the terminal event. An empty
// finish reason (bare EOF) is treated as a normal stop.
func (a *openaiAccumulator) finish(reason string) []Event {
	if a.done {
		return nil
	}
	a.done = true

	var out []Event
	if a.current >= 0 {
		out = append(out, Event{Kind: KindToolInputStop})
	}

	stop := &Stop{}
	if a.text.Len() > 0 {
		stop.Content = append(stop.Content, models.TextBlock(a.text.String()))
	}
	for i := range a.calls {
		input := a.inputs[i].String()
		if input == "" {
			input = "{}"
		}
		call := a.calls[i]
		call.Input = json.RawMessage(input)
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", i)
		}
		stop.ToolCalls = append(stop.ToolCalls, call)
		stop.Content = append(stop.Content, models.ContentBlock{
			Type:    "tool_use",
			ToolUse: &models.ToolUseBlock{ID: call.ID, Name: call.LLMName, Input: call.Input},
		})
	}

	switch reason {
	case "tool_calls":
		stop.Reason = "tool_use"
	case "length":
		stop.Reason = "max_tokens"
	case "", "stop":
		stop.Reason = "end_turn"
	default:
		stop.Reason = reason
	}
	if len(stop.ToolCalls) > 0 && stop.Reason == "end_turn" {
		stop.Reason = "tool_use"
	}

	out = append(out, Event{Kind: KindStop, Stop: stop})
	return out
}

// ── request conversion ───────────────────────────────────────

func openaiMessages(system string, msgs []models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, assistantMessage(m))
		default:
			out = append(out, userMessages(m)...)
		}
	}
	return out
}

func assistantMessage(m models.Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			if block.ToolUse == nil {
				continue
			}
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   block.ToolUse.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      block.ToolUse.Name,
					Arguments: string(block.ToolUse.Input),
				},
			})
		}
	}
	return msg
}

// userMessages splits a user turn into tool-result messages (which the
// API wants as distinct "tool" role messages) and the remaining parts.
func userMessages(m models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	var parts []openai.ChatMessagePart

	for _, block := range m.Content {
		switch block.Type {
		case "tool_result":
			if block.ToolResult == nil {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: block.ToolResult.ToolUseID,
				Content:    flattenResult(block.ToolResult),
			})
		case "text":
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: block.Text})
		case "image":
			if block.Image == nil {
				continue
			}
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:image/%s;base64,%s", block.Image.Format, block.Image.Base64),
				},
			})
		case "file":
			if block.File == nil {
				continue
			}
			// No first-class document part; inline as text reference.
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attached file %s]", block.File.Name),
			})
		}
	}

	if len(parts) > 0 {
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
		if len(parts) == 1 && parts[0].Type == openai.ChatMessagePartTypeText {
			msg.Content = parts[0].Text
		} else {
			msg.MultiContent = parts
		}
		out = append(out, msg)
	}
	return out
}

func flattenResult(tr *models.ToolResultBlock) string {
	var sb strings.Builder
	for _, rc := range tr.Content {
		switch rc.Type {
		case "image":
			sb.WriteString("[image result]")
		default:
			sb.WriteString(rc.Text)
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("(empty result)")
	}
	return sb.String()
}
