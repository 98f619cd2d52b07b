package provider

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

func chunkText(text string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
		}},
	}
}

func chunkTool(index int, id, name, args string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &index,
					ID:       id,
					Function: openai.FunctionCall{Name: name, Arguments: args},
				}},
			},
		}},
	}
}

func chunkFinish(reason openai.FinishReason) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{FinishReason: reason}},
	}
}

func collect(acc *openaiAccumulator, chunks ...openai.ChatCompletionStreamResponse) []Event {
	var out []Event
	for _, c := range chunks {
		out = append(out, acc.apply(c)...)
	}
	return out
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestAccumulator_TextOnly(t *testing.T) {
	acc := newOpenAIAccumulator()
	events := collect(acc, chunkText("Hello"), chunkText(" world"), chunkFinish(openai.FinishReasonStop))

	want := []EventKind{KindTextDelta, KindTextDelta, KindStop}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("event kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event kinds = %v, want %v", got, want)
		}
	}

	stop := events[len(events)-1].Stop
	if stop.Reason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn", stop.Reason)
	}
	if len(stop.Content) != 1 || stop.Content[0].Text != "Hello world" {
		t.Errorf("assembled content = %+v, want single text block", stop.Content)
	}
}

func TestAccumulator_ToolCallFragments(t *testing.T) {
	acc := newOpenAIAccumulator()
	events := collect(acc,
		chunkTool(0, "call_abc", "fs___read", ""),
		chunkTool(0, "", "", `{"path":`),
		chunkTool(0, "", "", `"a.txt"}`),
		chunkFinish(openai.FinishReasonToolCalls),
	)

	var sawName, sawStop bool
	var inputDeltas string
	for _, e := range events {
		switch e.Kind {
		case KindToolName:
			sawName = true
			if e.Text != "fs___read" {
				t.Errorf("tool name = %q, want fs___read", e.Text)
			}
		case KindToolInputDelta:
			inputDeltas += e.Text
		case KindToolInputStop:
			sawStop = true
		}
	}
	if !sawName || !sawStop {
		t.Fatalf("missing tool_name or tool_input_stop in %v", kinds(events))
	}
	if inputDeltas != `{"path":"a.txt"}` {
		t.Errorf("accumulated input deltas = %q", inputDeltas)
	}

	stop := events[len(events)-1].Stop
	if stop == nil {
		t.Fatal("no terminal stop event")
	}
	if stop.Reason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", stop.Reason)
	}
	if len(stop.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(stop.ToolCalls))
	}
	call := stop.ToolCalls[0]
	if call.ID != "call_abc" || call.LLMName != "fs___read" || string(call.Input) != `{"path":"a.txt"}` {
		t.Errorf("assembled call = %+v", call)
	}
}

func TestAccumulator_ParallelToolCalls(t *testing.T) {
	acc := newOpenAIAccumulator()
	events := collect(acc,
		chunkTool(0, "call_1", "fs___read", `{"a":1}`),
		chunkTool(1, "call_2", "fs___write", `{"b":2}`),
		chunkFinish(openai.FinishReasonToolCalls),
	)

	stop := events[len(events)-1].Stop
	if len(stop.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(stop.ToolCalls))
	}
	if stop.ToolCalls[0].LLMName != "fs___read" || stop.ToolCalls[1].LLMName != "fs___write" {
		t.Errorf("calls out of order: %+v", stop.ToolCalls)
	}

	// The switch from index 0 to 1 must close the first call's input.
	stops := 0
	for _, e := range events {
		if e.Kind == KindToolInputStop {
			stops++
		}
	}
	if stops != 2 {
		t.Errorf("tool_input_stop events = %d, want 2", stops)
	}
}

func TestAccumulator_MaxTokens(t *testing.T) {
	acc := newOpenAIAccumulator()
	events := collect(acc, chunkText("truncat"), chunkFinish(openai.FinishReasonLength))
	stop := events[len(events)-1].Stop
	if stop.Reason != "max_tokens" {
		t.Errorf("stop reason = %q, want max_tokens", stop.Reason)
	}
}

func TestAccumulator_FinishIsSticky(t *testing.T) {
	acc := newOpenAIAccumulator()
	collect(acc, chunkText("x"), chunkFinish(openai.FinishReasonStop))
	if extra := acc.finish(""); extra != nil {
		t.Errorf("finish() after done emitted %v, want nil", extra)
	}
}

func TestOpenAIMessages_ToolResultSplit(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: "tool_result", ToolResult: &models.ToolResultBlock{
				ToolUseID: "call_1",
				Content:   []models.ToolResultContent{{Type: "text", Text: "file contents"}},
			}},
		}},
	}
	out := openaiMessages("be helpful", msgs)
	if len(out) != 2 {
		t.Fatalf("messages = %d, want system + tool", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first role = %s, want system", out[0].Role)
	}
	if out[1].Role != openai.ChatMessageRoleTool || out[1].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[1])
	}
}
