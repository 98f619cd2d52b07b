package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/yhyyz/mcp-agent-gateway/internal/mcp"
	"github.com/yhyyz/mcp-agent-gateway/internal/provider"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// fakeTurn scripts one provider invocation.
type fakeTurn struct {
	events []provider.Event
	// hang emits the events then blocks until cancellation, never
	// producing a stop.
	hang bool
}

type fakeProvider struct {
	mu       sync.Mutex
	turns    []fakeTurn
	requests []provider.Request
	hanging  chan struct{} // receives a value when a hanging turn is in flight
}

func newFakeProvider(turns ...fakeTurn) *fakeProvider {
	return &fakeProvider{turns: turns, hanging: make(chan struct{}, 8)}
}

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	var turn fakeTurn
	if len(f.turns) > 0 {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	}
	f.mu.Unlock()

	ch := make(chan provider.Event, len(turn.events)+1)
	go func() {
		defer close(ch)
		for _, ev := range turn.events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if turn.hang {
			f.hanging <- struct{}{}
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeProvider) request(t *testing.T, i int) provider.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.requests) {
		t.Fatalf("provider saw %d requests, want at least %d", len(f.requests), i+1)
	}
	return f.requests[i]
}

type dispatched struct {
	serverID, toolName string
	args               map[string]any
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatched
	result *models.ToolResultBlock
	err    error
}

func (f *fakeDispatcher) CallTool(ctx context.Context, userID, serverID, toolName string, args map[string]any) (*models.ToolResultBlock, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatched{serverID, toolName, args})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		r := *f.result
		return &r, nil
	}
	return &models.ToolResultBlock{
		ServerID: serverID,
		ToolName: toolName,
		Content:  []models.ToolResultContent{{Type: "text", Text: "ok"}},
	}, nil
}

func textTurn(text string) fakeTurn {
	return fakeTurn{events: []provider.Event{
		{Kind: provider.KindTextDelta, Text: text},
		{Kind: provider.KindStop, Stop: &provider.Stop{
			Reason:  "end_turn",
			Content: []models.ContentBlock{models.TextBlock(text)},
		}},
	}}
}

func toolTurn(id, llmName, input string) fakeTurn {
	return fakeTurn{events: []provider.Event{
		{Kind: provider.KindToolName, Text: llmName},
		{Kind: provider.KindToolInputDelta, Text: input},
		{Kind: provider.KindToolInputStop},
		{Kind: provider.KindStop, Stop: &provider.Stop{
			Reason: "tool_use",
			Content: []models.ContentBlock{{
				Type:    "tool_use",
				ToolUse: &models.ToolUseBlock{ID: id, Name: llmName, Input: json.RawMessage(input)},
			}},
			ToolCalls: []provider.ToolCall{{ID: id, LLMName: llmName, Input: json.RawMessage(input)}},
		}},
	}}
}

func fsToolSet() *mcp.ToolSet {
	return mcp.NewToolSet(models.ToolDescriptor{
		ServerID:    "fs",
		Name:        "read",
		LLMName:     "fs___read",
		Description: "read a file",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	})
}

func userText(text string) []models.Message {
	return []models.Message{{Role: models.RoleUser, Content: []models.ContentBlock{models.TextBlock(text)}}}
}

func drain(t *testing.T, ch <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish; got %d events", len(out))
		}
	}
}

func doneEvent(t *testing.T, events []models.Event) models.Event {
	t.Helper()
	count := 0
	var done models.Event
	for _, ev := range events {
		if ev.Type == models.EventDone {
			count++
			done = ev
		}
	}
	if count != 1 {
		t.Fatalf("stream emitted %d done events, want exactly 1 (%v)", count, events)
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Fatalf("done is not the final event: %v", events)
	}
	return done
}

func newTestSession(p provider.Provider, d ToolDispatcher, params Params) *Session {
	s := NewSession("u1", "model-a", p, d)
	s.Bind("be helpful", fsToolSet(), params)
	return s
}

func TestConverse_TextTurn(t *testing.T) {
	p := newFakeProvider(textTurn("Hello!"))
	s := newTestSession(p, &fakeDispatcher{}, Params{MemoryOn: true, RetainImages: -1})

	ch, err := s.Converse(context.Background(), "s1", userText("hi"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)

	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneComplete {
		t.Errorf("done reason = %v, want complete", done.Done.Reason)
	}
	var text string
	for _, ev := range events {
		if ev.Type == models.EventTextDelta {
			text += ev.Text
		}
	}
	if text != "Hello!" {
		t.Errorf("text = %q, want Hello!", text)
	}
}

func TestConverse_ToolLoop(t *testing.T) {
	p := newFakeProvider(
		toolTurn("t1", "fs___read", `{"path":"a.txt"}`),
		textTurn("The file says ok."),
	)
	d := &fakeDispatcher{}
	s := newTestSession(p, d, Params{MemoryOn: true, RetainImages: -1})

	ch, err := s.Converse(context.Background(), "s1", userText("read a.txt"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneComplete {
		t.Fatalf("done reason = %v, want complete (events %v)", done.Done.Reason, events)
	}

	// The dispatcher got the de-prefixed route.
	if len(d.calls) != 1 {
		t.Fatalf("dispatcher calls = %d, want 1", len(d.calls))
	}
	if d.calls[0].serverID != "fs" || d.calls[0].toolName != "read" {
		t.Errorf("dispatched %s/%s, want fs/read", d.calls[0].serverID, d.calls[0].toolName)
	}
	if d.calls[0].args["path"] != "a.txt" {
		t.Errorf("args = %v", d.calls[0].args)
	}

	// A tool_result event surfaced with the server tag.
	var result *models.ToolResultBlock
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			result = ev.Result
		}
	}
	if result == nil || result.ServerID != "fs" || result.ToolUseID != "t1" {
		t.Fatalf("tool result = %+v", result)
	}

	// The second upstream request replays tool_use and tool_result.
	second := p.request(t, 1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(second.Messages))
	}
	if second.Messages[1].Role != models.RoleAssistant || second.Messages[1].Content[0].Type != "tool_use" {
		t.Errorf("history[1] = %+v, want assistant tool_use", second.Messages[1])
	}
	if second.Messages[2].Content[0].Type != "tool_result" {
		t.Errorf("history[2] = %+v, want tool_result", second.Messages[2])
	}
}

func TestConverse_ToolDispatchErrorContinues(t *testing.T) {
	p := newFakeProvider(
		toolTurn("t1", "fs___read", `{}`),
		textTurn("Could not read it."),
	)
	d := &fakeDispatcher{err: models.NewKindError(models.ErrMcpToolTimeout, "tool read timed out")}
	s := newTestSession(p, d, Params{MemoryOn: true, RetainImages: -1})

	ch, err := s.Converse(context.Background(), "s1", userText("read"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneComplete {
		t.Fatalf("done reason = %v, want complete after recovered tool error", done.Done.Reason)
	}

	var result *models.ToolResultBlock
	for _, ev := range events {
		if ev.Type == models.EventToolResult {
			result = ev.Result
		}
	}
	if result == nil || !result.IsError {
		t.Fatalf("tool result = %+v, want error-flagged block", result)
	}
}

func TestConverse_UnknownToolSurvives(t *testing.T) {
	p := newFakeProvider(
		toolTurn("t1", "ghost___scan", `{}`),
		textTurn("No such tool."),
	)
	d := &fakeDispatcher{}
	s := newTestSession(p, d, Params{MemoryOn: true, RetainImages: -1})

	ch, err := s.Converse(context.Background(), "s1", userText("scan"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)
	doneEvent(t, events)
	if len(d.calls) != 0 {
		t.Errorf("dispatcher called %d times for unknown tool, want 0", len(d.calls))
	}
}

func TestConverse_CancelMidStream(t *testing.T) {
	p := newFakeProvider(fakeTurn{
		events: []provider.Event{{Kind: provider.KindTextDelta, Text: "partial"}},
		hang:   true,
	})
	s := newTestSession(p, &fakeDispatcher{}, Params{MemoryOn: true, RetainImages: -1})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Converse(ctx, "s1", userText("hi"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	<-p.hanging
	cancel()

	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneCancelled {
		t.Errorf("done reason = %v, want cancelled", done.Done.Reason)
	}

	// The partial assistant output must not be committed: the next turn
	// sees only the old user message plus its own.
	p2turns := textTurn("fresh")
	p.mu.Lock()
	p.turns = append(p.turns, p2turns)
	p.mu.Unlock()

	ch, err = s.Converse(context.Background(), "s2", userText("again"))
	if err != nil {
		t.Fatalf("second Converse() error = %v", err)
	}
	drain(t, ch)
	second := p.request(t, 1)
	for _, m := range second.Messages {
		if m.Role == models.RoleAssistant {
			t.Errorf("cancelled partial assistant message leaked into history: %+v", second.Messages)
		}
	}
}

func TestConverse_Supersede(t *testing.T) {
	p := newFakeProvider(
		fakeTurn{events: []provider.Event{{Kind: provider.KindTextDelta, Text: "slow"}}, hang: true},
		textTurn("winner"),
	)
	s := newTestSession(p, &fakeDispatcher{}, Params{MemoryOn: true, RetainImages: -1})

	ch1, err := s.Converse(context.Background(), "s1", userText("first"))
	if err != nil {
		t.Fatalf("first Converse() error = %v", err)
	}
	<-p.hanging

	ch2, err := s.Converse(context.Background(), "s2", userText("second"))
	if err != nil {
		t.Fatalf("second Converse() error = %v", err)
	}

	first := drain(t, ch1)
	done1 := doneEvent(t, first)
	if done1.Done.Reason != models.DoneCancelled {
		t.Errorf("superseded stream done = %v, want cancelled", done1.Done.Reason)
	}

	second := drain(t, ch2)
	done2 := doneEvent(t, second)
	if done2.Done.Reason != models.DoneComplete {
		t.Errorf("winning stream done = %v, want complete", done2.Done.Reason)
	}
}

func TestConverse_MemoryModes(t *testing.T) {
	p := newFakeProvider(textTurn("one"), textTurn("two"))
	s := newTestSession(p, &fakeDispatcher{}, Params{MemoryOn: true, RetainImages: -1})

	ch, _ := s.Converse(context.Background(), "s1", userText("first"))
	drain(t, ch)
	ch, _ = s.Converse(context.Background(), "s2", userText("second"))
	drain(t, ch)

	// Memory on: server history accumulates user, assistant, user.
	second := p.request(t, 1)
	if len(second.Messages) != 3 {
		t.Fatalf("memory-on second request has %d messages, want 3", len(second.Messages))
	}

	// Memory off: the caller-supplied history replaces the server's.
	s.Bind("be helpful", fsToolSet(), Params{MemoryOn: false, RetainImages: -1})
	p.mu.Lock()
	p.turns = append(p.turns, textTurn("three"))
	p.mu.Unlock()
	ch, _ = s.Converse(context.Background(), "s3", userText("fresh start"))
	drain(t, ch)
	third := p.request(t, 2)
	if len(third.Messages) != 1 {
		t.Errorf("memory-off request has %d messages, want 1", len(third.Messages))
	}
}

func TestConverse_ProviderError(t *testing.T) {
	p := newFakeProvider(fakeTurn{events: []provider.Event{
		{Kind: provider.KindError, Err: models.NewKindError(models.ErrModelUpstream, "throttled")},
	}})
	s := newTestSession(p, &fakeDispatcher{}, Params{MemoryOn: true, RetainImages: -1})

	ch, err := s.Converse(context.Background(), "s1", userText("hi"))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}
	events := drain(t, ch)
	done := doneEvent(t, events)
	if done.Done.Reason != models.DoneFailed {
		t.Errorf("done reason = %v, want failed", done.Done.Reason)
	}
	var sawError bool
	for _, ev := range events {
		if ev.Type == models.EventError && ev.Err != nil && ev.Err.Kind == models.ErrModelUpstream {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no model:upstream error event before done")
	}
}

func TestRetainRecentImages(t *testing.T) {
	img := func() models.ContentBlock {
		return models.ContentBlock{Type: "image", Image: &models.ImageBlock{Format: "png", Base64: "aGk="}}
	}
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{img(), models.TextBlock("first")}},
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: "tool_result", ToolResult: &models.ToolResultBlock{
				ToolUseID: "t1",
				Content: []models.ToolResultContent{
					{Type: "image", Data: "aGk=", MimeType: "image/png"},
					{Type: "text", Text: "shot"},
				},
			}},
		}},
		{Role: models.RoleUser, Content: []models.ContentBlock{img()}},
	}

	retainRecentImages(msgs, 1)

	if msgs[0].Content[0].Type != "text" {
		t.Errorf("oldest image not elided: %+v", msgs[0].Content[0])
	}
	if rc := msgs[1].Content[0].ToolResult.Content[0]; rc.Type != "text" {
		t.Errorf("tool-result image not elided: %+v", rc)
	}
	if msgs[2].Content[0].Type != "image" {
		t.Errorf("newest image was elided: %+v", msgs[2].Content[0])
	}
}

func TestRetainRecentImages_ZeroStripsAll(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: "image", Image: &models.ImageBlock{Format: "png", Base64: "aGk="}},
		}},
	}
	retainRecentImages(msgs, 0)
	if msgs[0].Content[0].Type != "text" {
		t.Errorf("image survived keep=0: %+v", msgs[0].Content[0])
	}
}

func TestRetainRecentImages_NegativeKeepsAll(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: "image", Image: &models.ImageBlock{Format: "png", Base64: "aGk="}},
		}},
	}
	retainRecentImages(msgs, -1)
	if msgs[0].Content[0].Type != "image" {
		t.Errorf("image elided with negative keep: %+v", msgs[0].Content[0])
	}
}
