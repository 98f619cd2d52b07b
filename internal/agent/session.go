// Package agent owns the per-user conversational sessions: the model
// loop with tool dispatch (Session) and the directory that creates,
// evicts, and cancels them (Manager).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/mcp"
	"github.com/yhyyz/mcp-agent-gateway/internal/provider"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// ToolDispatcher routes a tool call to the owning MCP client; the
// supervisor implements it.
type ToolDispatcher interface {
	CallTool(ctx context.Context, userID, serverID, toolName string, args map[string]any) (*models.ToolResultBlock, error)
}

// Params are the sampling knobs recognized per turn.
type Params struct {
	MaxTokens      int
	Temperature    *float32
	EnableThinking bool
	BudgetTokens   int
	// RetainImages is the most-recent-N image budget; negative keeps
	// everything, zero strips all images from prior turns.
	RetainImages int
	// MemoryOn selects server-held history; off trusts the caller to
	// resend the full history each turn.
	MemoryOn bool
	MaxTurns int
}

// stream is one in-flight converse call.
type stream struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is a bound (user, model, system prompt, tool set) holding the
// conversation history. At most one stream is active at a time; a newer
// request supersedes the active one.
type Session struct {
	userID  string
	modelID string

	provider   provider.Provider
	dispatcher ToolDispatcher

	mu           sync.Mutex
	systemPrompt string
	tools        *mcp.ToolSet
	params       Params
	history      []models.Message
	lastActivity time.Time
	active       *stream
}

// NewSession builds an idle session.
func NewSession(userID, modelID string, p provider.Provider, d ToolDispatcher) *Session {
	return &Session{
		userID:       userID,
		modelID:      modelID,
		provider:     p,
		dispatcher:   d,
		lastActivity: time.Now(),
	}
}

// Bind refreshes the tool set, system prompt, and sampling parameters
// for the next turn. Rebinding on every turn keeps removed servers'
// tools out of later requests.
func (s *Session) Bind(systemPrompt string, tools *mcp.ToolSet, params Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = systemPrompt
	s.tools = tools
	s.params = params
}

// Touch updates the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince returns the last-activity timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ClearHistory drops the in-memory conversation.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
}

// cancelActive signals the active stream, if any. Used by eviction and
// shutdown; supersession goes through Converse.
func (s *Session) cancelActive() {
	s.mu.Lock()
	st := s.active
	s.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

// Converse runs one chat turn and returns the canonical event stream.
// The returned channel is closed after the terminal done event. The
// single-stream slot is acquired first: a still-active prior stream is
// cancelled and awaited before this one proceeds.
func (s *Session) Converse(ctx context.Context, streamID string, incoming []models.Message) (<-chan models.Event, error) {
	if len(incoming) == 0 {
		return nil, fmt.Errorf("empty message list")
	}

	cctx, cancel := context.WithCancel(ctx)
	st := &stream{id: streamID, cancel: cancel, done: make(chan struct{})}

	for {
		s.mu.Lock()
		prev := s.active
		if prev == nil {
			s.active = st
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		log.Info().
			Str("user", s.userID).
			Str("superseded", prev.id).
			Str("by", st.id).
			Msg("cancelling prior stream")
		prev.cancel()
		<-prev.done
	}

	s.mu.Lock()
	if s.params.MemoryOn {
		// Server-held history: append only the incoming user turns.
		s.history = append(s.history, incoming...)
	} else {
		// Caller resends the full history; trust and adopt it.
		s.history = incoming
	}
	msgs := copyHistory(s.history)
	system := s.systemPrompt
	tools := s.tools
	params := s.params
	s.lastActivity = time.Now()
	s.mu.Unlock()

	out := make(chan models.Event, 32)
	go s.run(cctx, st, out, msgs, system, tools, params)
	return out, nil
}

// run is the agent loop: stream the model, dispatch tool calls, splice
// results back, repeat until a terminal stop. It suspends at three
// points only: the next provider event, a tool-call reply, and the
// event-channel send.
func (s *Session) run(ctx context.Context, st *stream, out chan<- models.Event, msgs []models.Message, system string, tools *mcp.ToolSet, params Params) {
	defer func() {
		s.mu.Lock()
		if s.active == st {
			s.active = nil
		}
		s.lastActivity = time.Now()
		s.mu.Unlock()
		st.cancel()
		close(st.done)
		close(out)
	}()

	emit := func(ev models.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	finish := func(reason models.DoneReason, stopReason string) {
		// The terminal frame is delivered even when the context is
		// already cancelled, so every stream ends in exactly one done.
		// Consumers are required to drain the channel until close.
		out <- models.Event{Type: models.EventDone, Done: &models.DoneInfo{Reason: reason}, StopReason: stopReason}
	}

	maxTurns := params.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 30
	}

	for turn := 0; turn < maxTurns; turn++ {
		retainRecentImages(msgs, params.RetainImages)

		req := provider.Request{
			ModelID:        s.modelID,
			System:         system,
			Messages:       msgs,
			Tools:          tools.Descriptors(),
			MaxTokens:      params.MaxTokens,
			Temperature:    params.Temperature,
			EnableThinking: params.EnableThinking,
			BudgetTokens:   params.BudgetTokens,
		}

		events, err := s.provider.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				finish(models.DoneCancelled, "")
				return
			}
			emit(models.Event{Type: models.EventError, Err: errorInfo(err)})
			finish(models.DoneFailed, "")
			return
		}

		stop, cancelled := s.pump(ctx, events, emit)
		if cancelled {
			finish(models.DoneCancelled, "")
			return
		}
		if stop == nil {
			finish(models.DoneFailed, "")
			return
		}

		// The completed assistant message joins the working history.
		if len(stop.Content) > 0 {
			msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: stop.Content})
		}

		if stop.Reason == "tool_use" && len(stop.ToolCalls) > 0 {
			results, ok := s.dispatchTools(ctx, tools, stop.ToolCalls, emit)
			if !ok {
				finish(models.DoneCancelled, "")
				return
			}
			msgs = append(msgs, models.Message{Role: models.RoleUser, Content: results})
			continue
		}

		// Terminal: commit history and report completion.
		s.mu.Lock()
		s.history = msgs
		s.mu.Unlock()
		finish(models.DoneComplete, stop.Reason)
		return
	}

	emit(models.Event{Type: models.EventError, Err: &models.ErrorInfo{
		Kind:    models.ErrModelUpstream,
		Message: fmt.Sprintf("turn limit (%d) reached without completion", maxTurns),
	}})
	finish(models.DoneFailed, "max_turns")
}

// pump forwards provider events as canonical events until the terminal
// stop. Returns (stop, cancelled).
func (s *Session) pump(ctx context.Context, events <-chan provider.Event, emit func(models.Event) bool) (*provider.Stop, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, true
		case ev, ok := <-events:
			if !ok {
				return nil, ctx.Err() != nil
			}
			switch ev.Kind {
			case provider.KindTextDelta:
				if !emit(models.Event{Type: models.EventTextDelta, Text: ev.Text}) {
					return nil, true
				}
			case provider.KindThinkingDelta:
				if !emit(models.Event{Type: models.EventThinkingDelta, Text: ev.Text}) {
					return nil, true
				}
			case provider.KindToolName:
				if !emit(models.Event{Type: models.EventToolName, Text: ev.Text}) {
					return nil, true
				}
			case provider.KindToolInputDelta:
				if !emit(models.Event{Type: models.EventToolInputDelta, Text: ev.Text}) {
					return nil, true
				}
			case provider.KindToolInputStop:
				if !emit(models.Event{Type: models.EventToolInputStop}) {
					return nil, true
				}
			case provider.KindStop:
				return ev.Stop, false
			case provider.KindError:
				emit(models.Event{Type: models.EventError, Err: errorInfo(ev.Err)})
				return nil, false
			}
		}
	}
}

// dispatchTools runs the requested calls in order, emitting a
// tool_result event for each. Dispatch failures become error-flagged
// results so the model can react; only cancellation aborts.
func (s *Session) dispatchTools(ctx context.Context, tools *mcp.ToolSet, calls []provider.ToolCall, emit func(models.Event) bool) ([]models.ContentBlock, bool) {
	var blocks []models.ContentBlock
	for _, call := range calls {
		if ctx.Err() != nil {
			return nil, false
		}
		result := s.dispatchOne(ctx, tools, call)
		if ctx.Err() != nil {
			return nil, false
		}
		if !emit(models.Event{Type: models.EventToolResult, Result: result}) {
			return nil, false
		}
		blocks = append(blocks, models.ContentBlock{Type: "tool_result", ToolResult: result})
	}
	return blocks, true
}

func (s *Session) dispatchOne(ctx context.Context, tools *mcp.ToolSet, call provider.ToolCall) *models.ToolResultBlock {
	errResult := func(msg string) *models.ToolResultBlock {
		return &models.ToolResultBlock{
			ToolUseID: call.ID,
			ToolName:  call.LLMName,
			IsError:   true,
			Content:   []models.ToolResultContent{{Type: "text", Text: msg}},
		}
	}

	serverID, toolName, ok := tools.Resolve(call.LLMName)
	if !ok {
		return errResult(fmt.Sprintf("tool %s is not available", call.LLMName))
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errResult(fmt.Sprintf("tool %s received malformed arguments", call.LLMName))
		}
	}

	result, err := s.dispatcher.CallTool(ctx, s.userID, serverID, toolName, args)
	if err != nil {
		log.Warn().Err(err).
			Str("user", s.userID).
			Str("server", serverID).
			Str("tool", toolName).
			Msg("tool dispatch failed")
		info := errorInfo(err)
		r := errResult(string(info.Kind) + ": " + info.Message)
		r.ServerID = serverID
		r.ToolName = toolName
		return r
	}
	result.ToolUseID = call.ID
	return result
}

// errorInfo flattens an error into the wire shape without leaking
// internal detail: KindErrors keep their kind and reason, everything
// else becomes a generic upstream failure.
func errorInfo(err error) *models.ErrorInfo {
	var ke *models.KindError
	if errors.As(err, &ke) {
		return &models.ErrorInfo{Kind: ke.Kind, Message: ke.Reason}
	}
	return &models.ErrorInfo{Kind: models.ErrModelUpstream, Message: "upstream model request failed"}
}
