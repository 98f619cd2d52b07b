package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// heartbeatEvery paces SSE comment frames that keep intermediaries from
// closing an idle stream.
const heartbeatEvery = 30 * time.Second

// sseWriter emits canonical events as provider-shaped SSE frames. The
// envelope keeps the existing browser client working: token deltas in
// choices[0].delta.content, thinking wrapped in <thinking> markers, tool
// input in <tool_input> markers, and complete tool results in
// message_extras.tool_use.
type sseWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	streamID string
	model    string

	thinkingOpen  bool
	toolInputOpen bool
	closed        bool
}

// newSSEWriter writes the stream headers, X-Stream-ID included, before
// any body bytes.
func newSSEWriter(w http.ResponseWriter, streamID, model string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Stream-ID", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher, streamID: streamID, model: model}, nil
}

// Run forwards events until the channel closes, interleaving heartbeat
// comments. It always drains the channel so the session loop can
// deliver its terminal frame even after a disconnect.
func (s *sseWriter) Run(events <-chan models.Event) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if !s.closed {
					// The loop ended without a done event; close out
					// defensively so the client is not left hanging.
					s.writeDone(models.DoneFailed, "")
				}
				return
			}
			s.handle(ev)
		case <-ticker.C:
			s.comment("heartbeat")
		}
	}
}

func (s *sseWriter) handle(ev models.Event) {
	if s.closed {
		return
	}
	switch ev.Type {
	case models.EventTextDelta:
		text := ev.Text
		if s.thinkingOpen {
			text = "</thinking>" + text
			s.thinkingOpen = false
		}
		s.writeDelta(text, nil, "")

	case models.EventThinkingDelta:
		text := ev.Text
		if !s.thinkingOpen {
			text = "<thinking>" + text
			s.thinkingOpen = true
		}
		s.writeDelta(text, nil, "")

	case models.EventToolName:
		s.writeDelta("", &models.MessageExtras{ToolName: ev.Text}, "")

	case models.EventToolInputDelta:
		text := ev.Text
		if !s.toolInputOpen {
			text = "<tool_input>" + text
			s.toolInputOpen = true
		}
		s.writeDelta(text, nil, "")

	case models.EventToolInputStop:
		if s.toolInputOpen {
			s.toolInputOpen = false
			s.writeDelta("</tool_input>", nil, "")
		}

	case models.EventToolResult:
		raw, err := json.Marshal([]*models.ToolResultBlock{ev.Result})
		if err != nil {
			return
		}
		s.writeDelta("", &models.MessageExtras{ToolUse: string(raw)}, "tool_use")

	case models.EventError:
		msg := "stream error"
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %s", ev.Err.Kind, ev.Err.Message)
		}
		s.writeDelta("Error: "+msg, nil, "error")

	case models.EventDone:
		reason := models.DoneComplete
		if ev.Done != nil {
			reason = ev.Done.Reason
		}
		s.writeDone(reason, ev.StopReason)
	}
}

// writeDelta emits one chunk frame.
func (s *sseWriter) writeDelta(content string, extras *models.MessageExtras, finishReason string) {
	chunk := models.NewStreamChunk(fmt.Sprintf("chat%d", time.Now().UnixNano()), s.model)
	chunk.Choices[0].Delta.Content = content
	chunk.Choices[0].MessageExtras = extras
	chunk.Choices[0].FinishReason = finishReason
	s.writeFrame(chunk)
}

// writeDone closes any open markers, emits the final chunk, and the
// [DONE] sentinel. It is sticky: nothing is written afterwards.
func (s *sseWriter) writeDone(reason models.DoneReason, stopReason string) {
	if s.closed {
		return
	}
	content := ""
	if s.thinkingOpen {
		content += "</thinking>"
		s.thinkingOpen = false
	}
	if s.toolInputOpen {
		content += "</tool_input>"
		s.toolInputOpen = false
	}

	finish := stopReason
	switch reason {
	case models.DoneCancelled:
		finish = "stop_requested"
	case models.DoneFailed:
		finish = "error"
	default:
		if finish == "" {
			finish = "stop"
		}
		if finish == "max_tokens" {
			content += "<max output token reached>"
		}
	}

	chunk := models.NewStreamChunk(fmt.Sprintf("stop%d", time.Now().UnixNano()), s.model)
	chunk.Choices[0].Delta.Content = content
	chunk.Choices[0].FinishReason = finish
	s.writeFrame(chunk)

	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
	s.closed = true
}

func (s *sseWriter) writeFrame(chunk *models.StreamChunk) {
	// HTML escaping is off so the <thinking>/<tool_input> markers go out
	// as literal characters.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(chunk); err != nil {
		log.Error().Err(err).Msg("marshal sse frame")
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", bytes.TrimRight(buf.Bytes(), "\n"))
	s.flusher.Flush()
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
