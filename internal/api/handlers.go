package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yhyyz/mcp-agent-gateway/internal/agent"
	"github.com/yhyyz/mcp-agent-gateway/internal/api/middleware"
	"github.com/yhyyz/mcp-agent-gateway/internal/config"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// ServerRegistry is the slice of the MCP supervisor the handlers use.
type ServerRegistry interface {
	Add(ctx context.Context, userID string, spec models.ServerSpec) error
	Remove(ctx context.Context, userID, serverID string) error
	List(ctx context.Context, userID string) ([]models.ServerInfo, error)
}

// Handler carries the dependencies of the HTTP surface.
type Handler struct {
	cfg      *config.Config
	registry ServerRegistry
	manager  *agent.Manager
}

// NewHandler builds the surface over the supervisor and session manager.
func NewHandler(cfg *config.Config, registry ServerRegistry, manager *agent.Manager) *Handler {
	return &Handler{cfg: cfg, registry: registry, manager: manager}
}

// ── helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeOK writes the errno/msg envelope the browser client expects, with
// no-store headers so stale management responses are never replayed.
func writeOK(w http.ResponseWriter, msg string) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, models.APIResponse{Errno: 0, Msg: msg})
}

// writeKindError maps an error kind onto a status code and serializes
// the kind with a short reason. Internal causes never reach the body.
func writeKindError(w http.ResponseWriter, err error) {
	var ke *models.KindError
	if !errors.As(err, &ke) {
		log.Error().Err(err).Msg("unclassified handler error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"errno": -1, "msg": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case strings.HasPrefix(string(ke.Kind), "validation:"), strings.HasPrefix(string(ke.Kind), "auth:"):
		status = http.StatusBadRequest
	case ke.Kind == models.ErrStoreUnavailable:
		status = http.StatusServiceUnavailable
	case strings.HasPrefix(string(ke.Kind), "mcp:"):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"errno": -1, "kind": ke.Kind, "msg": ke.Reason})
}

// ── health and catalog ───────────────────────────────────────

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "mcp-agent-gateway"})
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	entries := h.cfg.Models
	if entries == nil {
		entries = []models.ModelEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": entries})
}

// ── MCP server management ────────────────────────────────────

func (h *Handler) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	infos, err := h.registry.List(r.Context(), userID)
	if err != nil {
		writeKindError(w, err)
		return
	}
	if infos == nil {
		infos = []models.ServerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": infos})
}

func (h *Handler) AddMCPServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req models.AddMCPServerRequest
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": "malformed request body"})
		return
	}

	spec, err := normalizeSpec(req)
	if err != nil {
		writeKindError(w, err)
		return
	}

	if err := h.registry.Add(r.Context(), userID, spec); err != nil {
		writeKindError(w, err)
		return
	}
	writeOK(w, "The server already been added!")
}

// normalizeSpec flattens a nested config_json block into a plain spec.
// A command is required after normalization; URL-only definitions are
// not accepted here.
func normalizeSpec(req models.AddMCPServerRequest) (models.ServerSpec, error) {
	spec := models.ServerSpec{
		ServerID:   req.ServerID,
		ServerName: req.ServerDesc,
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
	}

	if len(req.ConfigJSON) > 0 && string(req.ConfigJSON) != "{}" {
		defs, err := parseConfigJSON(req.ConfigJSON)
		if err != nil {
			return spec, models.NewKindError(models.ErrValidationUnknownCommand, "config_json is malformed")
		}
		for id, def := range defs {
			if def == nil {
				continue
			}
			spec.ServerID = id
			spec.Command = def.Command
			spec.Args = def.Args
			spec.Env = def.Env
			break
		}
	}

	if spec.ServerName == "" {
		spec.ServerName = spec.ServerID
	}
	if spec.Command == "" {
		return spec, models.NewKindError(models.ErrValidationUnknownCommand, "command is required")
	}
	return spec, nil
}

// parseConfigJSON accepts both the bare map form and the Claude-desktop
// wrapper {"mcpServers": {...}}.
func parseConfigJSON(raw json.RawMessage) (map[string]*models.NestedServerDef, error) {
	var wrapper struct {
		McpServers map[string]*models.NestedServerDef `json:"mcpServers"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.McpServers) > 0 {
		return wrapper.McpServers, nil
	}
	var defs map[string]*models.NestedServerDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (h *Handler) RemoveMCPServer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	serverID := chi.URLParam(r, "serverID")

	if err := h.registry.Remove(r.Context(), userID, serverID); err != nil {
		writeKindError(w, err)
		return
	}
	writeOK(w, "Server removed successfully")
}

// ── streams and history ──────────────────────────────────────

func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	// Stopping an unknown or completed stream still succeeds so the UI
	// never has to distinguish a lost race from a live cancel.
	h.manager.Cancel(streamID)
	writeOK(w, "Stream stopping initiated")
}

func (h *Handler) RemoveHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	h.manager.DropUser(userID)
	writeOK(w, "removed history")
}

// ── chat ─────────────────────────────────────────────────────

func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req models.ChatCompletionRequest
	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": "malformed request body"})
		return
	}

	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": "messages must not be empty"})
		return
	}
	if !h.knownModel(req.Model) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": fmt.Sprintf("unknown model %q", req.Model)})
		return
	}
	if extraBool(req.ExtraParams, "use_swarm") {
		// Reserved until the semantics settle.
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": "use_swarm is reserved and must not be set"})
		return
	}

	system, msgs, err := normalizeMessages(req.Messages)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": err.Error()})
		return
	}
	if len(msgs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errno": -1, "msg": "no user content in messages"})
		return
	}

	ctx, span := otel.Tracer("mcp-agent-gateway/api").Start(r.Context(), "chat_turn",
		trace.WithAttributes(
			attribute.String("model", req.Model),
			attribute.Bool("stream", req.Stream),
			attribute.Int("mcp_servers", len(req.McpServerIDs)),
		))
	defer span.End()

	params := h.sessionParams(req)
	sess, err := h.manager.GetOrCreate(ctx, userID, req.Model, system, req.McpServerIDs, params)
	if err != nil {
		writeKindError(w, err)
		return
	}

	streamID := "stream_" + uuid.NewString()
	events, err := h.manager.Converse(ctx, sess, streamID, msgs)
	if err != nil {
		writeKindError(w, err)
		return
	}

	if req.Stream {
		writer, werr := newSSEWriter(w, streamID, req.Model)
		if werr != nil {
			// Nothing written yet; drain and report.
			for range events {
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{"errno": -1, "msg": "streaming unsupported"})
			return
		}
		writer.Run(events)
		return
	}

	h.collectResponse(w, req.Model, events)
}

func (h *Handler) knownModel(modelID string) bool {
	if modelID == "" {
		return false
	}
	if len(h.cfg.Models) == 0 {
		// No catalog configured: accept and let the upstream decide.
		return true
	}
	for _, m := range h.cfg.Models {
		if m.ModelID == modelID {
			return true
		}
	}
	return false
}

func (h *Handler) sessionParams(req models.ChatCompletionRequest) agent.Params {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4000
	}

	thinking := extraBool(req.ExtraParams, "enable_thinking")
	budget := extraInt(req.ExtraParams, "budget_tokens", 4096)
	if thinking && maxTokens <= budget {
		maxTokens = budget + 1
	}

	return agent.Params{
		MaxTokens:      maxTokens,
		Temperature:    req.Temperature,
		EnableThinking: thinking,
		BudgetTokens:   budget,
		RetainImages:   extraInt(req.ExtraParams, "only_n_most_recent_images", 3),
		MemoryOn:       req.KeepSession || req.UseMemory,
		MaxTurns:       h.cfg.MaxTurns,
	}
}

// collectResponse drains a non-streaming turn into one response body.
func (h *Handler) collectResponse(w http.ResponseWriter, model string, events <-chan models.Event) {
	var text strings.Builder
	var results []*models.ToolResultBlock
	finish := "stop"

	for ev := range events {
		switch ev.Type {
		case models.EventTextDelta:
			text.WriteString(ev.Text)
		case models.EventToolResult:
			results = append(results, ev.Result)
		case models.EventError:
			if ev.Err != nil {
				text.WriteString(fmt.Sprintf("Error: %s: %s", ev.Err.Kind, ev.Err.Message))
			}
		case models.EventDone:
			switch {
			case ev.Done == nil:
			case ev.Done.Reason == models.DoneCancelled:
				finish = "stop_requested"
			case ev.Done.Reason == models.DoneFailed:
				finish = "error"
			case ev.StopReason != "":
				finish = ev.StopReason
			}
		}
	}

	choice := models.ChatChoice{
		Index:        0,
		Message:      &models.ChoiceMessage{Role: "assistant", Content: text.String()},
		FinishReason: finish,
	}
	if len(results) > 0 {
		if raw, err := json.Marshal(results); err == nil {
			choice.MessageExtras = &models.MessageExtras{ToolUse: string(raw)}
		}
	}

	writeJSON(w, http.StatusOK, models.ChatResponse{
		ID:      fmt.Sprintf("chat%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []models.ChatChoice{choice},
		Usage:   models.Usage{},
	})
}

// ── message normalization ────────────────────────────────────

// normalizeMessages converts the OpenAI-compatible wire messages into
// domain messages, splitting off the system prompt. A leading assistant
// turn is dropped: the upstream requires the first turn to be a user's.
func normalizeMessages(wire []models.WireMessage) (system string, msgs []models.Message, err error) {
	for i, wm := range wire {
		blocks, berr := normalizeContent(wm.Content)
		if berr != nil {
			return "", nil, fmt.Errorf("message %d: %w", i, berr)
		}

		switch wm.Role {
		case "system":
			for _, b := range blocks {
				if b.Type == "text" {
					system += b.Text
				}
			}
		case "user":
			msgs = append(msgs, models.Message{Role: models.RoleUser, Content: blocks})
		case "assistant":
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: blocks})
		default:
			return "", nil, fmt.Errorf("message %d: unknown role %q", i, wm.Role)
		}
	}
	return system, msgs, nil
}

func normalizeContent(raw json.RawMessage) ([]models.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []models.ContentBlock{models.TextBlock(text)}, nil
	}

	var parts []models.WirePart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content must be a string or a list of parts")
	}

	var blocks []models.ContentBlock
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, models.TextBlock(part.Text))

		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			img, err := parseDataImage(part.ImageURL.URL)
			if err != nil {
				log.Warn().Err(err).Msg("skipping unsupported image part")
				continue
			}
			blocks = append(blocks, models.ContentBlock{Type: "image", Image: img})

		case "file":
			if part.File == nil || part.File.FileData == "" {
				continue
			}
			blocks = append(blocks, models.ContentBlock{Type: "file", File: &models.FileBlock{
				Name:   part.File.Filename,
				Format: fileFormat(part.File.Filename),
				Base64: part.File.FileData,
			}})

		default:
			return nil, fmt.Errorf("unknown content part type %q", part.Type)
		}
	}
	return blocks, nil
}

// parseDataImage accepts data-URI images; external URLs are not fetched.
func parseDataImage(url string) (*models.ImageBlock, error) {
	if !strings.HasPrefix(url, "data:image/") {
		return nil, fmt.Errorf("external image URLs are not supported")
	}
	rest := strings.TrimPrefix(url, "data:image/")
	format, data, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, fmt.Errorf("image data URI is not base64-encoded")
	}
	return &models.ImageBlock{Format: format, Base64: data}, nil
}

// fileFormat maps a filename to a document format the providers accept;
// unknown extensions are treated as plain text.
func fileFormat(name string) string {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return "txt"
	}
	switch ext := strings.ToLower(name[dot+1:]); ext {
	case "pdf", "csv", "doc", "docx", "xls", "xlsx", "html", "md", "txt":
		return ext
	default:
		return "txt"
	}
}

// ── extra_params accessors ───────────────────────────────────

func extraBool(extra map[string]any, key string) bool {
	if v, ok := extra[key].(bool); ok {
		return v
	}
	return false
}

func extraInt(extra map[string]any, key string, fallback int) int {
	switch v := extra[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
