// Package models holds the shared domain and wire types of the gateway:
// MCP server specs, conversation messages, canonical stream events, and
// the request/response shapes of the HTTP API.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Error kinds ──────────────────────────────────────────────

// ErrorKind is a machine-readable failure class carried on wire-visible
// errors. Handlers map kinds to HTTP status codes.
type ErrorKind string

const (
	ErrAuthMissingToken ErrorKind = "auth:missing-token"
	ErrAuthBadToken     ErrorKind = "auth:bad-token"
	ErrAuthMissingUser  ErrorKind = "auth:missing-user"

	ErrValidationUnknownCommand ErrorKind = "validation:unknown-command"
	ErrValidationBadServerID    ErrorKind = "validation:bad-server-id"
	ErrValidationBadArg         ErrorKind = "validation:bad-arg"
	ErrValidationBadEnvKey      ErrorKind = "validation:bad-env-key"
	ErrValidationBadEnvValue    ErrorKind = "validation:bad-env-value"
	ErrValidationPathTraversal  ErrorKind = "validation:path-traversal"
	ErrValidationTooMany        ErrorKind = "validation:too-many"

	ErrMcpSpawnFailed      ErrorKind = "mcp:spawn-failed"
	ErrMcpHandshakeTimeout ErrorKind = "mcp:handshake-timeout"
	ErrMcpTransport        ErrorKind = "mcp:transport"
	ErrMcpToolTimeout      ErrorKind = "mcp:tool-timeout"
	ErrMcpToolRaised       ErrorKind = "mcp:tool-raised"

	ErrModelUpstream     ErrorKind = "model:upstream"
	ErrSessionSuperseded ErrorKind = "session:superseded"
	ErrStreamNotFound    ErrorKind = "stream:not-found"
	ErrStoreUnavailable  ErrorKind = "store:unavailable"
)

// KindError is an error with an attached kind and a short reason safe to
// return to clients. Internal detail stays in the wrapped cause.
type KindError struct {
	Kind   ErrorKind
	Reason string
	cause  error
}

func NewKindError(kind ErrorKind, reason string) *KindError {
	return &KindError{Kind: kind, Reason: reason}
}

// WrapKind attaches a kind to an underlying error. The cause is available
// through errors.Unwrap but is never serialized to clients.
func WrapKind(kind ErrorKind, reason string, cause error) *KindError {
	return &KindError{Kind: kind, Reason: reason, cause: cause}
}

func (e *KindError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *KindError) Unwrap() error { return e.cause }

// ── MCP server spec ──────────────────────────────────────────

// ServerStatus is the derived lifecycle state of a registered MCP server.
// It is never persisted.
type ServerStatus string

const (
	ServerStatusRegistered ServerStatus = "registered"
	ServerStatusConnecting ServerStatus = "connecting"
	ServerStatusReady      ServerStatus = "ready"
	ServerStatusFailed     ServerStatus = "failed"
)

// ServerSpec is the user-supplied declaration of one MCP server. Only a
// validated spec is ever persisted or executed.
type ServerSpec struct {
	ServerID   string            `json:"server_id"`
	ServerName string            `json:"server_name,omitempty"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// ServerInfo is a spec annotated with its live status for listing.
type ServerInfo struct {
	ServerID   string       `json:"server_id"`
	ServerName string       `json:"server_name,omitempty"`
	Status     ServerStatus `json:"status"`
	Shared     bool         `json:"shared,omitempty"`
}

// ── Tools ────────────────────────────────────────────────────

// ToolDescriptor describes one callable tool exposed by an MCP server.
// Name is the server-local tool name; LLMName is the collision-proof name
// presented to the model (server id prefix, normalized).
type ToolDescriptor struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	LLMName     string          `json:"llm_name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolResultContent is one typed block inside a tool result.
type ToolResultContent struct {
	Type string `json:"type"` // text | image | json
	Text string `json:"text,omitempty"`
	// Image payload, base64-encoded, with its MIME type.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ── Messages ─────────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history. Content is an ordered list
// of typed blocks; plain-string request content is normalized into a
// single text block at the HTTP boundary.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one typed unit of message content. Exactly one of the
// payload fields corresponding to Type is set.
type ContentBlock struct {
	Type       string           `json:"type"` // text | image | file | tool_use | tool_result
	Text       string           `json:"text,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
	File       *FileBlock       `json:"file,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

// TextBlock is a convenience constructor for a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock carries an inline base64 image and its format ("png", "jpeg").
type ImageBlock struct {
	Format string `json:"format"`
	Base64 string `json:"base64,omitempty"`
}

// FileBlock carries an inline base64 document.
type FileBlock struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Base64 string `json:"base64,omitempty"`
}

// ToolUseBlock records a model-requested tool invocation.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultBlock records the outcome of a tool invocation.
type ToolResultBlock struct {
	ToolUseID string              `json:"tool_use_id"`
	ServerID  string              `json:"server_id,omitempty"`
	ToolName  string              `json:"tool_name,omitempty"`
	Content   []ToolResultContent `json:"content,omitempty"`
	IsError   bool                `json:"is_error,omitempty"`
}

// ── Canonical stream events ──────────────────────────────────

// EventType is the alphabet of canonical events produced by the stream
// adapter. Within a turn the sequence respects
// [thinking_delta*] ([tool_name tool_input_delta* tool_input_stop
// tool_result]* [text_delta*])* done.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventThinkingDelta  EventType = "thinking_delta"
	EventToolName       EventType = "tool_name"
	EventToolInputDelta EventType = "tool_input_delta"
	EventToolInputStop  EventType = "tool_input_stop"
	EventToolResult     EventType = "tool_result"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// DoneReason is the terminal disposition of a stream.
type DoneReason string

const (
	DoneComplete  DoneReason = "complete"
	DoneCancelled DoneReason = "cancelled"
	DoneFailed    DoneReason = "failed"
)

// Event is one canonical stream event. Exactly the fields relevant to
// Type are populated.
type Event struct {
	Type EventType `json:"type"`
	// Text payload for text_delta, thinking_delta, tool_name and
	// tool_input_delta events.
	Text string `json:"text,omitempty"`
	// Result is set on tool_result events.
	Result *ToolResultBlock `json:"result,omitempty"`
	// Err is set on error events.
	Err *ErrorInfo `json:"error,omitempty"`
	// Done is set on the terminal done event.
	Done *DoneInfo `json:"done,omitempty"`
	// StopReason carries the upstream stop reason on done events
	// ("end_turn", "max_tokens", ...).
	StopReason string `json:"stop_reason,omitempty"`
}

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type DoneInfo struct {
	Reason DoneReason `json:"reason"`
}

// ── HTTP wire types ──────────────────────────────────────────

// ModelEntry is one configured model exposed by /v1/list/models.
type ModelEntry struct {
	ModelID   string `json:"model_id"`
	ModelName string `json:"model_name"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions. The
// message content is the OpenAI-compatible shape the browser client
// already speaks; it is normalized into ContentBlocks by the handler.
type ChatCompletionRequest struct {
	Messages     []WireMessage  `json:"messages"`
	Model        string         `json:"model"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
	Temperature  *float32       `json:"temperature,omitempty"`
	Stream       bool           `json:"stream,omitempty"`
	KeepSession  bool           `json:"keep_session,omitempty"`
	UseMemory    bool           `json:"use_mem,omitempty"`
	McpServerIDs []string       `json:"mcp_server_ids,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
}

// WireMessage is a request message whose content may be a bare string or
// a list of typed parts.
type WireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// WirePart is one typed part of structured request content.
type WirePart struct {
	Type     string        `json:"type"` // text | image_url | file
	Text     string        `json:"text,omitempty"`
	ImageURL *WireImageURL `json:"image_url,omitempty"`
	File     *WireFile     `json:"file,omitempty"`
}

type WireImageURL struct {
	URL string `json:"url"`
}

type WireFile struct {
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// AddMCPServerRequest is the body of POST /v1/add/mcp_server. Either the
// flat fields or a nested config_json block (Claude-desktop style, with
// an optional mcpServers wrapper) may be supplied; config_json wins.
type AddMCPServerRequest struct {
	ServerID   string            `json:"server_id"`
	ServerDesc string            `json:"server_desc,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	ConfigJSON json.RawMessage   `json:"config_json,omitempty"`
}

// NestedServerDef is one entry of a config_json block.
type NestedServerDef struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// APIResponse is the errno/msg envelope the browser client expects on
// management endpoints.
type APIResponse struct {
	Errno int            `json:"errno"`
	Msg   string         `json:"msg"`
	Data  map[string]any `json:"data,omitempty"`
}

// ChatResponse is the non-streaming chat completion body.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

type ChatChoice struct {
	Index         int            `json:"index"`
	Message       *ChoiceMessage `json:"message,omitempty"`
	Delta         *ChoiceDelta   `json:"delta,omitempty"`
	MessageExtras *MessageExtras `json:"message_extras,omitempty"`
	FinishReason  string         `json:"finish_reason,omitempty"`
}

type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChoiceDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// MessageExtras carries out-of-band tool information alongside a choice,
// matching the envelope the browser UI consumes.
type MessageExtras struct {
	ToolName string `json:"tool_name,omitempty"`
	ToolUse  string `json:"tool_use,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one SSE frame body for streaming chat completions.
type StreamChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// NewStreamChunk builds a chunk with a single empty choice.
func NewStreamChunk(id, model string) *StreamChunk {
	return &StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{Index: 0, Delta: &ChoiceDelta{}}},
	}
}
