// Package mcp supervises subprocess-based MCP tool servers: one Client
// per live server, one Supervisor holding the per-user registries.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// State is the connection lifecycle of one client.
type State string

const (
	StateInit     State = "init"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateClosing  State = "closing"
	StateFailed   State = "failed"
	StateClosed   State = "closed"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultDrainWindow      = 5 * time.Second

	// transportRetryBudget is how many consecutive transport-level call
	// failures a ready client tolerates before it is marked failed.
	transportRetryBudget = 2
)

// session is the slice of the SDK client session the Client uses. Tests
// substitute a fake; production uses *sdk.ClientSession.
type session interface {
	ListTools(ctx context.Context, params *sdk.ListToolsParams) (*sdk.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdk.CallToolParams) (*sdk.CallToolResult, error)
	Close() error
}

// connector establishes the transport; swapped in tests.
type connector func(ctx context.Context) (session, *exec.Cmd, error)

// Client owns one MCP server subprocess and its stdio transport. Tool
// calls from unrelated sessions are serialized through a FIFO intent
// queue so partial messages never interleave on the pipe.
type Client struct {
	spec   models.ServerSpec
	userID string

	handshakeTimeout time.Duration
	callTimeout      time.Duration
	drainWindow      time.Duration

	connect connector

	// callMu is the FIFO intent queue over the subprocess boundary.
	callMu sync.Mutex

	mu        sync.Mutex
	state     State
	sess      session
	cmd       *exec.Cmd
	tools     []models.ToolDescriptor
	transport int // consecutive transport failures
}

// NewClient builds a client for a validated spec. Nothing is spawned
// until Connect.
func NewClient(userID string, spec models.ServerSpec, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = 120 * time.Second
	}
	c := &Client{
		spec:             spec,
		userID:           userID,
		state:            StateInit,
		handshakeTimeout: defaultHandshakeTimeout,
		callTimeout:      callTimeout,
		drainWindow:      defaultDrainWindow,
	}
	c.connect = c.spawn
	return c
}

// Spec returns the spec the client was built from.
func (c *Client) Spec() models.ServerSpec { return c.spec }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status maps the lifecycle state onto the wire-visible server status.
func (c *Client) Status() models.ServerStatus {
	switch c.State() {
	case StateReady:
		return models.ServerStatusReady
	case StateStarting, StateInit:
		return models.ServerStatusConnecting
	case StateFailed:
		return models.ServerStatusFailed
	default:
		return models.ServerStatusRegistered
	}
}

// spawn launches the subprocess and connects the stdio transport. The
// child only sees the validated env on top of a minimal inherited base,
// and runs in a per-user scratch directory.
func (c *Client) spawn(ctx context.Context) (session, *exec.Cmd, error) {
	workDir := filepath.Join(os.TempDir(), "mcp-workspaces", c.userID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create scratch dir: %w", err)
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Dir = workDir
	cmd.Env = childEnv(c.spec.Env)
	cmd.Stderr = os.Stderr

	client := sdk.NewClient(&sdk.Implementation{Name: "mcp-agent-gateway", Version: "1.0.0"}, nil)
	sess, err := client.Connect(ctx, &sdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, nil, err
	}
	return sess, cmd, nil
}

// childEnv builds the subprocess environment: the validated entries on
// top of the inherited search path, home and temp dir, nothing else.
func childEnv(extra map[string]string) []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "TMPDIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Connect spawns the subprocess and performs the handshake: the first
// successful tools listing within the handshake deadline moves the
// client to ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("connect from state %s", c.state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	sess, cmd, err := c.connect(hctx)
	if err != nil {
		c.fail()
		return models.WrapKind(models.ErrMcpSpawnFailed,
			fmt.Sprintf("server %s failed to start", c.spec.ServerID), err)
	}

	res, err := sess.ListTools(hctx, nil)
	if err != nil {
		sess.Close()
		c.fail()
		if errors.Is(err, context.DeadlineExceeded) {
			return models.WrapKind(models.ErrMcpHandshakeTimeout,
				fmt.Sprintf("server %s did not answer the handshake in %s", c.spec.ServerID, c.handshakeTimeout), err)
		}
		return models.WrapKind(models.ErrMcpSpawnFailed,
			fmt.Sprintf("server %s handshake failed", c.spec.ServerID), err)
	}

	c.mu.Lock()
	c.sess = sess
	c.cmd = cmd
	c.tools = descriptorsFrom(c.spec.ServerID, res)
	c.state = StateReady
	c.mu.Unlock()

	log.Info().
		Str("user", c.userID).
		Str("server", c.spec.ServerID).
		Int("tools", len(res.Tools)).
		Msg("mcp server ready")
	return nil
}

func descriptorsFrom(serverID string, res *sdk.ListToolsResult) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, _ := json.Marshal(t.InputSchema)
		out = append(out, models.ToolDescriptor{
			ServerID:    serverID,
			Name:        t.Name,
			LLMName:     LLMToolName(serverID, t.Name),
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// Tools returns the cached tool descriptors. The cache is filled by the
// handshake and invalidated only by reconnect.
func (c *Client) Tools(ctx context.Context) ([]models.ToolDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, fmt.Errorf("server %s is not ready (state %s)", c.spec.ServerID, c.state)
	}
	return c.tools, nil
}

// Call invokes one tool, bounded by the per-call deadline. Tool-raised
// errors come back as a result block with the error flag set; transport
// errors count against the retry budget and eventually fail the client.
func (c *Client) Call(ctx context.Context, toolName string, args map[string]any) (*models.ToolResultBlock, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, models.NewKindError(models.ErrMcpTransport,
			fmt.Sprintf("server %s is not ready", c.spec.ServerID))
	}
	sess := c.sess
	c.mu.Unlock()

	c.callMu.Lock()
	defer c.callMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	res, err := sess.CallTool(cctx, &sdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded {
			return nil, models.WrapKind(models.ErrMcpToolTimeout,
				fmt.Sprintf("tool %s timed out after %s", toolName, c.callTimeout), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.noteTransportFailure()
		return nil, models.WrapKind(models.ErrMcpTransport,
			fmt.Sprintf("tool %s transport error", toolName), err)
	}
	c.resetTransportFailures()

	block := &models.ToolResultBlock{
		ServerID: c.spec.ServerID,
		ToolName: toolName,
		Content:  resultContent(res),
		IsError:  res.IsError,
	}
	return block, nil
}

func resultContent(res *sdk.CallToolResult) []models.ToolResultContent {
	var out []models.ToolResultContent
	for _, content := range res.Content {
		switch v := content.(type) {
		case *sdk.TextContent:
			out = append(out, models.ToolResultContent{Type: "text", Text: v.Text})
		case *sdk.ImageContent:
			out = append(out, models.ToolResultContent{
				Type:     "image",
				Data:     base64.StdEncoding.EncodeToString(v.Data),
				MimeType: v.MIMEType,
			})
		default:
			if raw, err := json.Marshal(v); err == nil {
				out = append(out, models.ToolResultContent{Type: "json", Text: string(raw)})
			}
		}
	}
	return out
}

func (c *Client) noteTransportFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport++
	if c.transport > transportRetryBudget && c.state == StateReady {
		c.state = StateFailed
		log.Warn().
			Str("server", c.spec.ServerID).
			Int("failures", c.transport).
			Msg("mcp server exceeded transport retry budget")
	}
}

func (c *Client) resetTransportFailures() {
	c.mu.Lock()
	c.transport = 0
	c.mu.Unlock()
}

func (c *Client) fail() {
	c.mu.Lock()
	c.state = StateFailed
	c.mu.Unlock()
}

// Close disconnects gracefully, allowing the drain window before the
// subprocess is force-killed. Closing an already-closed client is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateClosing
	sess := c.sess
	cmd := c.cmd
	c.sess = nil
	c.cmd = nil
	c.mu.Unlock()

	if sess != nil {
		done := make(chan error, 1)
		go func() { done <- sess.Close() }()
		select {
		case <-done:
		case <-time.After(c.drainWindow):
			if cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if prev == StateReady || prev == StateFailed {
		log.Info().Str("server", c.spec.ServerID).Str("user", c.userID).Msg("mcp server closed")
	}
	return nil
}
