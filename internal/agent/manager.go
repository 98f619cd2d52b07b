package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/mcp"
	"github.com/yhyyz/mcp-agent-gateway/internal/provider"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// ToolBinder aggregates the current tool set for a user; the supervisor
// implements it.
type ToolBinder interface {
	ToolsFor(ctx context.Context, userID string, enabledIDs []string) (*mcp.ToolSet, error)
}

// userSessions is one user's session directory keyed by model id. All
// mutation happens under its lock, never under a global one.
type userSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Manager is the per-user directory of agent sessions plus the
// process-wide stream cancellation registry.
type Manager struct {
	provider    provider.Provider
	binder      ToolBinder
	dispatcher  ToolDispatcher
	idleHorizon time.Duration

	mu    sync.Mutex
	users map[string]*userSessions

	streamMu sync.Mutex
	streams  map[string]context.CancelFunc
}

// NewManager builds the session manager.
func NewManager(p provider.Provider, binder ToolBinder, dispatcher ToolDispatcher, idleHorizon time.Duration) *Manager {
	return &Manager{
		provider:    p,
		binder:      binder,
		dispatcher:  dispatcher,
		idleHorizon: idleHorizon,
		users:       make(map[string]*userSessions),
		streams:     make(map[string]context.CancelFunc),
	}
}

func (m *Manager) user(userID string) *userSessions {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.users[userID]
	if !ok {
		us = &userSessions{sessions: make(map[string]*Session)}
		m.users[userID] = us
	}
	return us
}

// GetOrCreate returns the user's session for the model, constructing it
// on first use, and rebinds the current tool set, system prompt, and
// parameters so removed servers never leak into later turns.
func (m *Manager) GetOrCreate(ctx context.Context, userID, modelID, systemPrompt string, enabledIDs []string, params Params) (*Session, error) {
	tools, err := m.binder.ToolsFor(ctx, userID, enabledIDs)
	if err != nil {
		return nil, err
	}

	us := m.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	sess, ok := us.sessions[modelID]
	if !ok {
		sess = NewSession(userID, modelID, m.provider, m.dispatcher)
		us.sessions[modelID] = sess
		log.Info().Str("user", userID).Str("model", modelID).Msg("session created")
	}
	sess.Bind(systemPrompt, tools, params)
	sess.Touch()
	return sess, nil
}

// Converse opens a stream on the user's session. The stream's cancel
// handle is registered under streamID until the stream completes; the
// returned channel always ends with exactly one done event and is then
// closed.
func (m *Manager) Converse(ctx context.Context, sess *Session, streamID string, incoming []models.Message) (<-chan models.Event, error) {
	cctx, cancel := context.WithCancel(ctx)
	ch, err := sess.Converse(cctx, streamID, incoming)
	if err != nil {
		cancel()
		return nil, err
	}

	m.streamMu.Lock()
	m.streams[streamID] = cancel
	m.streamMu.Unlock()

	// The forwarder retires the registry entry once the session loop
	// finishes. Consumers must drain the returned channel until close,
	// even after a disconnect, so the loop can always deliver its
	// terminal frame.
	out := make(chan models.Event, 32)
	go func() {
		defer close(out)
		for ev := range ch {
			out <- ev
		}
		cancel()
		m.streamMu.Lock()
		delete(m.streams, streamID)
		m.streamMu.Unlock()
	}()
	return out, nil
}

// Cancel marks the stream's token; the owning loop observes it at the
// next suspension point. Unknown and already-completed ids succeed so
// stop is idempotent.
func (m *Manager) Cancel(streamID string) {
	m.streamMu.Lock()
	cancel, ok := m.streams[streamID]
	m.streamMu.Unlock()
	if ok {
		log.Info().Str("stream", streamID).Msg("stream cancel requested")
		cancel()
	}
}

// DropUser cancels the user's active streams and discards all sessions
// and their histories. MCP clients are untouched.
func (m *Manager) DropUser(userID string) {
	m.mu.Lock()
	us, ok := m.users[userID]
	if ok {
		delete(m.users, userID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	for modelID, sess := range us.sessions {
		sess.cancelActive()
		log.Info().Str("user", userID).Str("model", modelID).Msg("session dropped")
	}
}

// EvictIdle closes sessions whose idle time crossed the horizon. The
// sweep takes one user lock at a time and never holds more than one.
func (m *Manager) EvictIdle() {
	cutoff := time.Now().Add(-m.idleHorizon)

	m.mu.Lock()
	users := make(map[string]*userSessions, len(m.users))
	for id, us := range m.users {
		users[id] = us
	}
	m.mu.Unlock()

	for userID, us := range users {
		us.mu.Lock()
		for modelID, sess := range us.sessions {
			if sess.IdleSince().Before(cutoff) {
				sess.cancelActive()
				delete(us.sessions, modelID)
				log.Info().Str("user", userID).Str("model", modelID).Msg("idle session evicted")
			}
		}
		us.mu.Unlock()
	}
}

// Run sweeps for idle sessions until the context ends.
func (m *Manager) Run(ctx context.Context, sweepEvery time.Duration) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// Shutdown cancels every stream and drops every session.
func (m *Manager) Shutdown() {
	m.streamMu.Lock()
	for id, cancel := range m.streams {
		cancel()
		delete(m.streams, id)
	}
	m.streamMu.Unlock()

	m.mu.Lock()
	users := m.users
	m.users = make(map[string]*userSessions)
	m.mu.Unlock()

	for _, us := range users {
		us.mu.Lock()
		for _, sess := range us.sessions {
			sess.cancelActive()
		}
		us.mu.Unlock()
	}
	log.Info().Msg("session manager shut down")
}
