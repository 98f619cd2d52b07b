package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yhyyz/mcp-agent-gateway/internal/store"
	"github.com/yhyyz/mcp-agent-gateway/internal/validate"
	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// registry is one user's set of live clients. Mutating operations are
// serialized by the registry lock; reads take a snapshot under it.
type registry struct {
	mu         sync.Mutex
	clients    map[string]*Client
	lastErr    map[string]error // spawn/reconnect failures, for status
	reconciled bool
}

func newRegistry() *registry {
	return &registry{
		clients: make(map[string]*Client),
		lastErr: make(map[string]error),
	}
}

// Supervisor owns every user's MCP client registry plus the shared
// servers available to all users. There is no global lock on the hot
// path: the outer map lock is only held long enough to fetch or create
// a per-user registry.
type Supervisor struct {
	store       store.Store
	callTimeout time.Duration

	// newClient is swapped by tests to avoid spawning subprocesses.
	newClient func(userID string, spec models.ServerSpec, callTimeout time.Duration) *Client

	mu     sync.Mutex
	users  map[string]*registry
	shared *registry
}

// NewSupervisor builds a supervisor over the given spec store.
func NewSupervisor(s store.Store, callTimeout time.Duration) *Supervisor {
	return &Supervisor{
		store:       s,
		callTimeout: callTimeout,
		newClient:   NewClient,
		users:       make(map[string]*registry),
		shared:      newRegistry(),
	}
}

func (sv *Supervisor) user(userID string) *registry {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	r, ok := sv.users[userID]
	if !ok {
		r = newRegistry()
		sv.users[userID] = r
	}
	return r
}

// StartShared spawns the shared servers from the process configuration.
// Shared specs are validated like user specs; failures are logged and
// skipped so one bad entry cannot block startup.
func (sv *Supervisor) StartShared(ctx context.Context, specs []models.ServerSpec) {
	sv.shared.mu.Lock()
	defer sv.shared.mu.Unlock()
	for _, spec := range specs {
		if err := validate.Spec(spec); err != nil {
			log.Error().Err(err).Str("server", spec.ServerID).Msg("shared server spec rejected")
			continue
		}
		client := sv.newClient("shared", spec, sv.callTimeout)
		if err := client.Connect(ctx); err != nil {
			log.Error().Err(err).Str("server", spec.ServerID).Msg("shared server failed to start")
			sv.shared.lastErr[spec.ServerID] = err
			continue
		}
		sv.shared.clients[spec.ServerID] = client
	}
}

// Add validates the spec, persists it, then spawns the client. The write
// must be acknowledged before the spawn so a crash in between cannot
// leave an orphan subprocess; a spawn failure rolls the write back.
// Re-adding an existing id replaces it.
func (sv *Supervisor) Add(ctx context.Context, userID string, spec models.ServerSpec) error {
	if err := validate.Spec(spec); err != nil {
		return err
	}

	r := sv.user(userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := sv.store.Put(ctx, userID, spec); err != nil {
		return err
	}

	client := sv.newClient(userID, spec, sv.callTimeout)
	if err := client.Connect(ctx); err != nil {
		if derr := sv.store.Delete(ctx, userID, spec.ServerID); derr != nil {
			log.Error().Err(derr).Str("user", userID).Str("server", spec.ServerID).
				Msg("rollback of persisted spec failed")
		}
		return err
	}

	if prev, ok := r.clients[spec.ServerID]; ok {
		_ = prev.Close()
	}
	r.clients[spec.ServerID] = client
	delete(r.lastErr, spec.ServerID)

	log.Info().Str("user", userID).Str("server", spec.ServerID).Msg("mcp server registered")
	return nil
}

// Remove closes the client and deletes the persisted spec. Close errors
// do not block the delete, and removing an unknown id succeeds.
func (sv *Supervisor) Remove(ctx context.Context, userID, serverID string) error {
	r := sv.user(userID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[serverID]; ok {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Str("server", serverID).Msg("mcp client close failed")
		}
		delete(r.clients, serverID)
	}
	delete(r.lastErr, serverID)

	if err := sv.store.Delete(ctx, userID, serverID); err != nil {
		return err
	}
	log.Info().Str("user", userID).Str("server", serverID).Msg("mcp server removed")
	return nil
}

// List returns the union of persisted specs and live clients for the
// user, plus the shared servers, each annotated with status.
func (sv *Supervisor) List(ctx context.Context, userID string) ([]models.ServerInfo, error) {
	if err := sv.Reconcile(ctx, userID); err != nil {
		return nil, err
	}

	r := sv.user(userID)
	r.mu.Lock()
	seen := make(map[string]bool)
	var infos []models.ServerInfo
	for id, client := range r.clients {
		seen[id] = true
		infos = append(infos, models.ServerInfo{
			ServerID:   id,
			ServerName: client.Spec().ServerName,
			Status:     client.Status(),
		})
	}
	for id := range r.lastErr {
		if !seen[id] {
			seen[id] = true
			infos = append(infos, models.ServerInfo{ServerID: id, Status: models.ServerStatusFailed})
		}
	}
	r.mu.Unlock()

	specs, err := sv.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if !seen[spec.ServerID] {
			infos = append(infos, models.ServerInfo{
				ServerID:   spec.ServerID,
				ServerName: spec.ServerName,
				Status:     models.ServerStatusRegistered,
			})
		}
	}

	sv.shared.mu.Lock()
	for id, client := range sv.shared.clients {
		infos = append(infos, models.ServerInfo{
			ServerID:   id,
			ServerName: client.Spec().ServerName,
			Status:     client.Status(),
			Shared:     true,
		})
	}
	sv.shared.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
	return infos, nil
}

// Reconcile re-spawns clients for every persisted spec on the first
// access after process start. Individual failures are recorded for
// status reporting but do not block the other clients.
func (sv *Supervisor) Reconcile(ctx context.Context, userID string) error {
	r := sv.user(userID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconciled {
		return nil
	}

	specs, err := sv.store.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if _, ok := r.clients[spec.ServerID]; ok {
			continue
		}
		client := sv.newClient(userID, spec, sv.callTimeout)
		if err := client.Connect(ctx); err != nil {
			log.Error().Err(err).Str("user", userID).Str("server", spec.ServerID).
				Msg("reconcile: mcp server failed to start")
			r.lastErr[spec.ServerID] = err
			continue
		}
		r.clients[spec.ServerID] = client
	}
	r.reconciled = true
	return nil
}

// ToolsFor aggregates tool descriptors across the requested servers into
// a bound ToolSet. Unknown or not-ready servers are skipped; shared
// servers are always eligible.
func (sv *Supervisor) ToolsFor(ctx context.Context, userID string, enabledIDs []string) (*ToolSet, error) {
	if err := sv.Reconcile(ctx, userID); err != nil {
		return nil, err
	}

	ts := newToolSet()
	for _, id := range enabledIDs {
		client := sv.lookup(userID, id)
		if client == nil {
			log.Warn().Str("user", userID).Str("server", id).Msg("enabled mcp server not registered")
			continue
		}
		tools, err := client.Tools(ctx)
		if err != nil {
			log.Warn().Err(err).Str("server", id).Msg("skipping server tools")
			continue
		}
		for _, t := range tools {
			ts.add(t)
		}
	}
	return ts, nil
}

// CallTool routes a model-requested call to the owning client.
func (sv *Supervisor) CallTool(ctx context.Context, userID, serverID, toolName string, args map[string]any) (*models.ToolResultBlock, error) {
	client := sv.lookup(userID, serverID)
	if client == nil {
		return nil, models.NewKindError(models.ErrMcpTransport,
			fmt.Sprintf("server %s is not registered", serverID))
	}
	return client.Call(ctx, toolName, args)
}

// lookup finds a live client in the user registry, falling back to the
// shared registry.
func (sv *Supervisor) lookup(userID, serverID string) *Client {
	r := sv.user(userID)
	r.mu.Lock()
	client, ok := r.clients[serverID]
	r.mu.Unlock()
	if ok {
		return client
	}

	sv.shared.mu.Lock()
	client = sv.shared.clients[serverID]
	sv.shared.mu.Unlock()
	return client
}

// Shutdown closes every client, shared ones included.
func (sv *Supervisor) Shutdown() {
	sv.mu.Lock()
	regs := make([]*registry, 0, len(sv.users)+1)
	for _, r := range sv.users {
		regs = append(regs, r)
	}
	regs = append(regs, sv.shared)
	sv.mu.Unlock()

	for _, r := range regs {
		r.mu.Lock()
		for id, client := range r.clients {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Str("server", id).Msg("close on shutdown failed")
			}
		}
		r.clients = make(map[string]*Client)
		r.mu.Unlock()
	}
	log.Info().Msg("mcp supervisor shut down")
}
