package store

import (
	"context"
	"sync"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It backs tests and the
// single-node development mode selected when DDB_TABLE is unset.
type MemoryStore struct {
	mu    sync.RWMutex
	specs map[string]map[string]models.ServerSpec // user_id → server_id → spec
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{specs: make(map[string]map[string]models.ServerSpec)}
}

func (s *MemoryStore) Put(_ context.Context, userID string, spec models.ServerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.specs[userID]
	if !ok {
		user = make(map[string]models.ServerSpec)
		s.specs[userID] = user
	}
	user[spec.ServerID] = spec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, userID, serverID string) (*models.ServerSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.specs[userID][serverID]
	if !ok {
		return nil, nil
	}
	return &spec, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.specs[userID], serverID)
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]models.ServerSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ServerSpec, 0, len(s.specs[userID]))
	for _, spec := range s.specs[userID] {
		out = append(out, spec)
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
