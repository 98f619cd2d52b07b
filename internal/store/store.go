// Package store persists each user's validated MCP server specs so they
// survive process restarts. The supervisor depends only on the Store
// interface, making it easy to swap between in-memory (tests,
// single-node development) and DynamoDB (production) implementations.
//
// Only validated specs are stored. No conversation content, no tokens,
// no secrets.
package store

import (
	"context"

	"github.com/yhyyz/mcp-agent-gateway/pkg/models"
)

// Store is keyed by (user_id, server_id).
type Store interface {
	// Put upserts a spec. The write must be acknowledged before the
	// caller spawns the corresponding client.
	Put(ctx context.Context, userID string, spec models.ServerSpec) error

	// Get returns the spec or nil when absent.
	Get(ctx context.Context, userID, serverID string) (*models.ServerSpec, error)

	// Delete removes a spec. Deleting an absent spec is not an error.
	Delete(ctx context.Context, userID, serverID string) error

	// List returns all specs registered by the user.
	List(ctx context.Context, userID string) ([]models.ServerSpec, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
