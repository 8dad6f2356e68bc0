// Package sync provides the sync engine: it drains the offline queue against
// the remote authority and reconciles local and server state.
package sync

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// Remote is the remote authority contract. Fetch returns nil when the
// remote does not hold the entity.
type Remote interface {
	// Ping fails when the remote cannot be reached.
	Ping(ctx context.Context) error

	// Apply performs an action once per idempotency key and returns the
	// resulting server state of the action's entity, if it has one.
	Apply(ctx context.Context, a queue.Action, idempotencyKey string) (*models.RemoteEntity, error)

	Fetch(ctx context.Context, t models.EntityType, id string) (*models.RemoteEntity, error)

	// Push replaces the entity when baseVersion matches the server version.
	Push(ctx context.Context, t models.EntityType, id string, payload json.RawMessage, baseVersion int64) (*models.RemoteEntity, error)

	// Delete removes the entity when baseVersion matches the server version.
	Delete(ctx context.Context, t models.EntityType, id string, baseVersion int64) error

	List(ctx context.Context, t models.EntityType) ([]*models.RemoteEntity, error)
}

// Connectivity reports whether the device believes it is online.
type Connectivity interface {
	Online() bool
}

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync runs one reconciliation cycle. A second caller while a cycle runs
	// gets ErrSyncInProgress.
	Sync(ctx context.Context) (*SyncResult, error)

	// Status returns the observer snapshot recomputed from the store.
	Status(ctx context.Context) (events.Status, error)

	// State returns the current engine state.
	State() State

	// IsRunning reports whether a cycle is in progress.
	IsRunning() bool

	// LastResult returns the result of the most recent cycle, or nil.
	LastResult() *SyncResult

	// RequestFullPull makes the next cycle list every remote entity.
	RequestFullPull()
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
