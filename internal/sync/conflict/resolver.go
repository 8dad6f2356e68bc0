// Package conflict decides how a local and a server copy of an entity
// reconcile, and applies user resolutions to recorded conflicts.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
)

// Errors
var (
	ErrConflictNotFound = &ConflictError{Message: "conflict not found"}
	ErrInvalidChoice    = &ConflictError{Message: "invalid resolution choice"}
	ErrValueRequired    = &ConflictError{Message: "manual resolution requires a value"}
	ErrInvalidValue     = &ConflictError{Message: "resolved value is not valid JSON"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Resolver lists pending conflicts and applies resolutions.
type Resolver struct {
	st    store.Store
	locks *store.KeyLocks
	now   func() time.Time

	// OnResolved runs after a resolution is stored, outside any lock.
	OnResolved func(c *models.Conflict)
}

// NewResolver creates a Resolver.
func NewResolver(st store.Store, locks *store.KeyLocks) *Resolver {
	return &Resolver{st: st, locks: locks, now: time.Now}
}

// ListPending returns conflicts awaiting a decision, oldest first.
func (r *Resolver) ListPending(ctx context.Context) ([]*models.Conflict, error) {
	return r.st.ListConflicts(ctx, models.ResolutionPending)
}

// List returns every conflict, resolved ones included.
func (r *Resolver) List(ctx context.Context) ([]*models.Conflict, error) {
	return r.st.ListConflicts(ctx, "")
}

// Resolve settles a pending conflict. For local and server a nil value
// defaults to that side's recorded value; manual requires a value. A JSON
// null value deletes the entity.
//
// The value becomes the local record at a version above every version it
// supersedes, with status pending so the next cycle pushes it. Resolving an
// already resolved conflict is a no-op.
func (r *Resolver) Resolve(ctx context.Context, id string, choice models.Resolution, value json.RawMessage) (*models.Conflict, error) {
	c, err := r.st.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}

	unlock := r.locks.Lock(c.Key())
	resolved, changed, err := r.resolveLocked(ctx, id, choice, value)
	unlock()
	if err != nil {
		return nil, err
	}

	if changed {
		logging.Info("Conflict resolved", map[string]interface{}{
			"conflict_id": resolved.ID,
			"entity_type": string(resolved.EntityType),
			"entity_id":   resolved.EntityID,
			"resolution":  string(resolved.Resolution),
		})
		if r.OnResolved != nil {
			r.OnResolved(resolved)
		}
	}
	return resolved, nil
}

func (r *Resolver) resolveLocked(ctx context.Context, id string, choice models.Resolution, value json.RawMessage) (*models.Conflict, bool, error) {
	// Re-read under the key lock; a concurrent resolve may have won.
	c, err := r.st.GetConflict(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, ErrConflictNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if !c.Pending() {
		return c, false, nil
	}

	switch choice {
	case models.ResolutionLocal:
		if value == nil {
			value = c.LocalValue
		}
	case models.ResolutionServer:
		if value == nil {
			value = c.ServerValue
		}
	case models.ResolutionManual:
		if value == nil {
			return nil, false, ErrValueRequired
		}
	default:
		return nil, false, ErrInvalidChoice
	}
	if len(value) == 0 {
		value = models.NullPayload
	}
	if !json.Valid(value) {
		return nil, false, ErrInvalidValue
	}

	key := c.Key()
	now := r.now().UnixMilli()

	rec, err := r.st.Get(ctx, key.Type, key.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	meta, err := r.st.GetMetadata(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID}
	} else if err != nil {
		return nil, false, err
	}

	newVersion := max(meta.LocalVersion, c.LocalRevision, c.ServerRevision)
	if rec != nil {
		newVersion = max(newVersion, rec.Version)
	}
	newVersion++

	if models.IsNull(value) {
		if err := r.st.Delete(ctx, key.Type, key.ID); err != nil {
			return nil, false, err
		}
		meta.Deleted = true
	} else {
		next := &models.Record{
			EntityType: key.Type,
			EntityID:   key.ID,
			Payload:    value,
			Version:    newVersion,
			AddedAt:    now,
			UpdatedAt:  now,
		}
		if rec != nil {
			next.AddedAt = rec.AddedAt
		}
		if err := r.st.Put(ctx, next); err != nil {
			return nil, false, err
		}
		meta.Deleted = false
	}

	meta.LocalVersion = newVersion
	meta.ServerVersion = c.ServerRevision
	meta.SyncStatus, meta.LastError = store.PendingStatus(r.st)
	meta.UpdatedAt = now
	if err := r.st.PutMetadata(ctx, meta); err != nil {
		return nil, false, err
	}

	c.Resolution = choice
	c.ResolvedValue = append(json.RawMessage(nil), value...)
	c.ResolvedAt = now
	if err := r.st.UpdateConflict(ctx, c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}
