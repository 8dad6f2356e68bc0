package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/sync/remote"
	"github.com/kimhsiao/shopsync/internal/uuid"
)

func (e *SyncEngine) reconcileAll(ctx context.Context, keys []models.EntityKey, result *SyncResult, step func(string)) {
	for _, key := range keys {
		if ctx.Err() != nil {
			result.Cancelled = true
			return
		}
		if err := e.reconcile(ctx, key, result); err != nil {
			result.Failed++
			logging.Error("Reconcile failed", err, map[string]interface{}{
				"entity": key.String(),
			})
		}
		step(key.String())
	}
}

// pushPlan is what a push needs after the key lock is released.
type pushPlan struct {
	payload       json.RawMessage // nil pushes a deletion
	pushedVersion int64
	baseVersion   int64
}

// reconcile brings one key to agreement with the server. The key lock is
// never held across a remote call.
func (e *SyncEngine) reconcile(ctx context.Context, key models.EntityKey, result *SyncResult) error {
	callCtx, cancel := e.callContext(ctx)
	server, err := e.remote.Fetch(callCtx, key.Type, key.ID)
	cancel()

	bg := context.WithoutCancel(ctx)
	if err != nil {
		e.markError(bg, key, err)
		return err
	}

	unlock := e.locks.Lock(key)
	plan, detected, err := e.decideLocked(bg, key, server, result)
	unlock()
	if err != nil {
		return err
	}
	if detected != nil {
		logging.Info("Conflict detected", map[string]interface{}{
			"conflict_id": detected.ID,
			"entity":      key.String(),
		})
		e.publisher.Publish(events.ConflictDetected{
			ConflictID: detected.ID,
			EntityType: string(key.Type),
			EntityID:   key.ID,
		})
	}
	if plan == nil {
		return nil
	}
	if ctx.Err() != nil {
		// No new remote calls once cancelled; the key stays pending.
		result.Cancelled = true
		return nil
	}
	return e.push(ctx, key, plan, result)
}

// decideLocked runs under the key lock. It returns a push plan when the
// local value must go to the server, or the conflict it recorded.
func (e *SyncEngine) decideLocked(ctx context.Context, key models.EntityKey, server *models.RemoteEntity, result *SyncResult) (*pushPlan, *models.Conflict, error) {
	if _, err := e.st.PendingConflict(ctx, key.Type, key.ID); err == nil {
		return nil, nil, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	// A queued action still owns this key; its ack moves the baseline first.
	if busy, err := e.queue.HasUnsynced(ctx, key.String()); err != nil {
		return nil, nil, err
	} else if busy {
		return nil, nil, nil
	}

	rec, err := e.st.Get(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return nil, nil, err
	}
	meta, err := e.st.GetMetadata(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = nil
	} else if err != nil {
		return nil, nil, err
	}

	now := e.now().UnixMilli()
	outcome := conflict.Decide(key.Type, rec, meta, server)
	logging.Debug("Reconcile decision", map[string]interface{}{
		"entity":  key.String(),
		"outcome": outcome.String(),
	})

	switch outcome {
	case conflict.OutcomeNone:
		return nil, nil, nil

	case conflict.OutcomeSynced:
		if meta == nil {
			meta = newMetadata(key, rec)
		}
		meta.Version = meta.LocalVersion
		meta.ServerVersion = models.VersionOf(server)
		meta.Deleted = rec == nil
		meta.SyncStatus, meta.LastError = store.SettledStatus(e.st)
		meta.LastSyncedAt = now
		meta.UpdatedAt = now
		return nil, nil, e.st.PutMetadata(ctx, meta)

	case conflict.OutcomeAdopt:
		if meta == nil {
			meta = newMetadata(key, rec)
		}
		newVersion := meta.LocalVersion
		if rec != nil && rec.Version > newVersion {
			newVersion = rec.Version
		}
		newVersion++

		if server == nil {
			if err := e.st.Delete(ctx, key.Type, key.ID); err != nil {
				return nil, nil, err
			}
		} else {
			adopted := &models.Record{
				EntityType: key.Type,
				EntityID:   key.ID,
				Payload:    server.Payload,
				Version:    newVersion,
				AddedAt:    now,
				UpdatedAt:  now,
			}
			if rec != nil {
				adopted.AddedAt = rec.AddedAt
			}
			if err := e.st.Put(ctx, adopted); err != nil {
				return nil, nil, err
			}
		}
		meta.Version = newVersion
		meta.LocalVersion = newVersion
		meta.ServerVersion = models.VersionOf(server)
		meta.Deleted = server == nil
		meta.SyncStatus, meta.LastError = store.SettledStatus(e.st)
		meta.LastSyncedAt = now
		meta.UpdatedAt = now
		if err := e.st.PutMetadata(ctx, meta); err != nil {
			return nil, nil, err
		}
		result.Pulled++
		return nil, nil, nil

	case conflict.OutcomeConflict:
		c := &models.Conflict{
			ID:             uuid.New(),
			EntityType:     key.Type,
			EntityID:       key.ID,
			LocalValue:     models.NullPayload,
			ServerValue:    models.NullPayload,
			ServerRevision: models.VersionOf(server),
			Resolution:     models.ResolutionPending,
			Timestamp:      now,
		}
		if rec != nil {
			c.LocalValue = rec.Payload
			c.LocalRevision = rec.Version
		}
		if meta != nil && meta.LocalVersion > c.LocalRevision {
			c.LocalRevision = meta.LocalVersion
		}
		if server != nil {
			c.ServerValue = server.Payload
		}
		created, err := e.st.CreateConflict(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		if meta == nil {
			meta = newMetadata(key, rec)
		}
		meta.SyncStatus = models.SyncStatusConflict
		meta.LastError = ""
		meta.UpdatedAt = now
		if err := e.st.PutMetadata(ctx, meta); err != nil {
			return nil, nil, err
		}
		if !created {
			return nil, nil, nil
		}
		result.Conflicts++
		return nil, c, nil

	case conflict.OutcomePush:
		plan := &pushPlan{}
		if meta == nil {
			meta = newMetadata(key, rec)
		}
		plan.pushedVersion = meta.LocalVersion
		plan.baseVersion = meta.ServerVersion
		if rec != nil {
			plan.payload = append(json.RawMessage(nil), rec.Payload...)
			if rec.Version > plan.pushedVersion {
				plan.pushedVersion = rec.Version
			}
		}
		return plan, nil, nil
	}
	return nil, nil, nil
}

// push sends the planned value and folds the answer back into metadata.
func (e *SyncEngine) push(ctx context.Context, key models.EntityKey, plan *pushPlan, result *SyncResult) error {
	callCtx, cancel := e.callContext(ctx)
	var ack *models.RemoteEntity
	var err error
	if plan.payload == nil {
		err = e.remote.Delete(callCtx, key.Type, key.ID, plan.baseVersion)
	} else {
		ack, err = e.remote.Push(callCtx, key.Type, key.ID, plan.payload, plan.baseVersion)
	}
	cancel()

	bg := context.WithoutCancel(ctx)
	unlock := e.locks.Lock(key)
	defer unlock()

	meta, merr := e.st.GetMetadata(bg, key.Type, key.ID)
	if errors.Is(merr, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID, LocalVersion: plan.pushedVersion}
	} else if merr != nil {
		return merr
	}
	now := e.now().UnixMilli()
	meta.UpdatedAt = now

	if err != nil {
		meta.LastError = err.Error()
		if errors.Is(err, remote.ErrVersionConflict) {
			// The server moved; the next fetch sees the change and decides again.
			meta.SyncStatus = models.SyncStatusPending
		} else {
			meta.SyncStatus = models.SyncStatusError
		}
		if perr := e.st.PutMetadata(bg, meta); perr != nil {
			return perr
		}
		return err
	}

	if plan.pushedVersion > meta.Version {
		meta.Version = plan.pushedVersion
	}
	meta.ServerVersion = models.VersionOf(ack)
	meta.Deleted = plan.payload == nil
	meta.LastSyncedAt = now
	if meta.LocalVersion == plan.pushedVersion {
		meta.SyncStatus, meta.LastError = store.SettledStatus(e.st)
	} else {
		// Changed again while the push was in flight.
		meta.SyncStatus, meta.LastError = store.PendingStatus(e.st)
	}
	if err := e.st.PutMetadata(bg, meta); err != nil {
		return err
	}
	result.Pushed++
	return nil
}

// markError records a failed fetch on an already tracked key.
func (e *SyncEngine) markError(ctx context.Context, key models.EntityKey, cause error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	meta, err := e.st.GetMetadata(ctx, key.Type, key.ID)
	if err != nil {
		return
	}
	meta.SyncStatus = models.SyncStatusError
	meta.LastError = cause.Error()
	meta.UpdatedAt = e.now().UnixMilli()
	if err := e.st.PutMetadata(ctx, meta); err != nil {
		logging.Error("Failed to record sync error", err, map[string]interface{}{
			"entity": key.String(),
		})
	}
}

func newMetadata(key models.EntityKey, rec *models.Record) *models.SyncMetadata {
	meta := &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID}
	if rec != nil {
		meta.LocalVersion = rec.Version
	}
	return meta
}
