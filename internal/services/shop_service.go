// Package services provides the operations UI collaborators call: queued
// shop actions, local state writes and cached reads.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	apperrors "github.com/kimhsiao/shopsync/internal/errors"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
	syncpkg "github.com/kimhsiao/shopsync/internal/sync"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// actionLockType namespaces the per-action locks of entity-less actions.
const actionLockType models.EntityType = "action"

// Applier confirms a queued item with the remote right away.
type Applier interface {
	Apply(ctx context.Context, item *models.QueueItem, a queue.Action) error
	IsRunning() bool
}

// Trigger asks the scheduler for a sync cycle.
type Trigger interface {
	TriggerSync() bool
}

// Config holds service configuration.
type Config struct {
	// QueueFirst disables the direct-confirm path: every action waits for
	// the next sync cycle.
	QueueFirst bool

	// ProductTTL is how long a cached product is served without a refresh.
	ProductTTL time.Duration

	// CallTimeout bounds product refreshes.
	CallTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProductTTL:  10 * time.Minute,
		CallTimeout: 30 * time.Second,
	}
}

// ShopService applies user intents locally and hands them to the sync layer.
type ShopService struct {
	st     store.Store
	queue  *queue.Queue
	locks  *store.KeyLocks
	engine Applier
	remote syncpkg.Remote
	conn    syncpkg.Connectivity
	trigger Trigger
	config  *Config
	now    func() time.Time

	products singleflight.Group
}

// Deps are the collaborators of a ShopService.
type Deps struct {
	Store        store.Store
	Queue        *queue.Queue
	Locks        *store.KeyLocks
	Engine       Applier
	Remote       syncpkg.Remote
	Connectivity syncpkg.Connectivity // nil means always online
	Trigger      Trigger              // optional; asked for a cycle when an action is held back
}

// NewShopService creates a new ShopService.
func NewShopService(deps Deps, config *Config) *ShopService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}
	return &ShopService{
		st:     deps.Store,
		queue:  deps.Queue,
		locks:  deps.Locks,
		engine: deps.Engine,
		remote: deps.Remote,
		conn:    deps.Connectivity,
		trigger: deps.Trigger,
		config:  config,
		now:    time.Now,
	}
}

// SubmitResult reports what happened to a submitted action.
type SubmitResult struct {
	Item *models.QueueItem `json:"item"`

	// Confirmed is true when the remote acknowledged the action before
	// Submit returned.
	Confirmed bool `json:"confirmed"`
}

// Submit applies an action's local effect, queues it durably and, when the
// device is online and no older item is still unsynced, confirms it with the
// remote immediately. A failed confirmation leaves the item queued.
func (s *ShopService) Submit(ctx context.Context, a queue.Action) (*SubmitResult, error) {
	if err := a.Validate(); err != nil {
		return nil, actionError(err)
	}

	key, hasEntity := a.Key()
	lockKey := key
	if !hasEntity {
		lockKey = models.Key(actionLockType, a.Name())
	}

	unlock := s.locks.Lock(lockKey)
	item, waiting, err := s.submitLocked(ctx, a, key, hasEntity)
	unlock()
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Item: item}
	if s.config.QueueFirst || !s.online() || s.engine == nil {
		return result, nil
	}
	if waiting || s.engine.IsRunning() {
		// Older items go to the remote first; the next cycle carries this one.
		if s.trigger != nil {
			s.trigger.TriggerSync()
		}
		return result, nil
	}
	if err := s.engine.Apply(ctx, item, a); err != nil {
		logging.Debug("Direct confirm failed; action stays queued", map[string]interface{}{
			"queue_id": item.ID,
			"action":   item.Action,
			"error":    err.Error(),
		})
		return result, nil
	}
	item.Synced = true
	result.Confirmed = true
	return result, nil
}

// submitLocked writes the local effect and the queue item together under the
// key lock, so a sync cycle never sees one without the other. It also reports
// whether an older item is still waiting, which rules out a direct confirm.
func (s *ShopService) submitLocked(ctx context.Context, a queue.Action, key models.EntityKey, hasEntity bool) (*models.QueueItem, bool, error) {
	var version int64
	if hasEntity {
		var err error
		version, err = s.applyLocal(ctx, a, key)
		if err != nil {
			return nil, false, err
		}
	}

	var opts []queue.Option
	if version > 0 {
		opts = append(opts, queue.WithLocalVersion(version))
	}
	item, err := s.queue.Enqueue(ctx, a, opts...)
	if err != nil {
		return nil, false, storageError(err)
	}
	waiting, err := s.queue.HasUnsyncedBefore(ctx, item.ID)
	if err != nil {
		return nil, false, storageError(err)
	}
	return item, waiting, nil
}

// applyLocal runs the optimistic local effect and returns the new local
// version, or 0 when the action changes nothing locally.
func (s *ShopService) applyLocal(ctx context.Context, a queue.Action, key models.EntityKey) (int64, error) {
	rec, err := s.st.Get(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return 0, storageError(err)
	}

	effect := &localEffect{current: rec}
	if err := a.Accept(effect); err != nil {
		return 0, actionError(err)
	}
	if !effect.touched {
		return 0, nil
	}
	return s.writeLocked(ctx, key, rec, effect.payload)
}

// writeLocked stores payload (nil deletes) as a new local version and marks
// the key pending. The caller holds the key lock.
func (s *ShopService) writeLocked(ctx context.Context, key models.EntityKey, rec *models.Record, payload json.RawMessage) (int64, error) {
	meta, err := s.st.GetMetadata(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID}
	} else if err != nil {
		return 0, storageError(err)
	}

	version := meta.LocalVersion
	if rec != nil && rec.Version > version {
		version = rec.Version
	}
	version++
	now := s.now().UnixMilli()

	if payload == nil {
		if err := s.st.Delete(ctx, key.Type, key.ID); err != nil {
			return 0, storageError(err)
		}
		meta.Deleted = true
	} else {
		next := &models.Record{
			EntityType: key.Type,
			EntityID:   key.ID,
			Payload:    payload,
			Version:    version,
			AddedAt:    now,
			UpdatedAt:  now,
		}
		if rec != nil {
			next.AddedAt = rec.AddedAt
		}
		if err := s.st.Put(ctx, next); err != nil {
			return 0, storageError(err)
		}
		meta.Deleted = false
	}

	meta.LocalVersion = version
	meta.SyncStatus, meta.LastError = store.PendingStatus(s.st)
	meta.UpdatedAt = now
	if err := s.st.PutMetadata(ctx, meta); err != nil {
		return 0, storageError(err)
	}
	return version, nil
}

// mutate is a state write with no queued action. Reconciliation pushes it.
func (s *ShopService) mutate(ctx context.Context, key models.EntityKey, payload json.RawMessage) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	rec, err := s.st.Get(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return storageError(err)
	}
	if rec == nil && payload == nil {
		return nil
	}
	_, err = s.writeLocked(ctx, key, rec, payload)
	return err
}

// SetCartQuantity sets a cart line to qty. Zero or less removes the line.
func (s *ShopService) SetCartQuantity(ctx context.Context, productID string, qty int) error {
	if productID == "" {
		return apperrors.New(apperrors.ErrInvalid, "productId is required")
	}
	var payload json.RawMessage
	if qty > 0 {
		data, err := json.Marshal(models.CartLine{ProductID: productID, Quantity: qty})
		if err != nil {
			return err
		}
		payload = data
	}
	return s.mutate(ctx, models.Key(models.EntityCart, productID), payload)
}

// SetPreference stores a preference value. JSON null deletes it.
func (s *ShopService) SetPreference(ctx context.Context, name string, value json.RawMessage) error {
	if name == "" {
		return apperrors.New(apperrors.ErrInvalid, "preference name is required")
	}
	if models.IsNull(value) {
		value = nil
	} else if !json.Valid(value) {
		return apperrors.New(apperrors.ErrInvalid, "preference value is not valid JSON")
	}
	return s.mutate(ctx, models.Key(models.EntityPreference, name), value)
}

// GetPreference returns a stored preference value.
func (s *ShopService) GetPreference(ctx context.Context, name string) (json.RawMessage, error) {
	rec, err := s.st.Get(ctx, models.EntityPreference, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("preference %q not found", name), err)
	} else if err != nil {
		return nil, storageError(err)
	}
	return rec.Payload, nil
}

// Cart returns the cart lines ordered by product ID.
func (s *ShopService) Cart(ctx context.Context) ([]models.CartLine, error) {
	return listPayloads[models.CartLine](ctx, s.st, models.EntityCart)
}

// Wishlist returns the wishlist ordered by product ID.
func (s *ShopService) Wishlist(ctx context.Context) ([]models.WishlistEntry, error) {
	return listPayloads[models.WishlistEntry](ctx, s.st, models.EntityWishlist)
}

// Reservations returns known reservations ordered by ID.
func (s *ShopService) Reservations(ctx context.Context) ([]models.Reservation, error) {
	return listPayloads[models.Reservation](ctx, s.st, models.EntityReservation)
}

// QueueItems returns every item still in the queue.
func (s *ShopService) QueueItems(ctx context.Context) ([]*models.QueueItem, error) {
	items, err := s.queue.List(ctx)
	if err != nil {
		return nil, storageError(err)
	}
	out := make([]*models.QueueItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.QueueItem)
	}
	return out, nil
}

func listPayloads[T any](ctx context.Context, st store.Store, t models.EntityType) ([]T, error) {
	out := []T{}
	for rec, err := range st.List(ctx, t, nil) {
		if err != nil {
			return nil, storageError(err)
		}
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			logging.Warn("Skipping undecodable record", map[string]interface{}{
				"entity": rec.Key().String(),
				"error":  err.Error(),
			})
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *ShopService) online() bool {
	return s.conn == nil || s.conn.Online()
}

func actionError(err error) error {
	if errors.Is(err, queue.ErrUnsupportedAction) {
		return apperrors.Wrap(apperrors.ErrActionUnsupported, "unsupported action", err)
	}
	return apperrors.Wrap(apperrors.ErrActionInvalid, "invalid action", err)
}

func storageError(err error) error {
	return apperrors.Wrap(apperrors.ErrDatabase, "local store", err)
}
