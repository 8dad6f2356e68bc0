package sync

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/shopsync/internal/errors"
	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
	"github.com/kimhsiao/shopsync/internal/sync/remote"
)

// State is the engine lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateSyncing   State = "syncing"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// DefaultCallTimeout bounds every remote call when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

var (
	// ErrSyncInProgress is returned to a caller while another cycle runs.
	ErrSyncInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")

	// ErrOffline is returned when a cycle cannot reach the remote.
	ErrOffline = apperrors.New(apperrors.ErrSyncOffline, "remote unreachable")

	// ErrCancelled is returned when the caller cancelled a running cycle.
	ErrCancelled = apperrors.New(apperrors.ErrSyncCancelled, "sync cancelled")
)

// Options wires a SyncEngine.
type Options struct {
	Store        store.Store
	Queue        *queue.Queue
	Locks        *store.KeyLocks
	Remote       Remote
	Publisher    *events.Publisher
	Connectivity Connectivity // optional; nil means rely on Ping alone

	CallTimeout      time.Duration // per remote call
	FullPullInterval time.Duration // 0 disables periodic full pulls
}

// SyncResult represents the result of a sync cycle.
type SyncResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Applied   int           `json:"applied"`   // queue items confirmed by the remote
	Failed    int           `json:"failed"`    // queue items or entities that failed this cycle
	Skipped   int           `json:"skipped"`   // queue items held back behind a failed item
	Pushed    int           `json:"pushed"`    // local values sent to the remote
	Pulled    int           `json:"pulled"`    // server values adopted locally
	Conflicts int           `json:"conflicts"` // new conflicts recorded
	FullPull  bool          `json:"fullPull"`
	Cancelled bool          `json:"cancelled"`
	Error     string        `json:"error,omitempty"`
}

// SyncEngine runs reconciliation cycles. At most one cycle runs at a time.
type SyncEngine struct {
	st        store.Store
	queue     *queue.Queue
	locks     *store.KeyLocks
	remote    Remote
	publisher *events.Publisher
	conn      Connectivity

	callTimeout      time.Duration
	fullPullInterval time.Duration
	now              func() time.Time

	running           atomic.Bool
	state             atomic.Value // State
	progress          atomic.Int32
	lastFullPull      atomic.Int64 // unix ms
	fullPullRequested atomic.Bool
	lastResult        atomic.Pointer[SyncResult]
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(opts Options) *SyncEngine {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	e := &SyncEngine{
		st:               opts.Store,
		queue:            opts.Queue,
		locks:            opts.Locks,
		remote:           opts.Remote,
		publisher:        opts.Publisher,
		conn:             opts.Connectivity,
		callTimeout:      timeout,
		fullPullInterval: opts.FullPullInterval,
		now:              time.Now,
	}
	if e.publisher == nil {
		e.publisher = events.NewPublisher()
	}
	e.state.Store(StateIdle)
	return e
}

// SetConnectivity sets the connectivity monitor. Call before the first cycle.
func (e *SyncEngine) SetConnectivity(c Connectivity) {
	e.conn = c
}

// State returns the current engine state.
func (e *SyncEngine) State() State {
	return e.state.Load().(State)
}

// IsRunning reports whether a cycle is in progress.
func (e *SyncEngine) IsRunning() bool {
	return e.running.Load()
}

// LastResult returns the result of the most recent cycle, or nil.
func (e *SyncEngine) LastResult() *SyncResult {
	return e.lastResult.Load()
}

// RequestFullPull makes the next cycle list every remote entity.
func (e *SyncEngine) RequestFullPull() {
	e.fullPullRequested.Store(true)
}

// Status returns the observer snapshot.
func (e *SyncEngine) Status(ctx context.Context) (events.Status, error) {
	return events.Snapshot(ctx, e.st, events.Cycle{
		Syncing:  e.running.Load(),
		Progress: int(e.progress.Load()),
	})
}

// callContext gives a remote call its own timeout. The call is detached
// from ctx so cancelling a cycle lets an in-flight call finish.
func (e *SyncEngine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
}

// Sync runs one cycle: drain the queue in ID order, then reconcile every
// touched entity against the server.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer e.running.Store(false)

	e.state.Store(StateSyncing)
	e.progress.Store(0)
	result := &SyncResult{StartTime: e.now()}

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		e.lastResult.Store(result)
	}()

	if err := e.checkConnectivity(ctx); err != nil {
		return e.abort(result, err)
	}

	items, err := e.queue.ListUnsynced(ctx)
	if err != nil {
		return e.abort(result, apperrors.Wrap(apperrors.ErrSyncFailed, "read queue", err))
	}

	result.FullPull = e.fullPullDue()
	keys, err := e.touchedKeys(ctx, items, result.FullPull)
	if err != nil {
		return e.abort(result, apperrors.Wrap(apperrors.ErrSyncFailed, "collect entities", err))
	}

	logging.Info("Sync started", map[string]interface{}{
		"items":     len(items),
		"entities":  len(keys),
		"full_pull": result.FullPull,
	})
	e.publisher.Publish(events.SyncStarted{Items: len(items), Entities: len(keys)})

	total := len(items) + len(keys)
	processed := 0
	step := func(label string) {
		processed++
		p := events.Progress(processed, total)
		e.progress.Store(int32(p))
		e.publisher.Publish(events.SyncProgress{Processed: processed, Total: total, Progress: p, Item: label})
	}

	if ctx.Err() != nil {
		result.Cancelled = true
	} else {
		e.drain(ctx, items, result, step)
	}
	if !result.Cancelled {
		e.reconcileAll(ctx, keys, result, step)
	}

	return e.finish(ctx, result)
}

func (e *SyncEngine) checkConnectivity(ctx context.Context) error {
	if e.conn != nil && !e.conn.Online() {
		return apperrors.Wrap(apperrors.ErrSyncOffline, "device is offline", remote.ErrUnavailable)
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.remote.Ping(callCtx); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncOffline, "remote unreachable", err)
	}
	return nil
}

// abort ends a cycle that could not start.
func (e *SyncEngine) abort(result *SyncResult, err error) (*SyncResult, error) {
	e.state.Store(StateError)
	result.Error = err.Error()

	code := apperrors.CodeOf(err)
	logging.ErrorWithCode("Sync could not start", string(code), err)
	e.publisher.Publish(events.SyncError{
		Code:      string(code),
		Message:   err.Error(),
		Retryable: code == apperrors.ErrSyncOffline,
	})
	return result, err
}

func (e *SyncEngine) finish(ctx context.Context, result *SyncResult) (*SyncResult, error) {
	// Bookkeeping survives cancellation; nothing here talks to the remote.
	bg := context.WithoutCancel(ctx)

	if _, err := e.queue.PurgeSynced(bg); err != nil {
		logging.Error("Failed to purge synced queue items", err)
	}

	var err error
	if result.Cancelled {
		err = ErrCancelled
		result.Error = err.Error()
		e.state.Store(StateError)
	} else {
		ts := strconv.FormatInt(e.now().UnixMilli(), 10)
		if perr := e.st.PutSetting(bg, store.SettingLastSyncTime, ts); perr != nil {
			logging.Error("Failed to record last sync time", perr)
		}
		if result.FullPull {
			e.lastFullPull.Store(e.now().UnixMilli())
		}
		e.progress.Store(100)
		e.state.Store(StateCompleted)
	}

	duration := e.now().Sub(result.StartTime)
	e.publisher.Publish(events.SyncCompleted{
		Applied:    result.Applied,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		Pushed:     result.Pushed,
		Pulled:     result.Pulled,
		Conflicts:  result.Conflicts,
		Cancelled:  result.Cancelled,
		DurationMs: duration.Milliseconds(),
	})
	logging.Info("Sync completed", map[string]interface{}{
		"applied":   result.Applied,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
		"pushed":    result.Pushed,
		"pulled":    result.Pulled,
		"conflicts": result.Conflicts,
		"cancelled": result.Cancelled,
	})
	return result, err
}

func (e *SyncEngine) fullPullDue() bool {
	if e.fullPullRequested.Swap(false) {
		return true
	}
	if e.fullPullInterval <= 0 {
		return false
	}
	last := e.lastFullPull.Load()
	return last == 0 || e.now().Sub(time.UnixMilli(last)) >= e.fullPullInterval
}

// touchedKeys returns, sorted, every entity key this cycle reconciles.
func (e *SyncEngine) touchedKeys(ctx context.Context, items []*queue.Item, fullPull bool) ([]models.EntityKey, error) {
	set := make(map[models.EntityKey]struct{})
	for _, item := range items {
		if item.HasEntity() {
			set[item.Key()] = struct{}{}
		}
	}

	for _, status := range []models.SyncStatus{models.SyncStatusPending, models.SyncStatusError} {
		metas, err := e.st.ListMetadata(ctx, store.MetadataFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			set[m.Key()] = struct{}{}
		}
	}

	if fullPull {
		for _, t := range models.EntityTypes {
			if ctx.Err() != nil {
				break
			}
			if err := e.collectType(ctx, t, set); err != nil {
				return nil, err
			}
		}
	}

	keys := make([]models.EntityKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (e *SyncEngine) collectType(ctx context.Context, t models.EntityType, set map[models.EntityKey]struct{}) error {
	callCtx, cancel := e.callContext(ctx)
	entities, err := e.remote.List(callCtx, t)
	cancel()
	if err != nil {
		// Local keys still reconcile one by one below.
		logging.Warn("Full pull listing failed", map[string]interface{}{
			"entity_type": string(t),
			"error":       err.Error(),
		})
	}
	for _, ent := range entities {
		set[models.Key(t, ent.EntityID)] = struct{}{}
	}

	for rec, err := range e.st.List(ctx, t, nil) {
		if err != nil {
			return err
		}
		set[rec.Key()] = struct{}{}
	}
	return nil
}

// drain applies queue items in ID order. After a failure, later items with
// the same block key wait for the next cycle.
func (e *SyncEngine) drain(ctx context.Context, items []*queue.Item, result *SyncResult, step func(string)) {
	blocked := make(map[string]bool)

	for _, item := range items {
		if ctx.Err() != nil {
			result.Cancelled = true
			return
		}

		switch {
		case blocked[item.BlockKey]:
			result.Skipped++
		case item.Err != nil:
			logging.Warn("Queue item cannot be decoded", map[string]interface{}{
				"queue_id": item.ID,
				"action":   item.QueueItem.Action,
				"error":    item.Err.Error(),
			})
			if err := e.queue.MarkFailed(context.WithoutCancel(ctx), item.ID, item.Err); err != nil {
				logging.Error("Failed to record queue item error", err)
			}
			blocked[item.BlockKey] = true
			result.Failed++
		default:
			if err := e.Apply(ctx, item.QueueItem, item.Action); err != nil {
				blocked[item.BlockKey] = true
				result.Failed++
			} else {
				result.Applied++
			}
		}
		step(item.QueueItem.Action)
	}
}

// Apply sends one queued action to the remote under its own timeout and
// records the outcome: synced with the acknowledged state folded into the
// baseline, or failed with the error kept on the item.
func (e *SyncEngine) Apply(ctx context.Context, item *models.QueueItem, a queue.Action) error {
	callCtx, cancel := e.callContext(ctx)
	ack, err := e.remote.Apply(callCtx, a, item.IdempotencyKey)
	cancel()

	// The remote has answered; record it even if ctx was cancelled meanwhile.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		logging.Warn("Queue item failed", map[string]interface{}{
			"queue_id":    item.ID,
			"action":      item.Action,
			"retry_count": item.RetryCount + 1,
			"transient":   remote.IsTransient(err),
			"error":       err.Error(),
		})
		if merr := e.queue.MarkFailed(bg, item.ID, err); merr != nil {
			logging.Error("Failed to record queue item failure", merr)
		}
		return err
	}

	if !item.HasEntity() {
		return e.queue.MarkSynced(bg, item.ID)
	}

	key := item.Key()
	unlock := e.locks.Lock(key)
	defer unlock()

	if err := e.queue.MarkSynced(bg, item.ID); err != nil {
		return err
	}
	meta, err := e.st.GetMetadata(bg, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID, LocalVersion: item.LocalVersion}
		meta.SyncStatus, meta.LastError = store.PendingStatus(e.st)
	} else if err != nil {
		return err
	}
	conflict.FoldAck(meta, item.LocalVersion, ack)
	now := e.now().UnixMilli()
	meta.UpdatedAt = now

	// Settle right away when the acknowledged state is what the device holds.
	if !meta.LocalChanged() && meta.SyncStatus != models.SyncStatusConflict {
		rec, err := e.st.Get(bg, key.Type, key.ID)
		if errors.Is(err, store.ErrNotFound) {
			rec = nil
		} else if err != nil {
			return err
		}
		if agrees(rec, ack) {
			meta.Deleted = rec == nil
			meta.SyncStatus, meta.LastError = store.SettledStatus(e.st)
			meta.LastSyncedAt = now
		}
	}
	return e.st.PutMetadata(bg, meta)
}

// agrees reports whether the local record and the server entity hold the same value.
func agrees(rec *models.Record, ent *models.RemoteEntity) bool {
	if rec == nil || ent == nil {
		return rec == nil && ent == nil
	}
	return models.PayloadEqual(rec.Payload, ent.Payload)
}
