package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
	"github.com/kimhsiao/shopsync/internal/sync/conflict"
	"github.com/kimhsiao/shopsync/internal/sync/events"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
	"github.com/kimhsiao/shopsync/internal/sync/remote"
)

var (
	_ Remote = (*remote.Memory)(nil)
	_ Remote = (*remote.HTTPClient)(nil)
)

type offlineDevice struct{}

func (offlineDevice) Online() bool {
	return false
}

type harness struct {
	t      *testing.T
	st     store.Store
	queue  *queue.Queue
	locks  *store.KeyLocks
	remote *remote.Memory
	engine *SyncEngine
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, store.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, st store.Store) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		st:     st,
		queue:  queue.New(st),
		locks:  store.NewKeyLocks(),
		remote: remote.NewMemory(),
	}
	pub := events.NewPublisher()
	pub.AddListener(func(evt events.Event) {
		h.events = append(h.events, evt)
	})
	h.engine = NewSyncEngine(Options{
		Store:     st,
		Queue:     h.queue,
		Locks:     h.locks,
		Remote:    h.remote,
		Publisher: pub,
	})
	return h
}

// mutate applies a local change the way the service layer does: under the
// key lock, bumping the local version past both the record and metadata.
func (h *harness) mutate(key models.EntityKey, payload interface{}) int64 {
	h.t.Helper()
	ctx := context.Background()
	unlock := h.locks.Lock(key)
	defer unlock()

	var version int64
	rec, err := h.st.Get(ctx, key.Type, key.ID)
	if err == nil {
		version = rec.Version
	} else {
		require.ErrorIs(h.t, err, store.ErrNotFound)
	}
	meta, err := h.st.GetMetadata(ctx, key.Type, key.ID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.SyncMetadata{EntityType: key.Type, EntityID: key.ID}
	} else {
		require.NoError(h.t, err)
	}
	version = max(version, meta.LocalVersion) + 1

	if payload == nil {
		require.NoError(h.t, h.st.Delete(ctx, key.Type, key.ID))
		meta.Deleted = true
	} else {
		data, err := json.Marshal(payload)
		require.NoError(h.t, err)
		require.NoError(h.t, h.st.Put(ctx, &models.Record{
			EntityType: key.Type, EntityID: key.ID, Payload: data, Version: version,
		}))
		meta.Deleted = false
	}
	meta.LocalVersion = version
	meta.SyncStatus, meta.LastError = store.PendingStatus(h.st)
	require.NoError(h.t, h.st.PutMetadata(ctx, meta))
	return version
}

// addToCart records an AddToCart locally and queues it.
func (h *harness) addToCart(productID string, qty int) *models.QueueItem {
	h.t.Helper()
	key := models.Key(models.EntityCart, productID)
	line := h.cartLine(productID)
	line.ProductID = productID
	line.Quantity += qty
	version := h.mutate(key, line)

	item, err := h.queue.Enqueue(context.Background(), &queue.AddToCart{ProductID: productID, Quantity: qty}, queue.WithLocalVersion(version))
	require.NoError(h.t, err)
	return item
}

func (h *harness) cartLine(productID string) models.CartLine {
	h.t.Helper()
	var line models.CartLine
	rec, err := h.st.Get(context.Background(), models.EntityCart, productID)
	if errors.Is(err, store.ErrNotFound) {
		return line
	}
	require.NoError(h.t, err)
	require.NoError(h.t, json.Unmarshal(rec.Payload, &line))
	return line
}

func (h *harness) serverLine(productID string) models.CartLine {
	h.t.Helper()
	var line models.CartLine
	ent := h.remote.Get(models.EntityCart, productID)
	if ent == nil {
		return line
	}
	require.NoError(h.t, json.Unmarshal(ent.Payload, &line))
	return line
}

func (h *harness) meta(t models.EntityType, id string) *models.SyncMetadata {
	h.t.Helper()
	meta, err := h.st.GetMetadata(context.Background(), t, id)
	require.NoError(h.t, err)
	return meta
}

func (h *harness) sync() *SyncResult {
	h.t.Helper()
	result, err := h.engine.Sync(context.Background())
	require.NoError(h.t, err)
	return result
}

func (h *harness) eventTypes() []events.Type {
	var types []events.Type
	for _, evt := range h.events {
		types = append(types, evt.Type)
	}
	return types
}

func (h *harness) applyCalls() []remote.Call {
	var calls []remote.Call
	for _, c := range h.remote.Calls() {
		if c.Op == remote.OpApply {
			calls = append(calls, c)
		}
	}
	return calls
}

func TestSync_offlineAddThenReconnect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addToCart("p1", 2)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.PendingCount)
	assert.Nil(t, status.LastSyncTime)

	result := h.sync()
	assert.Equal(t, 1, result.Applied)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Conflicts)
	assert.False(t, result.Cancelled)

	assert.Equal(t, 2, h.serverLine("p1").Quantity)
	assert.Equal(t, 2, h.cartLine("p1").Quantity)
	assert.Equal(t, 1, h.remote.Effects())

	meta := h.meta(models.EntityCart, "p1")
	assert.Equal(t, models.SyncStatusSynced, meta.SyncStatus)
	assert.Equal(t, meta.LocalVersion, meta.Version)

	items, err := h.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "synced items are purged")

	status, err = h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingCount)
	assert.Zero(t, status.ErrorCount)
	require.NotNil(t, status.LastSyncTime)
	assert.Equal(t, 100, status.SyncProgress)
	assert.False(t, status.IsSyncing)

	assert.Equal(t, []events.Type{
		events.TypeSyncStarted,
		events.TypeSyncProgress,
		events.TypeSyncProgress,
		events.TypeSyncCompleted,
	}, h.eventTypes())
	assert.Equal(t, StateCompleted, h.engine.State())
	assert.Same(t, result, h.engine.LastResult())
}

func TestSync_concurrentEditBecomesConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := models.Key(models.EntityCart, "p1")

	h.addToCart("p1", 1)
	h.sync()

	h.mutate(key, models.CartLine{ProductID: "p1", Quantity: 3})
	h.remote.Set(models.EntityCart, "p1", json.RawMessage(`{"productId":"p1","quantity":5}`))

	result := h.sync()
	assert.Equal(t, 1, result.Conflicts)
	assert.Zero(t, result.Pushed)
	assert.Zero(t, result.Pulled)

	pending, err := h.st.ListConflicts(ctx, models.ResolutionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	c := pending[0]
	assert.JSONEq(t, `{"productId":"p1","quantity":3}`, string(c.LocalValue))
	assert.JSONEq(t, `{"productId":"p1","quantity":5}`, string(c.ServerValue))
	assert.Equal(t, models.SyncStatusConflict, h.meta(models.EntityCart, "p1").SyncStatus)

	var detected *events.ConflictDetected
	for _, evt := range h.events {
		if d, ok := evt.Data.(events.ConflictDetected); ok {
			detected = &d
		}
	}
	require.NotNil(t, detected)
	assert.Equal(t, c.ID, detected.ConflictID)

	// Neither side is overwritten while the conflict is open.
	assert.Equal(t, 3, h.cartLine("p1").Quantity)
	assert.Equal(t, 5, h.serverLine("p1").Quantity)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.ConflictCount)

	// Another cycle keeps a single pending conflict.
	result = h.sync()
	assert.Zero(t, result.Conflicts)
	pending, err = h.st.ListConflicts(ctx, models.ResolutionPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSync_resolveConverges(t *testing.T) {
	tests := []struct {
		name   string
		choice models.Resolution
		value  json.RawMessage
		want   int
	}{
		{name: "keep local", choice: models.ResolutionLocal, want: 3},
		{name: "take server", choice: models.ResolutionServer, want: 5},
		{name: "manual merge", choice: models.ResolutionManual, value: json.RawMessage(`{"productId":"p1","quantity":8}`), want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.addToCart("p1", 1)
			h.sync()
			h.mutate(models.Key(models.EntityCart, "p1"), models.CartLine{ProductID: "p1", Quantity: 3})
			h.remote.Set(models.EntityCart, "p1", json.RawMessage(`{"productId":"p1","quantity":5}`))
			h.sync()

			pending, err := h.st.ListConflicts(ctx, models.ResolutionPending)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			resolver := conflict.NewResolver(h.st, h.locks)
			_, err = resolver.Resolve(ctx, pending[0].ID, tt.choice, tt.value)
			require.NoError(t, err)

			result := h.sync()
			assert.Equal(t, 1, result.Pushed)
			assert.Zero(t, result.Conflicts)

			assert.Equal(t, tt.want, h.cartLine("p1").Quantity)
			assert.Equal(t, tt.want, h.serverLine("p1").Quantity)
			meta := h.meta(models.EntityCart, "p1")
			assert.Equal(t, models.SyncStatusSynced, meta.SyncStatus)
			assert.Equal(t, models.VersionOf(h.remote.Get(models.EntityCart, "p1")), meta.ServerVersion)

			// Converged state stays quiet.
			result = h.sync()
			assert.Zero(t, result.Pushed+result.Pulled+result.Conflicts)
		})
	}
}

func TestSync_failedItemBlocksOnlyItsKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.addToCart("p1", 1)
	second := h.addToCart("p1", 2)
	other := h.addToCart("p2", 1)
	h.remote.FailNext(remote.OpApply, errors.New("rejected"))

	result := h.sync()
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Skipped)

	failed, err := h.st.GetQueueItem(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, failed.Synced)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.LastError, "rejected")

	skipped, err := h.st.GetQueueItem(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, skipped.Synced)
	assert.Zero(t, skipped.RetryCount)

	assert.Equal(t, 1, h.serverLine("p2").Quantity)
	assert.Equal(t, models.SyncStatusSynced, h.meta(models.EntityCart, "p2").SyncStatus)

	// The local cart line is untouched while its actions wait.
	assert.Equal(t, 3, h.cartLine("p1").Quantity)

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.PendingCount)
	assert.Equal(t, 1, status.ErrorCount)

	result = h.sync()
	assert.Equal(t, 2, result.Applied)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 3, h.serverLine("p1").Quantity)
	assert.Equal(t, 3, h.cartLine("p1").Quantity)

	// Items are applied in queue order, retries included.
	var keys []string
	for _, c := range h.applyCalls() {
		keys = append(keys, c.IdempotencyKey)
	}
	assert.Equal(t, []string{
		first.IdempotencyKey,
		other.IdempotencyKey,
		first.IdempotencyKey,
		second.IdempotencyKey,
	}, keys)
}

func TestSync_adoptsServerChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.remote.Set(models.EntityCart, "p9", json.RawMessage(`{"productId":"p9","quantity":4}`))
	h.engine.RequestFullPull()

	result := h.sync()
	assert.True(t, result.FullPull)
	assert.Equal(t, 1, result.Pulled)
	assert.Equal(t, 4, h.cartLine("p9").Quantity)
	rec, err := h.st.Get(ctx, models.EntityCart, "p9")
	require.NoError(t, err)
	adoptedVersion := rec.Version

	h.remote.Set(models.EntityCart, "p9", json.RawMessage(`{"productId":"p9","quantity":6}`))
	h.engine.RequestFullPull()
	result = h.sync()
	assert.Equal(t, 1, result.Pulled)
	rec, err = h.st.Get(ctx, models.EntityCart, "p9")
	require.NoError(t, err)
	assert.Equal(t, 6, h.cartLine("p9").Quantity)
	assert.Greater(t, rec.Version, adoptedVersion)

	h.remote.Remove(models.EntityCart, "p9")
	h.engine.RequestFullPull()
	result = h.sync()
	assert.Equal(t, 1, result.Pulled)
	_, err = h.st.Get(ctx, models.EntityCart, "p9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	meta := h.meta(models.EntityCart, "p9")
	assert.True(t, meta.Deleted)
	assert.Greater(t, meta.LocalVersion, rec.Version)
	assert.Equal(t, models.SyncStatusSynced, meta.SyncStatus)
}

func TestSync_withoutFullPullIgnoresUntrackedKeys(t *testing.T) {
	h := newHarness(t)
	h.remote.Set(models.EntityCart, "p9", json.RawMessage(`{"productId":"p9","quantity":4}`))

	result := h.sync()
	assert.False(t, result.FullPull)
	assert.Zero(t, result.Pulled)
}

func TestSync_periodicFullPull(t *testing.T) {
	h := newHarness(t)
	h.engine.fullPullInterval = time.Hour
	h.remote.Set(models.EntityWishlist, "w1", json.RawMessage(`{"productId":"w1"}`))

	result := h.sync()
	assert.True(t, result.FullPull)
	assert.Equal(t, 1, result.Pulled)

	result = h.sync()
	assert.False(t, result.FullPull, "interval has not elapsed")
}

func TestSync_pushesLocalState(t *testing.T) {
	h := newHarness(t)
	key := models.Key(models.EntityPreference, "theme")

	h.mutate(key, map[string]string{"value": "dark"})
	result := h.sync()
	assert.Equal(t, 1, result.Pushed)

	ent := h.remote.Get(models.EntityPreference, "theme")
	require.NotNil(t, ent)
	assert.JSONEq(t, `{"value":"dark"}`, string(ent.Payload))
	meta := h.meta(models.EntityPreference, "theme")
	assert.Equal(t, models.SyncStatusSynced, meta.SyncStatus)
	assert.Equal(t, ent.Version, meta.ServerVersion)

	h.mutate(key, nil)
	result = h.sync()
	assert.Equal(t, 1, result.Pushed)
	assert.Nil(t, h.remote.Get(models.EntityPreference, "theme"))
	assert.True(t, h.meta(models.EntityPreference, "theme").Deleted)
}

func TestSync_pullOnlyTypesAreNeverPushed(t *testing.T) {
	h := newHarness(t)
	h.remote.Set(models.EntityProduct, "sku", json.RawMessage(`{"name":"server"}`))
	h.mutate(models.Key(models.EntityProduct, "sku"), map[string]string{"name": "local"})

	result := h.sync()
	assert.Zero(t, result.Pushed)
	assert.Zero(t, result.Conflicts)
	assert.Equal(t, 1, result.Pulled)

	rec, err := h.st.Get(context.Background(), models.EntityProduct, "sku")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"server"}`, string(rec.Payload))
}

func TestSync_pushRaceLeavesKeyPending(t *testing.T) {
	h := newHarness(t)
	key := models.Key(models.EntityPreference, "lang")

	h.mutate(key, map[string]string{"value": "en"})
	h.sync()
	h.mutate(key, map[string]string{"value": "fr"})

	raced := false
	h.remote.OnCall = func(c remote.Call) {
		if c.Op == remote.OpPush && !raced {
			raced = true
			h.remote.Set(models.EntityPreference, "lang", json.RawMessage(`{"value":"de"}`))
		}
	}

	result := h.sync()
	assert.Equal(t, 1, result.Failed)
	meta := h.meta(models.EntityPreference, "lang")
	assert.Equal(t, models.SyncStatusPending, meta.SyncStatus)
	assert.NotEmpty(t, meta.LastError)

	// The next cycle sees both sides moved.
	result = h.sync()
	assert.Equal(t, 1, result.Conflicts)
}

func TestSync_replayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := h.addToCart("p1", 2)
	action, err := queue.Decode(item.Action, item.Data)
	require.NoError(t, err)

	// A previous attempt reached the remote but its answer was lost.
	_, err = h.remote.Apply(ctx, action, item.IdempotencyKey)
	require.NoError(t, err)

	result := h.sync()
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, h.remote.Effects())
	assert.Equal(t, 2, h.serverLine("p1").Quantity)
	assert.Equal(t, 2, h.cartLine("p1").Quantity)
	assert.Equal(t, models.SyncStatusSynced, h.meta(models.EntityCart, "p1").SyncStatus)
}

func TestSync_entitylessActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, &queue.EmailSignup{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = h.queue.Enqueue(ctx, &queue.EmailSignup{Email: "b@example.com"})
	require.NoError(t, err)

	result := h.sync()
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, h.remote.Subscribers())
}

// stallingRemote holds the first Apply until its deadline passes.
type stallingRemote struct {
	*remote.Memory
	stalled bool
}

func (r *stallingRemote) Apply(ctx context.Context, a queue.Action, idempotencyKey string) (*models.RemoteEntity, error) {
	if !r.stalled {
		r.stalled = true
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r.Memory.Apply(ctx, a, idempotencyKey)
}

func TestSync_timedOutCallIsRetriedNextCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	slow := &stallingRemote{Memory: h.remote}
	h.engine = NewSyncEngine(Options{
		Store:       h.st,
		Queue:       h.queue,
		Locks:       h.locks,
		Remote:      slow,
		Publisher:   events.NewPublisher(),
		CallTimeout: 20 * time.Millisecond,
	})

	first, err := h.queue.Enqueue(ctx, &queue.EmailSignup{Email: "a@example.com"})
	require.NoError(t, err)

	result := h.sync()
	assert.Equal(t, 1, result.Failed)

	item, err := h.st.GetQueueItem(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, item.Synced)
	assert.Equal(t, 1, item.RetryCount)
	assert.Contains(t, item.LastError, context.DeadlineExceeded.Error())

	status, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, status.ErrorCount, 1)

	_, err = h.queue.Enqueue(ctx, &queue.EmailSignup{Email: "b@example.com"})
	require.NoError(t, err)

	result = h.sync()
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, h.remote.Subscribers())
}

func TestSync_versionsNeverDecrease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := models.Key(models.EntityCart, "p1")

	var last int64
	check := func(step string) {
		t.Helper()
		var v int64
		if rec, err := h.st.Get(ctx, key.Type, key.ID); err == nil {
			v = rec.Version
		}
		if meta, err := h.st.GetMetadata(ctx, key.Type, key.ID); err == nil {
			v = max(v, meta.LocalVersion)
			assert.LessOrEqual(t, meta.Version, meta.LocalVersion, step)
		}
		assert.GreaterOrEqual(t, v, last, step)
		last = v
	}

	h.addToCart("p1", 1)
	check("add")
	h.sync()
	check("sync")
	h.remote.Set(key.Type, key.ID, json.RawMessage(`{"productId":"p1","quantity":9}`))
	h.engine.RequestFullPull()
	h.sync()
	check("adopt")
	h.mutate(key, nil)
	check("local delete")
	h.sync()
	check("push delete")
	h.addToCart("p1", 1)
	check("recreate")
	h.sync()
	check("final")
	assert.Equal(t, 1, h.serverLine("p1").Quantity)
}

func TestSync_cancelledBetweenItems(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.addToCart("p1", 1)
	h.addToCart("p2", 1)
	h.remote.OnCall = func(c remote.Call) {
		if c.Op == remote.OpApply {
			cancel()
		}
	}

	result, err := h.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, result.Cancelled)
	assert.Equal(t, 1, result.Applied, "the in-flight call completes")

	items, err := h.queue.ListUnsynced(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "p2", items[0].EntityID)

	_, ok, err := h.st.GetSetting(context.Background(), store.SettingLastSyncTime)
	require.NoError(t, err)
	assert.False(t, ok)

	last := h.events[len(h.events)-1]
	completed, isCompleted := last.Data.(events.SyncCompleted)
	require.True(t, isCompleted)
	assert.True(t, completed.Cancelled)
}

func TestSync_cancelledDuringFetchDoesNotPush(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := models.Key(models.EntityCart, "p1")
	h.mutate(key, models.CartLine{ProductID: "p1", Quantity: 2})
	h.remote.OnCall = func(c remote.Call) {
		if c.Op == remote.OpFetch {
			cancel()
		}
	}

	result, err := h.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, result.Cancelled)
	assert.Zero(t, result.Pushed)

	var ops []remote.Op
	for _, c := range h.remote.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []remote.Op{remote.OpPing, remote.OpFetch}, ops)
	assert.Nil(t, h.remote.Get(key.Type, key.ID))
	assert.Equal(t, models.SyncStatusPending, h.meta(key.Type, key.ID).SyncStatus)

	_, ok, err := h.st.GetSetting(context.Background(), store.SettingLastSyncTime)
	require.NoError(t, err)
	assert.False(t, ok)

	h.remote.OnCall = nil
	result = h.sync()
	assert.Equal(t, 1, result.Pushed)
	assert.Equal(t, 2, h.serverLine("p1").Quantity)
}

func TestSync_cancelledDuringFullPullStopsListing(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.engine.RequestFullPull()
	h.remote.OnCall = func(c remote.Call) {
		if c.Op == remote.OpList {
			cancel()
		}
	}

	result, err := h.engine.Sync(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.True(t, result.Cancelled)

	lists := 0
	for _, c := range h.remote.Calls() {
		if c.Op == remote.OpList {
			lists++
		}
	}
	assert.Equal(t, 1, lists, "no listing starts after cancellation")
}

func TestSync_offline(t *testing.T) {
	t.Run("remote unreachable", func(t *testing.T) {
		h := newHarness(t)
		h.addToCart("p1", 1)
		h.remote.SetOffline(true)

		_, err := h.engine.Sync(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOffline))
		assert.Equal(t, StateError, h.engine.State())

		require.Len(t, h.events, 1)
		syncErr, ok := h.events[0].Data.(events.SyncError)
		require.True(t, ok)
		assert.Equal(t, "SYNC_OFFLINE", syncErr.Code)
		assert.True(t, syncErr.Retryable)

		items, err := h.queue.ListUnsynced(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Zero(t, items[0].RetryCount)
	})

	t.Run("device offline", func(t *testing.T) {
		h := newHarness(t)
		h.engine.SetConnectivity(offlineDevice{})

		_, err := h.engine.Sync(context.Background())
		assert.True(t, errors.Is(err, ErrOffline))
		assert.Empty(t, h.remote.Calls())
	})
}

func TestSync_singleCycle(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.remote.OnCall = func(c remote.Call) {
		if c.Op == remote.OpPing {
			close(started)
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Sync(context.Background())
		done <- err
	}()
	<-started

	assert.True(t, h.engine.IsRunning())
	_, err := h.engine.Sync(context.Background())
	assert.True(t, errors.Is(err, ErrSyncInProgress))

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsSyncing)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, h.engine.IsRunning())
}

func TestSync_degradedStore(t *testing.T) {
	h := newHarnessWithStore(t, store.NewDegradedStore(errors.New("disk full")))

	h.addToCart("p1", 1)
	result := h.sync()
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, 1, h.serverLine("p1").Quantity)

	meta := h.meta(models.EntityCart, "p1")
	assert.Equal(t, models.SyncStatusError, meta.SyncStatus)
	assert.Equal(t, store.DegradedMessage, meta.LastError)

	status, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	assert.Positive(t, status.ErrorCount)
}
