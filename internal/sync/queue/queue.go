// Package queue provides the offline action queue: a durable, replayable
// FIFO log of user intents waiting to be confirmed by the remote.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/shopsync/internal/logging"
	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/store"
	"github.com/kimhsiao/shopsync/internal/uuid"
)

// Item is a queue row together with its decoded action. Err is set, and
// Action nil, when the stored row could not be decoded.
type Item struct {
	*models.QueueItem
	Action Action
	Err    error
}

// Queue appends and replays actions through a QueueStore.
type Queue struct {
	st  store.QueueStore
	now func() time.Time
}

// New creates a Queue over st.
func New(st store.QueueStore) *Queue {
	return &Queue{st: st, now: time.Now}
}

type enqueueOptions struct {
	idempotencyKey string
	localVersion   int64
}

// Option customizes Enqueue.
type Option func(*enqueueOptions)

// WithIdempotencyKey reuses a key already sent to the remote.
func WithIdempotencyKey(key string) Option {
	return func(o *enqueueOptions) { o.idempotencyKey = key }
}

// WithLocalVersion records the record version the action produced locally.
func WithLocalVersion(v int64) Option {
	return func(o *enqueueOptions) { o.localVersion = v }
}

// Enqueue validates and durably appends a. It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, a Action, opts ...Option) (*models.QueueItem, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	options := enqueueOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.idempotencyKey == "" {
		options.idempotencyKey = uuid.New()
	}

	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Name(), err)
	}

	key, hasEntity := a.Key()
	item := &models.QueueItem{
		Action:         a.Name(),
		Data:           data,
		BlockKey:       models.BlockKeyFor(a.Name(), key, hasEntity),
		LocalVersion:   options.localVersion,
		IdempotencyKey: options.idempotencyKey,
		Timestamp:      q.now().UnixMilli(),
	}
	if hasEntity {
		item.EntityType = key.Type
		item.EntityID = key.ID
	}

	if _, err := q.st.AppendQueueItem(ctx, item); err != nil {
		return nil, err
	}
	logging.Debug("Action enqueued", map[string]interface{}{
		"queue_id":  item.ID,
		"action":    item.Action,
		"block_key": item.BlockKey,
	})
	return item, nil
}

// ListUnsynced returns unsynced items ordered by ID. Items that fail to
// decode are returned with Err set rather than dropped.
func (q *Queue) ListUnsynced(ctx context.Context) ([]*Item, error) {
	rows, err := q.st.ListQueueItems(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	items := make([]*Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, decodeItem(row))
	}
	return items, nil
}

// List returns every item still in the queue, synced or not.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	rows, err := q.st.ListQueueItems(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	items := make([]*Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, decodeItem(row))
	}
	return items, nil
}

func decodeItem(row *models.QueueItem) *Item {
	a, err := Decode(row.Action, row.Data)
	return &Item{QueueItem: row, Action: a, Err: err}
}

// MarkSynced flags the item as confirmed by the remote. Idempotent.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	return q.st.MarkQueueItemSynced(ctx, id, q.now().UnixMilli())
}

// MarkFailed increments the retry count and records cause. The item stays
// unsynced and is retried on the next cycle.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return q.st.MarkQueueItemFailed(ctx, id, msg)
}

// PurgeSynced deletes synced items.
func (q *Queue) PurgeSynced(ctx context.Context) (int, error) {
	return q.st.PurgeSyncedQueueItems(ctx)
}

// HasUnsynced reports whether an unsynced item shares blockKey.
func (q *Queue) HasUnsynced(ctx context.Context, blockKey string) (bool, error) {
	return q.st.HasUnsyncedQueueItems(ctx, blockKey)
}

// HasUnsyncedBefore reports whether an unsynced item was enqueued before id.
func (q *Queue) HasUnsyncedBefore(ctx context.Context, id int64) (bool, error) {
	return q.st.HasUnsyncedQueueItemsBefore(ctx, id)
}

// Pending returns the number of unsynced items.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	rows, err := q.st.ListQueueItems(ctx, true)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
