// Package store provides the local store: cached entity records plus the
// queue, sync metadata, conflict log and settings system tables.
package store

import (
	"context"
	"errors"
	"iter"

	"github.com/kimhsiao/shopsync/internal/models"
)

// ErrNotFound is returned when a record, queue item, metadata row or conflict does not exist.
var ErrNotFound = errors.New("not found")

// DegradedMessage is recorded as lastError on every mutation made while the
// durable store is unavailable.
const DegradedMessage = "durable storage unavailable"

// Mode reports which implementation backs the store.
type Mode string

const (
	ModeDurable  Mode = "durable"
	ModeDegraded Mode = "degraded"
)

// Predicate filters records during List. A nil predicate matches everything.
type Predicate func(*models.Record) bool

// EntityStore holds cached domain objects, one table per entity type.
type EntityStore interface {
	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, t models.EntityType, id string) (*models.Record, error)

	// Put inserts or replaces a record. The write is durable when Put returns.
	Put(ctx context.Context, rec *models.Record) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, t models.EntityType, id string) error

	// List lazily yields records of one type ordered by ID. The sequence can
	// be ranged over more than once; every range re-reads the store.
	List(ctx context.Context, t models.EntityType, pred Predicate) iter.Seq2[*models.Record, error]
}

// QueueStore persists offline queue items.
type QueueStore interface {
	// AppendQueueItem assigns item.ID and stores the item.
	AppendQueueItem(ctx context.Context, item *models.QueueItem) (int64, error)

	// GetQueueItem returns one item or ErrNotFound.
	GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error)

	// ListQueueItems returns items ordered by ID ascending.
	ListQueueItems(ctx context.Context, unsyncedOnly bool) ([]*models.QueueItem, error)

	// MarkQueueItemSynced flips synced. Marking an already synced item is a no-op.
	MarkQueueItemSynced(ctx context.Context, id int64, at int64) error

	// MarkQueueItemFailed increments retryCount and records lastError on an unsynced item.
	MarkQueueItemFailed(ctx context.Context, id int64, lastError string) error

	// PurgeSyncedQueueItems deletes synced items and returns how many were removed.
	PurgeSyncedQueueItems(ctx context.Context) (int, error)

	// HasUnsyncedQueueItems reports whether any unsynced item shares blockKey.
	HasUnsyncedQueueItems(ctx context.Context, blockKey string) (bool, error)

	// HasUnsyncedQueueItemsBefore reports whether any unsynced item is older than id.
	HasUnsyncedQueueItemsBefore(ctx context.Context, id int64) (bool, error)
}

// MetadataFilter narrows ListMetadata. Zero values match everything.
type MetadataFilter struct {
	Status models.SyncStatus
	Type   models.EntityType
}

// MetadataStore persists per-key sync metadata.
type MetadataStore interface {
	GetMetadata(ctx context.Context, t models.EntityType, id string) (*models.SyncMetadata, error)
	PutMetadata(ctx context.Context, m *models.SyncMetadata) error
	DeleteMetadata(ctx context.Context, t models.EntityType, id string) error
	ListMetadata(ctx context.Context, filter MetadataFilter) ([]*models.SyncMetadata, error)
}

// ConflictStore persists the conflict log.
type ConflictStore interface {
	// CreateConflict stores c unless a pending conflict already exists for
	// the same key, in which case it returns false and stores nothing.
	CreateConflict(ctx context.Context, c *models.Conflict) (bool, error)

	GetConflict(ctx context.Context, id string) (*models.Conflict, error)

	// PendingConflict returns the open conflict for a key or ErrNotFound.
	PendingConflict(ctx context.Context, t models.EntityType, id string) (*models.Conflict, error)

	// UpdateConflict persists resolution fields.
	UpdateConflict(ctx context.Context, c *models.Conflict) error

	// ListConflicts returns conflicts ordered by detection time. An empty
	// resolution lists every conflict.
	ListConflicts(ctx context.Context, resolution models.Resolution) ([]*models.Conflict, error)
}

// SettingsStore holds small system key/value pairs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Settings keys.
const (
	SettingLastSyncTime          = "last_sync_time"
	SettingLegacyImportCompleted = "legacy_import_completed"
	SettingProbe                 = "storage_probe"
)

// Stats are the raw counts behind the status snapshot.
type Stats struct {
	UnsyncedItems    int
	FailedItems      int // unsynced items carrying a lastError
	PendingMetadata  int // pending keys without an unsynced queue item
	ErrorMetadata    int
	PendingConflicts int
}

// Store is the full local store contract.
type Store interface {
	EntityStore
	QueueStore
	MetadataStore
	ConflictStore
	SettingsStore

	Stats(ctx context.Context) (Stats, error)
	Mode() Mode
	Close() error
}

// PendingStatus is the status a fresh local mutation gets.
func PendingStatus(st Store) (models.SyncStatus, string) {
	if st.Mode() == ModeDegraded {
		return models.SyncStatusError, DegradedMessage
	}
	return models.SyncStatusPending, ""
}

// SettledStatus is the status of a key once local and remote agree.
func SettledStatus(st Store) (models.SyncStatus, string) {
	if st.Mode() == ModeDegraded {
		return models.SyncStatusError, DegradedMessage
	}
	return models.SyncStatusSynced, ""
}

// Ensure both implementations satisfy Store at compile time.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
