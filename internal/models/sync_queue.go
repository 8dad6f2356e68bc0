package models

import "encoding/json"

// QueueItem is one durable, replayable user intent in the offline queue.
type QueueItem struct {
	ID             int64           `db:"id" json:"id"`
	Action         string          `db:"action" json:"action"`
	Data           json.RawMessage `db:"data" json:"data"`
	EntityType     EntityType      `db:"entity_type" json:"entityType,omitempty"`
	EntityID       string          `db:"entity_id" json:"entityId,omitempty"`
	BlockKey       string          `db:"block_key" json:"blockKey"`
	LocalVersion   int64           `db:"local_version" json:"localVersion,omitempty"` // record version produced by this action
	IdempotencyKey string          `db:"idempotency_key" json:"idempotencyKey"`
	Timestamp      int64           `db:"timestamp" json:"timestamp"`
	Synced         bool            `db:"synced" json:"synced"`
	SyncedAt       int64           `db:"synced_at" json:"syncedAt,omitempty"`
	RetryCount     int             `db:"retry_count" json:"retryCount"`
	LastError      string          `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "offline_queue"
}

// HasEntity reports whether the item targets a specific entity.
func (q *QueueItem) HasEntity() bool {
	return q.EntityType != "" && q.EntityID != ""
}

// Key returns the entity key the item targets. Only meaningful when HasEntity is true.
func (q *QueueItem) Key() EntityKey {
	return EntityKey{Type: q.EntityType, ID: q.EntityID}
}

// BlockKeyFor returns the ordering key for an action: the entity key when the
// action targets an entity, otherwise the action name.
func BlockKeyFor(action string, key EntityKey, hasEntity bool) string {
	if hasEntity {
		return key.String()
	}
	return "action:" + action
}

// Clone returns a deep copy of the item.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	c.Data = append(json.RawMessage(nil), q.Data...)
	return &c
}
