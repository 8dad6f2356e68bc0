package models

// SyncStatus is the reconciliation state of one entity key.
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// SyncMetadata tracks the sync baseline of one (entityType, entityId) key.
//
// Version is the local version last confirmed synced and ServerVersion the
// remote version seen at that moment. LocalVersion is the current local
// counter; it survives deletion of the record so a recreated entity keeps
// counting upward.
type SyncMetadata struct {
	EntityType    EntityType `db:"entity_type" json:"entityType"`
	EntityID      string     `db:"entity_id" json:"entityId"`
	Version       int64      `db:"version" json:"version"`
	ServerVersion int64      `db:"server_version" json:"serverVersion"`
	LocalVersion  int64      `db:"local_version" json:"localVersion"`
	Deleted       bool       `db:"deleted" json:"deleted"`
	SyncStatus    SyncStatus `db:"sync_status" json:"syncStatus"`
	LastSyncedAt  int64      `db:"last_synced_at" json:"lastSyncedAt,omitempty"`
	LastError     string     `db:"last_error" json:"lastError,omitempty"`
	UpdatedAt     int64      `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}

// Key returns the metadata's entity key.
func (m *SyncMetadata) Key() EntityKey {
	return EntityKey{Type: m.EntityType, ID: m.EntityID}
}

// LocalChanged reports whether the local side moved past its synced baseline.
func (m *SyncMetadata) LocalChanged() bool {
	return m.LocalVersion > m.Version
}

// Clone returns a copy of the metadata.
func (m *SyncMetadata) Clone() *SyncMetadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}
