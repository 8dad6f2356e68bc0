package models

import (
	"encoding/json"
	"time"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionLocal   Resolution = "local"
	ResolutionServer  Resolution = "server"
	ResolutionManual  Resolution = "manual"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionPending, ResolutionLocal, ResolutionServer, ResolutionManual:
		return true
	}
	return false
}

// Conflict records a divergence between the local and remote value of one entity.
// Values are JSON null when that side deleted the entity.
type Conflict struct {
	ID             string          `db:"id" json:"id"`
	EntityType     EntityType      `db:"entity_type" json:"entityType"`
	EntityID       string          `db:"entity_id" json:"entityId"`
	LocalValue     json.RawMessage `db:"local_value" json:"localValue"`
	ServerValue    json.RawMessage `db:"server_value" json:"serverValue"`
	LocalRevision  int64           `db:"local_revision" json:"localRevision"`
	ServerRevision int64           `db:"server_revision" json:"serverRevision"`
	Resolution     Resolution      `db:"resolution" json:"resolution"`
	ResolvedValue  json.RawMessage `db:"resolved_value" json:"resolvedValue,omitempty"`
	Timestamp      int64           `db:"timestamp" json:"timestamp"`
	ResolvedAt     int64           `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// TableName returns the table name for Conflict.
func (Conflict) TableName() string {
	return "conflict_log"
}

// Key returns the conflict's entity key.
func (c *Conflict) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}

// Pending reports whether the conflict still awaits a resolution.
func (c *Conflict) Pending() bool {
	return c.Resolution == ResolutionPending
}

// DetectedAtTime returns the detection timestamp as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Clone returns a deep copy of the conflict.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	cp := *c
	cp.LocalValue = append(json.RawMessage(nil), c.LocalValue...)
	cp.ServerValue = append(json.RawMessage(nil), c.ServerValue...)
	if c.ResolvedValue != nil {
		cp.ResolvedValue = append(json.RawMessage(nil), c.ResolvedValue...)
	}
	return &cp
}
