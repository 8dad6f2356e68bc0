// Package models provides data model definitions for the shopsync local store.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EntityType identifies a kind of cached domain object.
type EntityType string

const (
	EntityCart        EntityType = "cart"
	EntityWishlist    EntityType = "wishlist"
	EntityProduct     EntityType = "product"
	EntityReservation EntityType = "reservation"
	EntityUser        EntityType = "user"
	EntityPreference  EntityType = "preference"
)

// EntityTypes lists every entity type in table creation order.
var EntityTypes = []EntityType{
	EntityCart,
	EntityWishlist,
	EntityProduct,
	EntityReservation,
	EntityUser,
	EntityPreference,
}

var entityTables = map[EntityType]string{
	EntityCart:        "cart",
	EntityWishlist:    "wishlist",
	EntityProduct:     "products",
	EntityReservation: "reservations",
	EntityUser:        "users",
	EntityPreference:  "preferences",
}

// Table returns the local table holding records of this type.
func (t EntityType) Table() string {
	return entityTables[t]
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityTables[t]
	return ok
}

// PullOnly reports whether local changes of this type are never pushed.
// Products are a read-through cache of the remote catalog.
func (t EntityType) PullOnly() bool {
	return t == EntityProduct
}

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// EntityKey addresses one entity across the local store and the remote.
type EntityKey struct {
	Type EntityType `json:"entityType"`
	ID   string     `json:"entityId"`
}

// Key builds an EntityKey.
func Key(t EntityType, id string) EntityKey {
	return EntityKey{Type: t, ID: id}
}

// String renders the key as "type/id", the form used for queue block keys.
func (k EntityKey) String() string {
	return string(k.Type) + "/" + k.ID
}

// Record is a cached domain object.
type Record struct {
	EntityType EntityType      `db:"entity_type" json:"entityType"`
	EntityID   string          `db:"entity_id" json:"entityId"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Version    int64           `db:"version" json:"version"`
	AddedAt    int64           `db:"added_at" json:"addedAt"`
	UpdatedAt  int64           `db:"updated_at" json:"updatedAt"`
}

// Key returns the record's entity key.
func (r *Record) Key() EntityKey {
	return EntityKey{Type: r.EntityType, ID: r.EntityID}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	return &c
}

// RemoteEntity is the remote authority's view of one entity.
// A nil *RemoteEntity means the remote does not hold the entity.
type RemoteEntity struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
}

// VersionOf returns the version of e, or 0 when the remote holds nothing.
func VersionOf(e *RemoteEntity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

// NullPayload is the value stored in a conflict for a side that deleted the entity.
var NullPayload = json.RawMessage("null")

// IsNull reports whether p is empty or the JSON null literal.
func IsNull(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, NullPayload)
}

// PayloadEqual compares two JSON payloads semantically, ignoring key order and whitespace.
func PayloadEqual(a, b json.RawMessage) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) == IsNull(b)
	}
	ca, errA := canonical(a)
	cb, errB := canonical(b)
	if errA != nil || errB != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return bytes.Equal(ca, cb)
}

// canonical re-encodes a JSON document; encoding/json sorts map keys.
func canonical(p json.RawMessage) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
