// Package models tests for data model definitions.
package models

import (
	"encoding/json"
	"testing"
)

// TestEntityType_Table verifies every entity type maps to its own table.
func TestEntityType_Table(t *testing.T) {
	seen := make(map[string]bool)
	for _, et := range EntityTypes {
		table := et.Table()
		if table == "" {
			t.Errorf("Table() for %q is empty", et)
		}
		if seen[table] {
			t.Errorf("Table %q is shared by more than one entity type", table)
		}
		seen[table] = true
	}

	if EntityProduct.Table() != "products" {
		t.Errorf("EntityProduct.Table() = %q, want 'products'", EntityProduct.Table())
	}
}

// TestParseEntityType verifies parsing and rejection of unknown types.
func TestParseEntityType(t *testing.T) {
	tests := []struct {
		input   string
		want    EntityType
		wantErr bool
	}{
		{"cart", EntityCart, false},
		{" Wishlist ", EntityWishlist, false},
		{"preference", EntityPreference, false},
		{"orders", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseEntityType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEntityType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEntityType(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// TestPayloadEqual verifies semantic JSON comparison.
func TestPayloadEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", `{"quantity":1}`, `{"quantity":1}`, true},
		{"key order", `{"a":1,"b":2}`, `{"b":2, "a":1}`, true},
		{"different value", `{"quantity":3}`, `{"quantity":5}`, false},
		{"both null", `null`, ``, true},
		{"null vs value", `null`, `{"quantity":1}`, false},
		{"large numbers kept exact", `{"n":9007199254740993}`, `{"n":9007199254740992}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PayloadEqual(json.RawMessage(tt.a), json.RawMessage(tt.b))
			if got != tt.want {
				t.Errorf("PayloadEqual(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// TestBlockKeyFor verifies entity actions block on the entity key and the rest on the action name.
func TestBlockKeyFor(t *testing.T) {
	key := Key(EntityCart, "42")
	if got := BlockKeyFor("add_to_cart", key, true); got != "cart/42" {
		t.Errorf("BlockKeyFor(entity) = %q, want 'cart/42'", got)
	}
	if got := BlockKeyFor("email_signup", EntityKey{}, false); got != "action:email_signup" {
		t.Errorf("BlockKeyFor(no entity) = %q, want 'action:email_signup'", got)
	}
}

// TestSyncMetadata_LocalChanged verifies baseline comparison.
func TestSyncMetadata_LocalChanged(t *testing.T) {
	m := &SyncMetadata{Version: 2, LocalVersion: 2}
	if m.LocalChanged() {
		t.Error("LocalChanged() = true for LocalVersion == Version")
	}
	m.LocalVersion = 3
	if !m.LocalChanged() {
		t.Error("LocalChanged() = false for LocalVersion > Version")
	}
}

// TestRecord_Clone verifies clones do not share payload memory.
func TestRecord_Clone(t *testing.T) {
	r := &Record{EntityType: EntityCart, EntityID: "1", Payload: json.RawMessage(`{"quantity":1}`), Version: 1}
	c := r.Clone()
	c.Payload[2] = 'X'
	if string(r.Payload) != `{"quantity":1}` {
		t.Errorf("Clone shares payload: original = %s", r.Payload)
	}
	if (*Record)(nil).Clone() != nil {
		t.Error("Clone of nil record should be nil")
	}
}

// TestVersionOf verifies absent remote entities report version 0.
func TestVersionOf(t *testing.T) {
	if VersionOf(nil) != 0 {
		t.Error("VersionOf(nil) should be 0")
	}
	if VersionOf(&RemoteEntity{Version: 7}) != 7 {
		t.Error("VersionOf should return the entity version")
	}
}

// TestResolution_Valid verifies resolution enum membership.
func TestResolution_Valid(t *testing.T) {
	for _, r := range []Resolution{ResolutionPending, ResolutionLocal, ResolutionServer, ResolutionManual} {
		if !r.Valid() {
			t.Errorf("%q should be valid", r)
		}
	}
	if Resolution("merge").Valid() {
		t.Error("'merge' should not be valid")
	}
}
