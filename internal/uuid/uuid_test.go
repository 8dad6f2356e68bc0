// Package uuid provides unit tests for identifier generation and validation.
package uuid

import (
	"strings"
	"testing"
)

// TestNew tests that New() generates valid, unique UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID does not match v4 format: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestNewPrefixed tests prefixed identifiers keep a valid UUID body.
func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("res")
	if !strings.HasPrefix(id, "res_") {
		t.Errorf("NewPrefixed(res) = %q, want res_ prefix", id)
	}
	if !IsValid(id) {
		t.Errorf("IsValid(%q) = false, want true", id)
	}
	if TrimPrefix(id) == id {
		t.Errorf("TrimPrefix(%q) did not strip the prefix", id)
	}
}

// TestIsValid tests valid and invalid UUID v4 strings.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"prefixed", "idem_f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"empty string", "", false},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"v1 instead of v4", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"invalid variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"random string", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestValidate tests Validate() returns errors for malformed IDs.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate(New()) error = %v", err)
	}
	if err := Validate("not-a-uuid"); err == nil {
		t.Error("Validate(not-a-uuid) should fail")
	}
}

// BenchmarkNew benchmarks the New() function.
func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		New()
	}
}
