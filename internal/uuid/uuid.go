// Package uuid generates the identifiers shopsync hands out: conflict IDs,
// idempotency keys and client-side reservation IDs.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewPrefixed generates a UUID v4 with a short type prefix, e.g. "res_…".
func NewPrefixed(prefix string) string {
	return prefix + "_" + New()
}

// TrimPrefix strips a "prefix_" from a prefixed ID.
func TrimPrefix(id string) string {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		return id[i+1:]
	}
	return id
}

// IsValid checks if a string is a valid UUID v4, with or without a type prefix.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(TrimPrefix(s))
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
