// Package remote provides the remote authorities the sync engine talks to:
// an HTTP client for the real backend and an in-process authority.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNotFound is returned when the remote does not hold an entity an action needs.
	ErrNotFound = errors.New("remote: not found")

	// ErrVersionConflict is returned when a push or delete carries a stale base version.
	ErrVersionConflict = errors.New("remote: version conflict")

	// ErrUnavailable is returned when the remote cannot be reached.
	ErrUnavailable = errors.New("remote: unavailable")
)

// StatusError is an unexpected HTTP status from the remote.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote responded with status %d: %s", e.Code, e.Body)
}

// IsTransient reports whether err is worth retrying on a later cycle:
// network failures, timeouts, 5xx and 429 responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}
	return false
}
