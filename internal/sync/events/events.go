// Package events publishes sync lifecycle events to in-process listeners
// and derives the status snapshot shown to observers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/shopsync/internal/logging"
)

// Type discriminates events.
type Type string

const (
	TypeSyncStarted      Type = "sync_started"
	TypeSyncProgress     Type = "sync_progress"
	TypeSyncCompleted    Type = "sync_completed"
	TypeSyncError        Type = "sync_error"
	TypeConflictDetected Type = "conflict_detected"
)

// Payload is implemented by every typed event payload.
type Payload interface {
	EventType() Type
}

// SyncStarted is emitted once a cycle has connectivity and knows its work.
type SyncStarted struct {
	Items    int `json:"items"`
	Entities int `json:"entities"`
}

func (SyncStarted) EventType() Type { return TypeSyncStarted }

// SyncProgress is emitted after every queue item and every reconciled entity.
type SyncProgress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Progress  int    `json:"progress"` // 0-100
	Item      string `json:"item"`
}

func (SyncProgress) EventType() Type { return TypeSyncProgress }

// SyncCompleted closes a cycle that started.
type SyncCompleted struct {
	Applied    int   `json:"applied"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
	Pushed     int   `json:"pushed"`
	Pulled     int   `json:"pulled"`
	Conflicts  int   `json:"conflicts"`
	Cancelled  bool  `json:"cancelled"`
	DurationMs int64 `json:"durationMs"`
}

func (SyncCompleted) EventType() Type { return TypeSyncCompleted }

// SyncError reports a cycle that could not start.
type SyncError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (SyncError) EventType() Type { return TypeSyncError }

// ConflictDetected is emitted when a new pending conflict is recorded.
type ConflictDetected struct {
	ConflictID string `json:"conflictId"`
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

func (ConflictDetected) EventType() Type { return TypeConflictDetected }

// Progress returns processed/total as a percentage clamped to 0-100.
func Progress(processed, total int) int {
	if total <= 0 {
		return 100
	}
	p := processed * 100 / total
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// Event is the envelope delivered to listeners and serialized to clients.
type Event struct {
	Type      Type      `json:"type"`
	Data      Payload   `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives events synchronously.
type Listener func(Event)

// ListenerID identifies a registered listener.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Publisher fans events out to listeners in registration order.
type Publisher struct {
	mu        sync.RWMutex
	listeners []registration
	nextID    ListenerID
	now       func() time.Time
}

// NewPublisher creates a Publisher with no listeners.
func NewPublisher() *Publisher {
	return &Publisher{now: time.Now}
}

// AddListener registers fn and returns an ID for RemoveListener.
func (p *Publisher) AddListener(fn Listener) ListenerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	p.listeners = append(p.listeners, registration{id: p.nextID, fn: fn})
	return p.nextID
}

// RemoveListener unregisters a listener. Unknown IDs are ignored.
func (p *Publisher) RemoveListener(id ListenerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.listeners {
		if r.id == id {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every listener. A panicking listener is
// recovered and logged; later listeners still run.
func (p *Publisher) Publish(payload Payload) Event {
	evt := Event{Type: payload.EventType(), Data: payload, Timestamp: p.now()}

	p.mu.RLock()
	listeners := make([]registration, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.RUnlock()

	for _, r := range listeners {
		deliver(r, evt)
	}
	return evt
}

func deliver(r registration, evt Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("Event listener panicked", fmt.Errorf("%v", rec), map[string]interface{}{
				"listener_id": r.id,
				"event":       string(evt.Type),
			})
		}
	}()
	r.fn(evt)
}

// LogListener writes every event to the structured log. Progress events go
// to debug level.
func LogListener(evt Event) {
	ctx := map[string]interface{}{"event": string(evt.Type), "data": evt.Data}
	switch evt.Type {
	case TypeSyncProgress:
		logging.Debug("Sync event", ctx)
	case TypeSyncError:
		logging.Warn("Sync event", ctx)
	default:
		logging.Info("Sync event", ctx)
	}
}
