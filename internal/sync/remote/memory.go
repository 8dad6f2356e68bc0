package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/shopsync/internal/models"
	"github.com/kimhsiao/shopsync/internal/sync/queue"
)

// Op names a remote operation, for call logs and failure injection.
type Op string

const (
	OpPing   Op = "ping"
	OpApply  Op = "apply"
	OpFetch  Op = "fetch"
	OpPush   Op = "push"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Call is one recorded remote call.
type Call struct {
	Op             Op
	Target         string // action name, "type/id" or type
	IdempotencyKey string
}

// Memory is an in-process remote authority. It keeps a version counter per
// key that survives deletes, deduplicates actions by idempotency key, and
// supports failure injection for tests and local development.
type Memory struct {
	mu          sync.Mutex
	entities    map[models.EntityKey]*models.RemoteEntity
	versions    map[models.EntityKey]int64
	applied     map[string]*models.RemoteEntity
	subscribers []string
	effects     int
	offline     bool
	failures    map[Op][]error
	calls       []Call

	// OnCall runs before every call is served, outside the lock.
	OnCall func(c Call)
}

// NewMemory creates an empty authority.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[models.EntityKey]*models.RemoteEntity),
		versions: make(map[models.EntityKey]int64),
		applied:  make(map[string]*models.RemoteEntity),
		failures: make(map[Op][]error),
	}
}

// SetOffline makes every call fail with ErrUnavailable.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (m *Memory) FailNext(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Effects returns how many actions changed remote state. Replays deduplicated
// by idempotency key do not count.
func (m *Memory) Effects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects
}

// Subscribers returns newsletter signups in arrival order.
func (m *Memory) Subscribers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribers...)
}

// Set stores payload as a server-side change and returns the new entity.
func (m *Memory) Set(t models.EntityType, id string, payload json.RawMessage) *models.RemoteEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntity(m.putLocked(models.Key(t, id), payload))
}

// Remove deletes an entity as a server-side change.
func (m *Memory) Remove(t models.EntityType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(models.Key(t, id))
}

// Get returns the stored entity or nil.
func (m *Memory) Get(t models.EntityType, id string) *models.RemoteEntity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntity(m.entities[models.Key(t, id)])
}

// begin records the call and returns an injected failure, if any.
func (m *Memory) begin(ctx context.Context, call Call) error {
	if m.OnCall != nil {
		m.OnCall(call)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	if m.offline {
		return ErrUnavailable
	}
	if pending := m.failures[call.Op]; len(pending) > 0 {
		m.failures[call.Op] = pending[1:]
		return pending[0]
	}
	return nil
}

// Ping reports whether the authority is reachable.
func (m *Memory) Ping(ctx context.Context) error {
	return m.begin(ctx, Call{Op: OpPing})
}

// Apply performs an action once per idempotency key and returns the
// resulting state of the action's entity.
func (m *Memory) Apply(ctx context.Context, a queue.Action, idempotencyKey string) (*models.RemoteEntity, error) {
	if err := m.begin(ctx, Call{Op: OpApply, Target: a.Name(), IdempotencyKey: idempotencyKey}); err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if prev, ok := m.applied[idempotencyKey]; ok {
			if key, hasEntity := a.Key(); hasEntity {
				return cloneEntity(m.entities[key]), nil
			}
			return cloneEntity(prev), nil
		}
	}

	ap := &applier{m: m}
	if err := a.Accept(ap); err != nil {
		return nil, err
	}
	m.effects++
	if idempotencyKey != "" {
		m.applied[idempotencyKey] = cloneEntity(ap.result)
	}
	return cloneEntity(ap.result), nil
}

// Fetch returns the entity or nil when the authority does not hold it.
func (m *Memory) Fetch(ctx context.Context, t models.EntityType, id string) (*models.RemoteEntity, error) {
	key := models.Key(t, id)
	if err := m.begin(ctx, Call{Op: OpFetch, Target: key.String()}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntity(m.entities[key]), nil
}

// Push replaces the entity if baseVersion matches the stored version
// (0 when absent).
func (m *Memory) Push(ctx context.Context, t models.EntityType, id string, payload json.RawMessage, baseVersion int64) (*models.RemoteEntity, error) {
	key := models.Key(t, id)
	if err := m.begin(ctx, Call{Op: OpPush, Target: key.String()}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if current := models.VersionOf(m.entities[key]); current != baseVersion {
		return nil, fmt.Errorf("%w: %s at %d, base %d", ErrVersionConflict, key, current, baseVersion)
	}
	return cloneEntity(m.putLocked(key, payload)), nil
}

// Delete removes the entity if baseVersion matches. Deleting an absent
// entity succeeds.
func (m *Memory) Delete(ctx context.Context, t models.EntityType, id string, baseVersion int64) error {
	key := models.Key(t, id)
	if err := m.begin(ctx, Call{Op: OpDelete, Target: key.String()}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entities[key]
	if !ok {
		return nil
	}
	if current.Version != baseVersion {
		return fmt.Errorf("%w: %s at %d, base %d", ErrVersionConflict, key, current.Version, baseVersion)
	}
	m.deleteLocked(key)
	return nil
}

// List returns every entity of type t ordered by ID.
func (m *Memory) List(ctx context.Context, t models.EntityType) ([]*models.RemoteEntity, error) {
	if err := m.begin(ctx, Call{Op: OpList, Target: string(t)}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.RemoteEntity
	for key, e := range m.entities {
		if key.Type == t {
			out = append(out, cloneEntity(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (m *Memory) putLocked(key models.EntityKey, payload json.RawMessage) *models.RemoteEntity {
	m.versions[key]++
	e := &models.RemoteEntity{
		EntityType: key.Type,
		EntityID:   key.ID,
		Payload:    append(json.RawMessage(nil), payload...),
		Version:    m.versions[key],
	}
	m.entities[key] = e
	return e
}

func (m *Memory) deleteLocked(key models.EntityKey) {
	if _, ok := m.entities[key]; !ok {
		return
	}
	m.versions[key]++
	delete(m.entities, key)
}

func cloneEntity(e *models.RemoteEntity) *models.RemoteEntity {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	return &c
}

// applier executes actions against the authority's state. The caller holds m.mu.
type applier struct {
	m      *Memory
	result *models.RemoteEntity
}

func (ap *applier) put(t models.EntityType, id string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ap.result = ap.m.putLocked(models.Key(t, id), payload)
	return nil
}

func (ap *applier) VisitAddToCart(a *queue.AddToCart) error {
	line := models.CartLine{ProductID: a.ProductID}
	if current, ok := ap.m.entities[models.Key(models.EntityCart, a.ProductID)]; ok {
		if err := json.Unmarshal(current.Payload, &line); err != nil {
			return err
		}
	}
	line.Quantity += a.Quantity
	return ap.put(models.EntityCart, a.ProductID, line)
}

func (ap *applier) VisitRemoveFromCart(a *queue.RemoveFromCart) error {
	ap.m.deleteLocked(models.Key(models.EntityCart, a.ProductID))
	return nil
}

func (ap *applier) VisitAddToWishlist(a *queue.AddToWishlist) error {
	key := models.Key(models.EntityWishlist, a.ProductID)
	if current, ok := ap.m.entities[key]; ok {
		ap.result = current
		return nil
	}
	return ap.put(models.EntityWishlist, a.ProductID, models.WishlistEntry{ProductID: a.ProductID})
}

func (ap *applier) VisitRemoveFromWishlist(a *queue.RemoveFromWishlist) error {
	ap.m.deleteLocked(models.Key(models.EntityWishlist, a.ProductID))
	return nil
}

func (ap *applier) VisitEmailSignup(a *queue.EmailSignup) error {
	for _, s := range ap.m.subscribers {
		if s == a.Email {
			return nil
		}
	}
	ap.m.subscribers = append(ap.m.subscribers, a.Email)
	return nil
}

func (ap *applier) VisitCreateReservation(a *queue.CreateReservation) error {
	return ap.put(models.EntityReservation, a.ReservationID, a.Reservation())
}

func (ap *applier) VisitCancelReservation(a *queue.CancelReservation) error {
	current, ok := ap.m.entities[models.Key(models.EntityReservation, a.ReservationID)]
	if !ok {
		return fmt.Errorf("%w: reservation %s", ErrNotFound, a.ReservationID)
	}
	var r models.Reservation
	if err := json.Unmarshal(current.Payload, &r); err != nil {
		return err
	}
	r.Status = models.ReservationCancelled
	return ap.put(models.EntityReservation, a.ReservationID, r)
}
