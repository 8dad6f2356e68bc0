package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/kimhsiao/shopsync/internal/models"
)

// MemoryStore is a non-durable Store. It backs degraded mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	mode      Mode
	reason    error
	records   map[models.EntityType]map[string]*models.Record
	queue     []*models.QueueItem // ordered by ID
	nextID    int64
	metadata  map[models.EntityKey]*models.SyncMetadata
	conflicts map[string]*models.Conflict
	settings  map[string]string
}

// NewMemoryStore creates an empty in-memory store reporting ModeDurable.
// Use NewDegradedStore when it stands in for a failed durable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mode:      ModeDurable,
		records:   make(map[models.EntityType]map[string]*models.Record),
		nextID:    1,
		metadata:  make(map[models.EntityKey]*models.SyncMetadata),
		conflicts: make(map[string]*models.Conflict),
		settings:  make(map[string]string),
	}
}

// NewDegradedStore creates an in-memory store that reports ModeDegraded.
func NewDegradedStore(reason error) *MemoryStore {
	s := NewMemoryStore()
	s.mode = ModeDegraded
	s.reason = reason
	return s
}

// Mode implements Store.
func (s *MemoryStore) Mode() Mode {
	return s.mode
}

// Reason returns why the durable store could not be used, if degraded.
func (s *MemoryStore) Reason() error {
	return s.reason
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Get implements EntityStore.
func (s *MemoryStore) Get(ctx context.Context, t models.EntityType, id string) (*models.Record, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[t][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Put implements EntityStore.
func (s *MemoryStore) Put(ctx context.Context, rec *models.Record) error {
	if !rec.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.records[rec.EntityType]
	if !ok {
		table = make(map[string]*models.Record)
		s.records[rec.EntityType] = table
	}
	stored := rec.Clone()
	if existing, ok := table[rec.EntityID]; ok {
		stored.AddedAt = existing.AddedAt
	}
	table[rec.EntityID] = stored
	return nil
}

// Delete implements EntityStore.
func (s *MemoryStore) Delete(ctx context.Context, t models.EntityType, id string) error {
	if !t.Valid() {
		return fmt.Errorf("unknown entity type %q", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[t], id)
	return nil
}

// List implements EntityStore. Each range takes a fresh snapshot of the IDs.
func (s *MemoryStore) List(ctx context.Context, t models.EntityType, pred Predicate) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		if !t.Valid() {
			yield(nil, fmt.Errorf("unknown entity type %q", t))
			return
		}

		s.mu.RLock()
		ids := make([]string, 0, len(s.records[t]))
		for id := range s.records[t] {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			s.mu.RLock()
			rec, ok := s.records[t][id]
			if ok {
				rec = rec.Clone()
			}
			s.mu.RUnlock()
			if !ok || (pred != nil && !pred(rec)) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// AppendQueueItem implements QueueStore.
func (s *MemoryStore) AppendQueueItem(ctx context.Context, item *models.QueueItem) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.queue {
		if existing.IdempotencyKey == item.IdempotencyKey {
			return 0, fmt.Errorf("append queue item: duplicate idempotency key %q", item.IdempotencyKey)
		}
	}
	item.ID = s.nextID
	s.nextID++
	s.queue = append(s.queue, item.Clone())
	return item.ID, nil
}

func (s *MemoryStore) findItem(id int64) *models.QueueItem {
	i := sort.Search(len(s.queue), func(i int) bool { return s.queue[i].ID >= id })
	if i < len(s.queue) && s.queue[i].ID == id {
		return s.queue[i]
	}
	return nil
}

// GetQueueItem implements QueueStore.
func (s *MemoryStore) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item := s.findItem(id)
	if item == nil {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

// ListQueueItems implements QueueStore.
func (s *MemoryStore) ListQueueItems(ctx context.Context, unsyncedOnly bool) ([]*models.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.QueueItem
	for _, item := range s.queue {
		if unsyncedOnly && item.Synced {
			continue
		}
		out = append(out, item.Clone())
	}
	return out, nil
}

// MarkQueueItemSynced implements QueueStore.
func (s *MemoryStore) MarkQueueItemSynced(ctx context.Context, id int64, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(id)
	if item == nil {
		return ErrNotFound
	}
	if !item.Synced {
		item.Synced = true
		item.SyncedAt = at
	}
	return nil
}

// MarkQueueItemFailed implements QueueStore.
func (s *MemoryStore) MarkQueueItemFailed(ctx context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.findItem(id)
	if item == nil {
		return ErrNotFound
	}
	if !item.Synced {
		item.RetryCount++
		item.LastError = lastError
	}
	return nil
}

// PurgeSyncedQueueItems implements QueueStore.
func (s *MemoryStore) PurgeSyncedQueueItems(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	purged := 0
	for _, item := range s.queue {
		if item.Synced {
			purged++
			continue
		}
		kept = append(kept, item)
	}
	s.queue = kept
	return purged, nil
}

// HasUnsyncedQueueItems implements QueueStore.
func (s *MemoryStore) HasUnsyncedQueueItems(ctx context.Context, blockKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasUnsyncedLocked(blockKey), nil
}

// HasUnsyncedQueueItemsBefore implements QueueStore.
func (s *MemoryStore) HasUnsyncedQueueItemsBefore(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.queue {
		if !item.Synced && item.ID < id {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) hasUnsyncedLocked(blockKey string) bool {
	for _, item := range s.queue {
		if !item.Synced && item.BlockKey == blockKey {
			return true
		}
	}
	return false
}

// GetMetadata implements MetadataStore.
func (s *MemoryStore) GetMetadata(ctx context.Context, t models.EntityType, id string) (*models.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[models.Key(t, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// PutMetadata implements MetadataStore.
func (s *MemoryStore) PutMetadata(ctx context.Context, m *models.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[m.Key()] = m.Clone()
	return nil
}

// DeleteMetadata implements MetadataStore.
func (s *MemoryStore) DeleteMetadata(ctx context.Context, t models.EntityType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, models.Key(t, id))
	return nil
}

// ListMetadata implements MetadataStore.
func (s *MemoryStore) ListMetadata(ctx context.Context, filter MetadataFilter) ([]*models.SyncMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.SyncMetadata
	for _, m := range s.metadata {
		if filter.Status != "" && m.SyncStatus != filter.Status {
			continue
		}
		if filter.Type != "" && m.EntityType != filter.Type {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out, nil
}

// CreateConflict implements ConflictStore.
func (s *MemoryStore) CreateConflict(ctx context.Context, c *models.Conflict) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conflicts[c.ID]; exists {
		return false, nil
	}
	if c.Pending() && s.pendingLocked(c.Key()) != nil {
		return false, nil
	}
	stored := c.Clone()
	if len(stored.LocalValue) == 0 {
		stored.LocalValue = models.NullPayload
	}
	if len(stored.ServerValue) == 0 {
		stored.ServerValue = models.NullPayload
	}
	s.conflicts[c.ID] = stored
	return true, nil
}

func (s *MemoryStore) pendingLocked(key models.EntityKey) *models.Conflict {
	for _, c := range s.conflicts {
		if c.Pending() && c.Key() == key {
			return c
		}
	}
	return nil
}

// GetConflict implements ConflictStore.
func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// PendingConflict implements ConflictStore.
func (s *MemoryStore) PendingConflict(ctx context.Context, t models.EntityType, id string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.pendingLocked(models.Key(t, id))
	if c == nil {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// UpdateConflict implements ConflictStore.
func (s *MemoryStore) UpdateConflict(ctx context.Context, c *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conflicts[c.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Resolution = c.Resolution
	existing.ResolvedValue = append([]byte(nil), c.ResolvedValue...)
	if c.ResolvedValue == nil {
		existing.ResolvedValue = nil
	}
	existing.ResolvedAt = c.ResolvedAt
	return nil
}

// ListConflicts implements ConflictStore.
func (s *MemoryStore) ListConflicts(ctx context.Context, resolution models.Resolution) ([]*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Conflict
	for _, c := range s.conflicts {
		if resolution != "" && c.Resolution != resolution {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetSetting implements SettingsStore.
func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

// PutSetting implements SettingsStore.
func (s *MemoryStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Stats
	for _, item := range s.queue {
		if item.Synced {
			continue
		}
		stats.UnsyncedItems++
		if item.LastError != "" {
			stats.FailedItems++
		}
	}
	for key, m := range s.metadata {
		switch m.SyncStatus {
		case models.SyncStatusPending:
			if !s.hasUnsyncedLocked(key.String()) {
				stats.PendingMetadata++
			}
		case models.SyncStatusError:
			stats.ErrorMetadata++
		}
	}
	for _, c := range s.conflicts {
		if c.Pending() {
			stats.PendingConflicts++
		}
	}
	return stats, nil
}
