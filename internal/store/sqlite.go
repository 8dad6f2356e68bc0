package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/kimhsiao/shopsync/internal/db"
	"github.com/kimhsiao/shopsync/internal/models"
)

// listPageSize bounds how many rows List reads per query. Rows are never
// held open across a yield, so callers may use the store inside the loop.
const listPageSize = 128

// SQLiteStore is the durable Store backed by SQLite.
type SQLiteStore struct {
	db *db.DB

	// Prepared statement cache keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// OpenSQLite opens (and migrates) the database in dataDir.
func OpenSQLite(ctx context.Context, dataDir string) (*SQLiteStore, error) {
	conn, err := db.Open(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: conn}, nil
}

// NewSQLiteStore wraps an already opened database.
func NewSQLiteStore(conn *db.DB) *SQLiteStore {
	return &SQLiteStore{db: conn}
}

// Mode implements Store.
func (s *SQLiteStore) Mode() Mode {
	return ModeDurable
}

// Close closes cached statements and the database.
func (s *SQLiteStore) Close() error {
	s.stmtCache.Range(func(key, value interface{}) bool {
		value.(*sql.Stmt).Close()
		return true
	})
	return s.db.Close()
}

// stmt gets or creates a prepared statement from cache.
func (s *SQLiteStore) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if cached, ok := s.stmtCache.Load(query); ok {
		return cached.(*sql.Stmt), nil
	}

	prepared, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, prepared)
	if loaded {
		prepared.Close()
		return actual.(*sql.Stmt), nil
	}
	return prepared, nil
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	return st.ExecContext(ctx, args...)
}

func tableFor(t models.EntityType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", t)
	}
	return t.Table(), nil
}

// =====================================================
// Entity records
// =====================================================

// Get implements EntityStore.
func (s *SQLiteStore) Get(ctx context.Context, t models.EntityType, id string) (*models.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	st, err := s.stmt(ctx, "SELECT entity_id, payload, version, added_at, updated_at FROM "+table+" WHERE entity_id = ?")
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(t, st.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// Put implements EntityStore.
func (s *SQLiteStore) Put(ctx context.Context, rec *models.Record) error {
	table, err := tableFor(rec.EntityType)
	if err != nil {
		return err
	}
	query := `INSERT INTO ` + table + ` (entity_id, payload, version, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			updated_at = excluded.updated_at`
	_, err = s.exec(ctx, query, rec.EntityID, snappy.Encode(nil, rec.Payload), rec.Version, rec.AddedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Key(), err)
	}
	return nil
}

// Delete implements EntityStore.
func (s *SQLiteStore) Delete(ctx context.Context, t models.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, "DELETE FROM "+table+" WHERE entity_id = ?", id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", t, id, err)
	}
	return nil
}

// List implements EntityStore using keyset pagination.
func (s *SQLiteStore) List(ctx context.Context, t models.EntityType, pred Predicate) iter.Seq2[*models.Record, error] {
	return func(yield func(*models.Record, error) bool) {
		table, err := tableFor(t)
		if err != nil {
			yield(nil, err)
			return
		}
		query := "SELECT entity_id, payload, version, added_at, updated_at FROM " + table +
			" WHERE entity_id > ? ORDER BY entity_id LIMIT ?"

		after := ""
		for {
			page, err := s.listPage(ctx, t, query, after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if pred != nil && !pred(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].EntityID
		}
	}
}

func (s *SQLiteStore) listPage(ctx context.Context, t models.EntityType, query, after string) ([]*models.Record, error) {
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, after, listPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []*models.Record
	for rows.Next() {
		rec, err := scanRecord(t, rows)
		if err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(t models.EntityType, row scanner) (*models.Record, error) {
	rec := &models.Record{EntityType: t}
	var compressed []byte
	if err := row.Scan(&rec.EntityID, &compressed, &rec.Version, &rec.AddedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s/%s: %w", t, rec.EntityID, err)
	}
	rec.Payload = payload
	return rec, nil
}

// =====================================================
// Offline queue
// =====================================================

const queueColumns = `id, action, data, entity_type, entity_id, block_key, local_version,
	idempotency_key, timestamp, synced, synced_at, retry_count, last_error`

// AppendQueueItem implements QueueStore.
func (s *SQLiteStore) AppendQueueItem(ctx context.Context, item *models.QueueItem) (int64, error) {
	query := `INSERT INTO offline_queue (action, data, entity_type, entity_id, block_key, local_version,
		idempotency_key, timestamp, synced, synced_at, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.exec(ctx, query, item.Action, string(item.Data), string(item.EntityType), item.EntityID,
		item.BlockKey, item.LocalVersion, item.IdempotencyKey, item.Timestamp, item.Synced, item.SyncedAt,
		item.RetryCount, item.LastError)
	if err != nil {
		return 0, fmt.Errorf("append queue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	item.ID = id
	return id, nil
}

// GetQueueItem implements QueueStore.
func (s *SQLiteStore) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	st, err := s.stmt(ctx, "SELECT "+queueColumns+" FROM offline_queue WHERE id = ?")
	if err != nil {
		return nil, err
	}
	item, err := scanQueueItem(st.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ListQueueItems implements QueueStore.
func (s *SQLiteStore) ListQueueItems(ctx context.Context, unsyncedOnly bool) ([]*models.QueueItem, error) {
	query := "SELECT " + queueColumns + " FROM offline_queue ORDER BY id"
	if unsyncedOnly {
		query = "SELECT " + queueColumns + " FROM offline_queue WHERE synced = 0 ORDER BY id"
	}
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(row scanner) (*models.QueueItem, error) {
	item := &models.QueueItem{}
	var data, entityType string
	err := row.Scan(&item.ID, &item.Action, &data, &entityType, &item.EntityID, &item.BlockKey,
		&item.LocalVersion, &item.IdempotencyKey, &item.Timestamp, &item.Synced, &item.SyncedAt,
		&item.RetryCount, &item.LastError)
	if err != nil {
		return nil, err
	}
	item.Data = []byte(data)
	item.EntityType = models.EntityType(entityType)
	return item, nil
}

// MarkQueueItemSynced implements QueueStore.
func (s *SQLiteStore) MarkQueueItemSynced(ctx context.Context, id int64, at int64) error {
	res, err := s.exec(ctx, "UPDATE offline_queue SET synced = 1, synced_at = ? WHERE id = ? AND synced = 0", at, id)
	if err != nil {
		return fmt.Errorf("mark queue item %d synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already synced (no-op) or missing.
		if _, err := s.GetQueueItem(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkQueueItemFailed implements QueueStore.
func (s *SQLiteStore) MarkQueueItemFailed(ctx context.Context, id int64, lastError string) error {
	res, err := s.exec(ctx,
		"UPDATE offline_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ? AND synced = 0",
		lastError, id)
	if err != nil {
		return fmt.Errorf("mark queue item %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetQueueItem(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// PurgeSyncedQueueItems implements QueueStore.
func (s *SQLiteStore) PurgeSyncedQueueItems(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, "DELETE FROM offline_queue WHERE synced = 1")
	if err != nil {
		return 0, fmt.Errorf("purge synced queue items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// HasUnsyncedQueueItems implements QueueStore.
func (s *SQLiteStore) HasUnsyncedQueueItems(ctx context.Context, blockKey string) (bool, error) {
	st, err := s.stmt(ctx, "SELECT EXISTS(SELECT 1 FROM offline_queue WHERE block_key = ? AND synced = 0)")
	if err != nil {
		return false, err
	}
	var exists bool
	err = st.QueryRowContext(ctx, blockKey).Scan(&exists)
	return exists, err
}

// HasUnsyncedQueueItemsBefore implements QueueStore.
func (s *SQLiteStore) HasUnsyncedQueueItemsBefore(ctx context.Context, id int64) (bool, error) {
	st, err := s.stmt(ctx, "SELECT EXISTS(SELECT 1 FROM offline_queue WHERE synced = 0 AND id < ?)")
	if err != nil {
		return false, err
	}
	var exists bool
	err = st.QueryRowContext(ctx, id).Scan(&exists)
	return exists, err
}

// =====================================================
// Sync metadata
// =====================================================

const metadataColumns = `entity_type, entity_id, version, server_version, local_version, deleted,
	sync_status, last_synced_at, last_error, updated_at`

// GetMetadata implements MetadataStore.
func (s *SQLiteStore) GetMetadata(ctx context.Context, t models.EntityType, id string) (*models.SyncMetadata, error) {
	st, err := s.stmt(ctx, "SELECT "+metadataColumns+" FROM sync_metadata WHERE entity_type = ? AND entity_id = ?")
	if err != nil {
		return nil, err
	}
	m, err := scanMetadata(st.QueryRowContext(ctx, string(t), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// PutMetadata implements MetadataStore.
func (s *SQLiteStore) PutMetadata(ctx context.Context, m *models.SyncMetadata) error {
	query := `INSERT INTO sync_metadata (` + metadataColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			server_version = excluded.server_version,
			local_version = excluded.local_version,
			deleted = excluded.deleted,
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`
	_, err := s.exec(ctx, query, string(m.EntityType), m.EntityID, m.Version, m.ServerVersion, m.LocalVersion,
		m.Deleted, string(m.SyncStatus), m.LastSyncedAt, m.LastError, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put metadata %s: %w", m.Key(), err)
	}
	return nil
}

// DeleteMetadata implements MetadataStore.
func (s *SQLiteStore) DeleteMetadata(ctx context.Context, t models.EntityType, id string) error {
	_, err := s.exec(ctx, "DELETE FROM sync_metadata WHERE entity_type = ? AND entity_id = ?", string(t), id)
	return err
}

// ListMetadata implements MetadataStore.
func (s *SQLiteStore) ListMetadata(ctx context.Context, filter MetadataFilter) ([]*models.SyncMetadata, error) {
	query := "SELECT " + metadataColumns + ` FROM sync_metadata
		WHERE (? = '' OR sync_status = ?) AND (? = '' OR entity_type = ?)
		ORDER BY entity_type, entity_id`
	st, err := s.stmt(ctx, query)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, string(filter.Status), string(filter.Status), string(filter.Type), string(filter.Type))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SyncMetadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMetadata(row scanner) (*models.SyncMetadata, error) {
	m := &models.SyncMetadata{}
	var entityType, status string
	err := row.Scan(&entityType, &m.EntityID, &m.Version, &m.ServerVersion, &m.LocalVersion, &m.Deleted,
		&status, &m.LastSyncedAt, &m.LastError, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.EntityType = models.EntityType(entityType)
	m.SyncStatus = models.SyncStatus(status)
	return m, nil
}

// =====================================================
// Conflict log
// =====================================================

const conflictColumns = `id, entity_type, entity_id, local_value, server_value, local_revision,
	server_revision, resolution, resolved_value, timestamp, resolved_at`

// CreateConflict implements ConflictStore. The partial unique index on
// pending conflicts turns a duplicate into an ignored insert.
func (s *SQLiteStore) CreateConflict(ctx context.Context, c *models.Conflict) (bool, error) {
	query := `INSERT OR IGNORE INTO conflict_log (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.exec(ctx, query, c.ID, string(c.EntityType), c.EntityID, string(nullIfEmpty(c.LocalValue)),
		string(nullIfEmpty(c.ServerValue)), c.LocalRevision, c.ServerRevision, string(c.Resolution),
		nullableText(c.ResolvedValue), c.Timestamp, c.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("create conflict for %s: %w", c.Key(), err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetConflict implements ConflictStore.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	st, err := s.stmt(ctx, "SELECT "+conflictColumns+" FROM conflict_log WHERE id = ?")
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(st.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// PendingConflict implements ConflictStore.
func (s *SQLiteStore) PendingConflict(ctx context.Context, t models.EntityType, id string) (*models.Conflict, error) {
	st, err := s.stmt(ctx, "SELECT "+conflictColumns+
		" FROM conflict_log WHERE entity_type = ? AND entity_id = ? AND resolution = 'pending'")
	if err != nil {
		return nil, err
	}
	c, err := scanConflict(st.QueryRowContext(ctx, string(t), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// UpdateConflict implements ConflictStore.
func (s *SQLiteStore) UpdateConflict(ctx context.Context, c *models.Conflict) error {
	res, err := s.exec(ctx, "UPDATE conflict_log SET resolution = ?, resolved_value = ?, resolved_at = ? WHERE id = ?",
		string(c.Resolution), nullableText(c.ResolvedValue), c.ResolvedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update conflict %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConflicts implements ConflictStore.
func (s *SQLiteStore) ListConflicts(ctx context.Context, resolution models.Resolution) ([]*models.Conflict, error) {
	st, err := s.stmt(ctx, "SELECT "+conflictColumns+
		" FROM conflict_log WHERE (? = '' OR resolution = ?) ORDER BY timestamp, id")
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, string(resolution), string(resolution))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConflict(row scanner) (*models.Conflict, error) {
	c := &models.Conflict{}
	var entityType, local, server, resolution string
	var resolved sql.NullString
	err := row.Scan(&c.ID, &entityType, &c.EntityID, &local, &server, &c.LocalRevision, &c.ServerRevision,
		&resolution, &resolved, &c.Timestamp, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.EntityType = models.EntityType(entityType)
	c.LocalValue = []byte(local)
	c.ServerValue = []byte(server)
	c.Resolution = models.Resolution(resolution)
	if resolved.Valid {
		c.ResolvedValue = []byte(resolved.String)
	}
	return c, nil
}

func nullIfEmpty(p []byte) []byte {
	if len(p) == 0 {
		return models.NullPayload
	}
	return p
}

func nullableText(p []byte) interface{} {
	if p == nil {
		return nil
	}
	return string(p)
}

// =====================================================
// Settings and stats
// =====================================================

// GetSetting implements SettingsStore.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	st, err := s.stmt(ctx, "SELECT value FROM settings WHERE key = ?")
	if err != nil {
		return "", false, err
	}
	var value string
	err = st.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutSetting implements SettingsStore.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	query := `SELECT
		(SELECT COUNT(*) FROM offline_queue WHERE synced = 0),
		(SELECT COUNT(*) FROM offline_queue WHERE synced = 0 AND last_error <> ''),
		(SELECT COUNT(*) FROM sync_metadata m WHERE m.sync_status = 'pending'
			AND NOT EXISTS (SELECT 1 FROM offline_queue q
				WHERE q.synced = 0 AND q.block_key = m.entity_type || '/' || m.entity_id)),
		(SELECT COUNT(*) FROM sync_metadata WHERE sync_status = 'error'),
		(SELECT COUNT(*) FROM conflict_log WHERE resolution = 'pending')`
	st, err := s.stmt(ctx, query)
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	err = st.QueryRowContext(ctx).Scan(&stats.UnsyncedItems, &stats.FailedItems, &stats.PendingMetadata,
		&stats.ErrorMetadata, &stats.PendingConflicts)
	return stats, err
}
