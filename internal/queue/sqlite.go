package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"offsync/internal/domain"
)

// ErrStorageUnavailable means the local store cannot accept the write: the
// database is unusable or the queue is saturated with pending work and nothing
// synced is left to evict. Callers must surface this, never swallow it.
var ErrStorageUnavailable = errors.New("action storage unavailable")

const (
	DefaultMaxEntries = 1000
	DefaultMaxRetries = 5
	DefaultEvictBatch = 50
	DefaultListLimit  = 50
)

// EnsureSchema creates tables if they don't exist.
//
// Timestamps are stored as unix nanoseconds so that same-priority entries
// enqueued within the same second still drain oldest-first.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS actions (
  id TEXT PRIMARY KEY,
  action_type TEXT NOT NULL,
  tenant_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  idempotency_key TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 3 CHECK(priority BETWEEN 1 AND 5),
  synced INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  created_at INTEGER NOT NULL,
  synced_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_idem ON actions(idempotency_key);
CREATE INDEX IF NOT EXISTS idx_actions_pending ON actions(synced, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_actions_type ON actions(action_type);
CREATE INDEX IF NOT EXISTS idx_actions_tenant ON actions(tenant_id);
CREATE TABLE IF NOT EXISTS sync_lease (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  holder TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	Enqueue(ctx context.Context, actionType, tenantID string, payload json.RawMessage, priority int) (string, error)
	EnqueueWithKey(ctx context.Context, actionType, tenantID string, payload json.RawMessage, priority int, idempotencyKey string) (string, error)
	ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	ListRetryable(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	Get(ctx context.Context, id string) (domain.QueueEntry, error)
	MarkSynced(ctx context.Context, id string) error
	RecordRetryFailure(ctx context.Context, id, errStr string) (int, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) (domain.Stats, error)
	PurgeStaleFailed(ctx context.Context, maxAge time.Duration) (int, error)
	PurgeSynced(ctx context.Context, maxAge time.Duration) (int, error)
	Clear(ctx context.Context) error

	// Drain lease: at most one synchronizer drains the shared store at a time.
	AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, holder string) error

	MaxRetries() int
}

// Options bound the store. Zero values take the package defaults.
type Options struct {
	MaxEntries int // size bound on total entries
	MaxRetries int // pending entries at or past this count as failed
	EvictBatch int // oldest synced entries removed per bound enforcement
}

type sqliteStore struct {
	db         *sql.DB
	maxEntries int
	maxRetries int
	evictBatch int
}

func NewSQLiteStore(db *sql.DB, opts Options) Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.EvictBatch <= 0 {
		opts.EvictBatch = DefaultEvictBatch
	}
	return &sqliteStore{db: db, maxEntries: opts.MaxEntries, maxRetries: opts.MaxRetries, evictBatch: opts.EvictBatch}
}

func (s *sqliteStore) MaxRetries() int { return s.maxRetries }

func (s *sqliteStore) Enqueue(ctx context.Context, actionType, tenantID string, payload json.RawMessage, priority int) (string, error) {
	return s.EnqueueWithKey(ctx, actionType, tenantID, payload, priority, "")
}

// EnqueueWithKey stores an entry under a caller-supplied idempotency key, so a
// failed online attempt and its queued replay present the same key to the
// backend. An empty key gets a generated one; a key already stored dedupes to
// the existing entry.
func (s *sqliteStore) EnqueueWithKey(ctx context.Context, actionType, tenantID string, payload json.RawMessage, priority int, idempotencyKey string) (string, error) {
	if priority < domain.PriorityLow || priority > domain.PriorityCritical {
		priority = domain.PriorityDefault
	}
	if tenantID == "" {
		tenantID = domain.TenantPlatform
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	} else {
		row := s.db.QueryRowContext(ctx, "SELECT id FROM actions WHERE idempotency_key = ?", idempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	if err := s.enforceBound(ctx); err != nil {
		return "", err
	}

	id := "act_" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actions (id,action_type,tenant_id,payload,idempotency_key,priority,synced,retry_count,created_at)
VALUES (?,?,?,?,?,?,0,0,?)
`, id, actionType, tenantID, []byte(payload), idempotencyKey, priority, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("%w: insert: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

// enforceBound evicts oldest synced entries when the queue is at capacity.
// Pending entries are never evicted; a queue full of pending work is a hard
// failure the caller must see.
func (s *sqliteStore) enforceBound(ctx context.Context) error {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM actions").Scan(&total); err != nil {
		return fmt.Errorf("%w: count: %v", ErrStorageUnavailable, err)
	}
	if total < s.maxEntries {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM actions WHERE id IN (
  SELECT id FROM actions WHERE synced=1 ORDER BY created_at ASC LIMIT ?
)`, s.evictBatch)
	if err != nil {
		return fmt.Errorf("%w: evict: %v", ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: queue full with %d pending entries", ErrStorageUnavailable, total)
	}
	return nil
}

const entryCols = "id,action_type,tenant_id,payload,idempotency_key,priority,synced,retry_count,last_error,created_at,synced_at"

func scanEntry(row interface{ Scan(...any) error }) (domain.QueueEntry, error) {
	var (
		e         domain.QueueEntry
		payload   []byte
		lastErr   sql.NullString
		createdAt int64
		syncedAt  sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.ActionType, &e.TenantID, &payload, &e.IdempotencyKey,
		&e.Priority, &e.Synced, &e.RetryCount, &lastErr, &createdAt, &syncedAt)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	e.Payload = json.RawMessage(payload)
	if lastErr.Valid {
		v := lastErr.String
		e.LastError = &v
	}
	e.CreatedAt = time.Unix(0, createdAt)
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64)
		e.SyncedAt = &t
	}
	return e, nil
}

func (s *sqliteStore) listUnsynced(ctx context.Context, limit, minRetries int) ([]domain.QueueEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryCols+` FROM actions
WHERE synced=0 AND retry_count >= ?
ORDER BY priority DESC, created_at ASC
LIMIT ?`, minRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListPending returns unsynced entries, critical first, oldest first within a
// priority.
func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.listUnsynced(ctx, limit, 0)
}

// ListRetryable returns only unsynced entries that have already failed at
// least once, in the same order as ListPending.
func (s *sqliteStore) ListRetryable(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	return s.listUnsynced(ctx, limit, 1)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryCols+` FROM actions WHERE id=?`, id)
	return scanEntry(row)
}

// MarkSynced is a no-op if the entry was already synced or deleted; cleanup
// and sync passes may race on the same id.
func (s *sqliteStore) MarkSynced(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE actions SET synced=1, synced_at=? WHERE id=? AND synced=0`, time.Now().UnixNano(), id)
	return err
}

// RecordRetryFailure bumps the retry counter and stores the diagnostic,
// returning the new count. Returns 0 with no error if the entry is gone.
func (s *sqliteStore) RecordRetryFailure(ctx context.Context, id, errStr string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE actions SET retry_count=retry_count+1, last_error=? WHERE id=? AND synced=0`, errStr, id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, "SELECT retry_count FROM actions WHERE id=?", id).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM actions WHERE id=?", id)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (domain.Stats, error) {
	st := domain.Stats{ByType: map[string]int{}, ByTenant: map[string]int{}}
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN synced=0 THEN 1 ELSE 0 END),0),
       COALESCE(SUM(CASE WHEN synced=1 THEN 1 ELSE 0 END),0),
       COALESCE(SUM(CASE WHEN synced=0 AND retry_count>=? THEN 1 ELSE 0 END),0)
FROM actions`, s.maxRetries)
	if err := row.Scan(&st.Total, &st.Pending, &st.Synced, &st.Failed); err != nil {
		return domain.Stats{}, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT action_type, COUNT(*) FROM actions GROUP BY action_type")
	if err != nil {
		return domain.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return domain.Stats{}, err
		}
		st.ByType[typ] = n
	}
	if err := rows.Err(); err != nil {
		return domain.Stats{}, err
	}

	trows, err := s.db.QueryContext(ctx, "SELECT tenant_id, COUNT(*) FROM actions GROUP BY tenant_id")
	if err != nil {
		return domain.Stats{}, err
	}
	defer trows.Close()
	for trows.Next() {
		var tenant string
		var n int
		if err := trows.Scan(&tenant, &n); err != nil {
			return domain.Stats{}, err
		}
		st.ByTenant[tenant] = n
	}
	return st, trows.Err()
}

// PurgeStaleFailed removes pending entries that exhausted their retries and
// aged past the retention window.
func (s *sqliteStore) PurgeStaleFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM actions WHERE synced=0 AND retry_count>=? AND created_at < ?`, s.maxRetries, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeSynced removes synced entries past their transient retention.
func (s *sqliteStore) PurgeSynced(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	res, err := s.db.ExecContext(ctx, `
DELETE FROM actions WHERE synced=1 AND synced_at IS NOT NULL AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Clear wipes the queue. Recovery/debug only.
func (s *sqliteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM actions")
	return err
}

// AcquireLease takes the single drain lease if it is free, expired, or already
// held by this holder. Reports whether the lease was obtained.
func (s *sqliteStore) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_lease (id, holder, expires_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
WHERE sync_lease.expires_at < ? OR sync_lease.holder = excluded.holder
`, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ReleaseLease(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sync_lease SET expires_at=0 WHERE holder=?", holder)
	return err
}
