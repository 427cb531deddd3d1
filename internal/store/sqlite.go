// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openleads/scraperd/internal/model"
	"github.com/openleads/scraperd/internal/normalize"
	"github.com/openleads/scraperd/internal/persistence/sqlite"
)

const (
	schemaVersion = 1
)

// SqliteStore implements Store on a single SQLite database file.
type SqliteStore struct {
	DB *sql.DB
}

var _ Store = (*SqliteStore)(nil)

// NewSqliteStore opens (or creates) the database at dbPath and runs
// migrations.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		config_json TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percent REAL NOT NULL DEFAULT 0,
		current_town TEXT,
		current_industry TEXT,
		processed_businesses INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT,
		created_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS businesses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		name_lower TEXT NOT NULL,
		phone TEXT,
		phone_norm TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		address TEXT,
		town TEXT NOT NULL,
		industry TEXT NOT NULL,
		map_url TEXT,
		created_at_ms INTEGER NOT NULL,
		UNIQUE(session_id, name_lower, phone_norm)
	);

	CREATE INDEX IF NOT EXISTS idx_businesses_session ON businesses(session_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
		current_town TEXT,
		current_industry TEXT,
		processed_businesses INTEGER NOT NULL DEFAULT 0,
		retry_snapshot BLOB,
		batch_state BLOB,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retry_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK (type IN ('navigation','lookup','extraction')),
		payload BLOB,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_ms INTEGER NOT NULL,
		exhausted INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_queue(session_id, exhausted, next_retry_ms);

	CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK (type IN ('navigation','extraction','lookup','memory')),
		name TEXT NOT NULL,
		value REAL NOT NULL,
		success INTEGER NOT NULL DEFAULT 1,
		metadata_json TEXT,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_metrics_session_type ON metrics(session_id, type);

	CREATE TABLE IF NOT EXISTS provider_cache (
		phone TEXT PRIMARY KEY,
		carrier TEXT NOT NULL,
		written_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_provider_expires ON provider_cache(expires_at_ms);

	CREATE TABLE IF NOT EXISTS queue_entries (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('waiting','active','complete','cancelled')),
		enqueued_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status_pos ON queue_entries(status, position);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// execer abstracts *sql.DB and *sql.Tx so upserts can run standalone or
// inside a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Sessions ---

const sessionCols = `session_id, user_id, config_json, status, progress_percent, current_town, current_industry, processed_businesses, summary_json, created_at_ms, started_at_ms, updated_at_ms`

func (s *SqliteStore) PutSession(ctx context.Context, sess *model.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.State.UpdatedAt.IsZero() {
		sess.State.UpdatedAt = now
	}
	return upsertSession(ctx, s.DB, sess)
}

func upsertSession(ctx context.Context, ex execer, sess *model.Session) error {
	configJSON, _ := json.Marshal(sess.Config)
	var summaryJSON any
	if sess.Summary != nil {
		b, _ := json.Marshal(sess.Summary)
		summaryJSON = string(b)
	}

	query := `
	INSERT INTO sessions (` + sessionCols + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		user_id = excluded.user_id,
		config_json = excluded.config_json,
		status = excluded.status,
		progress_percent = excluded.progress_percent,
		current_town = excluded.current_town,
		current_industry = excluded.current_industry,
		processed_businesses = excluded.processed_businesses,
		summary_json = excluded.summary_json,
		started_at_ms = excluded.started_at_ms,
		updated_at_ms = excluded.updated_at_ms
	`

	_, err := ex.ExecContext(ctx, query,
		sess.ID, sess.UserID, configJSON, string(sess.State.Status), sess.State.ProgressPercent,
		nullStr(sess.State.CurrentTown), nullStr(sess.State.CurrentIndustry), sess.State.ProcessedBusinesses,
		summaryJSON, sess.CreatedAt.UnixMilli(), t2ms(sess.State.StartedAt), sess.State.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SqliteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE session_id = ?`, id)
	return scanSession(row)
}

func (s *SqliteStore) UpdateSession(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE session_id = ?`, id))
	if err != nil {
		return nil, err
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	sess.State.UpdatedAt = time.Now().UTC()

	if err := upsertSession(ctx, tx, sess); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SqliteStore) QuerySessions(ctx context.Context, filter SessionFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionCols + ` FROM sessions WHERE 1=1`
	args := []any{}

	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}

	if len(filter.Statuses) > 0 {
		query += " AND status IN ("
		for i, st := range filter.Statuses {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, string(st))
		}
		query += ")"
	}

	query += " ORDER BY created_at_ms DESC, session_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

func (s *SqliteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id)
	return err
}

// --- Businesses ---

const businessCols = `id, session_id, name, phone, provider, address, town, industry, map_url, created_at_ms`

func (s *SqliteStore) InsertBusiness(ctx context.Context, b *model.Business) (bool, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	res, err := s.DB.ExecContext(ctx, `
	INSERT INTO businesses (session_id, name, name_lower, phone, phone_norm, provider, address, town, industry, map_url, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, name_lower, phone_norm) DO NOTHING`,
		b.SessionID, b.Name, normalize.NameKey(b.Name), nullStr(b.Phone), normalize.Phone(b.Phone),
		b.Provider, nullStr(b.Address), b.Town, b.Industry, nullStr(b.MapURL), b.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if id, err := res.LastInsertId(); err == nil {
		b.ID = id
	}
	return true, nil
}

func (s *SqliteStore) ListBusinesses(ctx context.Context, sessionID string, limit, offset int) ([]*model.Business, error) {
	query := `SELECT ` + businessCols + ` FROM businesses WHERE session_id = ? ORDER BY id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.Business
	for rows.Next() {
		var b model.Business
		var phone, address, mapURL sql.NullString
		var createdAt sql.NullInt64
		if err := rows.Scan(&b.ID, &b.SessionID, &b.Name, &phone, &b.Provider, &address, &b.Town, &b.Industry, &mapURL, &createdAt); err != nil {
			return nil, err
		}
		b.Phone = strOf(phone)
		b.Address = strOf(address)
		b.MapURL = strOf(mapURL)
		b.CreatedAt = ms2t(createdAt)
		results = append(results, &b)
	}
	return results, rows.Err()
}

func (s *SqliteStore) CountBusinesses(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM businesses WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// --- Checkpoints ---

func (s *SqliteStore) PutCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return upsertCheckpoint(ctx, s.DB, cp)
}

func upsertCheckpoint(ctx context.Context, ex execer, cp *model.Checkpoint) error {
	query := `
	INSERT INTO checkpoints (session_id, current_town, current_industry, processed_businesses, retry_snapshot, batch_state, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		current_town = excluded.current_town,
		current_industry = excluded.current_industry,
		processed_businesses = excluded.processed_businesses,
		retry_snapshot = excluded.retry_snapshot,
		batch_state = excluded.batch_state,
		updated_at_ms = excluded.updated_at_ms
	`
	_, err := ex.ExecContext(ctx, query,
		cp.SessionID, nullStr(cp.CurrentTown), nullStr(cp.CurrentIndustry), cp.ProcessedBusinesses,
		cp.RetrySnapshot, cp.BatchState, cp.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *SqliteStore) GetCheckpoint(ctx context.Context, sessionID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	var town, industry sql.NullString
	var updatedAt sql.NullInt64

	err := s.DB.QueryRowContext(ctx,
		`SELECT session_id, current_town, current_industry, processed_businesses, retry_snapshot, batch_state, updated_at_ms FROM checkpoints WHERE session_id = ?`,
		sessionID,
	).Scan(&cp.SessionID, &town, &industry, &cp.ProcessedBusinesses, &cp.RetrySnapshot, &cp.BatchState, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	cp.CurrentTown = strOf(town)
	cp.CurrentIndustry = strOf(industry)
	cp.UpdatedAt = ms2t(updatedAt)
	return &cp, nil
}

func (s *SqliteStore) DeleteCheckpoint(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM checkpoints WHERE session_id = ?", sessionID)
	return err
}

func (s *SqliteStore) UpdateSessionWithCheckpoint(ctx context.Context, sess *model.Session, cp *model.Checkpoint) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	sess.State.UpdatedAt = now
	cp.UpdatedAt = now

	if err := upsertSession(ctx, tx, sess); err != nil {
		return err
	}
	if err := upsertCheckpoint(ctx, tx, cp); err != nil {
		return err
	}

	return tx.Commit()
}

// --- Retry queue ---

const retryCols = `id, session_id, type, payload, attempts, next_retry_ms, exhausted, created_at_ms, updated_at_ms`

func (s *SqliteStore) InsertRetryItem(ctx context.Context, it *model.RetryItem) (int64, error) {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now

	res, err := s.DB.ExecContext(ctx, `
	INSERT INTO retry_queue (session_id, type, payload, attempts, next_retry_ms, exhausted, created_at_ms, updated_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		it.SessionID, string(it.Type), it.Payload, it.Attempts, it.NextRetry.UnixMilli(), it.Exhausted,
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	it.ID = id
	return id, nil
}

func (s *SqliteStore) GetRetryItem(ctx context.Context, id int64) (*model.RetryItem, error) {
	var it model.RetryItem
	var typ string
	var nextRetry, createdAt, updatedAt sql.NullInt64

	err := s.DB.QueryRowContext(ctx,
		`SELECT `+retryCols+` FROM retry_queue WHERE id = ?`, id,
	).Scan(&it.ID, &it.SessionID, &typ, &it.Payload, &it.Attempts, &nextRetry, &it.Exhausted, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	it.Type = model.RetryType(typ)
	it.NextRetry = ms2t(nextRetry)
	it.CreatedAt = ms2t(createdAt)
	it.UpdatedAt = ms2t(updatedAt)
	return &it, nil
}

func (s *SqliteStore) UpdateRetryItem(ctx context.Context, it *model.RetryItem) error {
	it.UpdatedAt = time.Now().UTC()

	res, err := s.DB.ExecContext(ctx, `
	UPDATE retry_queue SET attempts = ?, next_retry_ms = ?, exhausted = ?, payload = ?, updated_at_ms = ?
	WHERE id = ?`,
		it.Attempts, it.NextRetry.UnixMilli(), it.Exhausted, it.Payload, it.UpdatedAt.UnixMilli(), it.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) DeleteRetryItem(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM retry_queue WHERE id = ?", id)
	return err
}

func (s *SqliteStore) DueRetryItems(ctx context.Context, sessionID string, now time.Time, limit int) ([]*model.RetryItem, error) {
	query := `SELECT ` + retryCols + ` FROM retry_queue WHERE session_id = ? AND exhausted = 0 AND next_retry_ms <= ? ORDER BY next_retry_ms ASC, id ASC`
	args := []any{sessionID, now.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryRetryItems(ctx, query, args...)
}

func (s *SqliteStore) ListRetryItems(ctx context.Context, sessionID string, includeExhausted bool) ([]*model.RetryItem, error) {
	query := `SELECT ` + retryCols + ` FROM retry_queue WHERE session_id = ?`
	if !includeExhausted {
		query += " AND exhausted = 0"
	}
	query += " ORDER BY id ASC"
	return s.queryRetryItems(ctx, query, sessionID)
}

func (s *SqliteStore) CountPendingRetries(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM retry_queue WHERE session_id = ? AND exhausted = 0", sessionID,
	).Scan(&n)
	return n, err
}

func (s *SqliteStore) CountPendingRetriesByType(ctx context.Context, sessionID string) (map[model.RetryType]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM retry_queue WHERE session_id = ? AND exhausted = 0 GROUP BY type", sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.RetryType]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[model.RetryType(typ)] = n
	}
	return counts, rows.Err()
}

func (s *SqliteStore) queryRetryItems(ctx context.Context, query string, args ...any) ([]*model.RetryItem, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.RetryItem
	for rows.Next() {
		var it model.RetryItem
		var typ string
		var nextRetry, createdAt, updatedAt sql.NullInt64
		if err := rows.Scan(&it.ID, &it.SessionID, &typ, &it.Payload, &it.Attempts, &nextRetry, &it.Exhausted, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		it.Type = model.RetryType(typ)
		it.NextRetry = ms2t(nextRetry)
		it.CreatedAt = ms2t(createdAt)
		it.UpdatedAt = ms2t(updatedAt)
		results = append(results, &it)
	}
	return results, rows.Err()
}

// --- Metrics ---

func (s *SqliteStore) InsertMetric(ctx context.Context, m *model.MetricRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	res, err := s.DB.ExecContext(ctx, `
	INSERT INTO metrics (session_id, type, name, value, success, metadata_json, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, string(m.Type), m.Name, m.Value, m.Success, m.Metadata, m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

func (s *SqliteStore) ListMetrics(ctx context.Context, sessionID string, mt model.MetricType) ([]*model.MetricRecord, error) {
	query := `SELECT id, session_id, type, name, value, success, metadata_json, created_at_ms FROM metrics WHERE session_id = ?`
	args := []any{sessionID}
	if mt != "" {
		query += " AND type = ?"
		args = append(args, string(mt))
	}
	query += " ORDER BY id ASC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.MetricRecord
	for rows.Next() {
		var m model.MetricRecord
		var typ string
		var createdAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.SessionID, &typ, &m.Name, &m.Value, &m.Success, &m.Metadata, &createdAt); err != nil {
			return nil, err
		}
		m.Type = model.MetricType(typ)
		m.CreatedAt = ms2t(createdAt)
		results = append(results, &m)
	}
	return results, rows.Err()
}

// --- Provider cache ---

func (s *SqliteStore) GetProvider(ctx context.Context, phone string, now time.Time) (string, bool, error) {
	var carrier string
	var expiresAt int64
	err := s.DB.QueryRowContext(ctx,
		"SELECT carrier, expires_at_ms FROM provider_cache WHERE phone = ?", phone,
	).Scan(&carrier, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if expiresAt <= now.UnixMilli() {
		return "", false, nil
	}
	return carrier, true, nil
}

func (s *SqliteStore) PutProvider(ctx context.Context, phone, carrier string, now time.Time, ttl time.Duration) error {
	_, err := s.DB.ExecContext(ctx,
		"INSERT OR REPLACE INTO provider_cache (phone, carrier, written_at_ms, expires_at_ms) VALUES (?, ?, ?, ?)",
		phone, carrier, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	return err
}

func (s *SqliteStore) PruneProviderCache(ctx context.Context, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, "DELETE FROM provider_cache WHERE expires_at_ms <= ?", now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Admission queue ---

const queueCols = `session_id, user_id, position, status, enqueued_at_ms, updated_at_ms`

func (s *SqliteStore) EnqueueWaiting(ctx context.Context, e *model.QueueEntry) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var waiting int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_entries WHERE status = ?", string(model.QueueWaiting),
	).Scan(&waiting); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}
	e.Position = waiting + 1
	e.Status = model.QueueWaiting

	_, err = tx.ExecContext(ctx, `
	INSERT INTO queue_entries (`+queueCols+`)
	VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.UserID, e.Position, string(e.Status), e.EnqueuedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return e.Position, nil
}

func (s *SqliteStore) PromoteHead(ctx context.Context) (*model.QueueEntry, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanQueueEntry(tx.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries WHERE status = ? ORDER BY position ASC LIMIT 1`,
		string(model.QueueWaiting),
	))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_entries SET status = ?, position = 0, updated_at_ms = ? WHERE session_id = ?",
		string(model.QueueActive), nowMs, e.SessionID,
	); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_entries SET position = position - 1, updated_at_ms = ? WHERE status = ? AND position > ?",
		nowMs, string(model.QueueWaiting), e.Position,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Status = model.QueueActive
	e.Position = 0
	return e, nil
}

func (s *SqliteStore) FinishQueueEntry(ctx context.Context, sessionID string, status model.QueueEntryStatus) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var pos int
	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT position, status FROM queue_entries WHERE session_id = ?", sessionID,
	).Scan(&pos, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	nowMs := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue_entries SET status = ?, position = 0, updated_at_ms = ? WHERE session_id = ?",
		string(status), nowMs, sessionID,
	); err != nil {
		return err
	}

	// Close the gap only if the entry was still in the waiting line.
	if model.QueueEntryStatus(current) == model.QueueWaiting {
		if _, err := tx.ExecContext(ctx,
			"UPDATE queue_entries SET position = position - 1, updated_at_ms = ? WHERE status = ? AND position > ?",
			nowMs, string(model.QueueWaiting), pos,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SqliteStore) GetQueueEntry(ctx context.Context, sessionID string) (*model.QueueEntry, error) {
	return scanQueueEntry(s.DB.QueryRowContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries WHERE session_id = ?`, sessionID,
	))
}

func (s *SqliteStore) ListWaiting(ctx context.Context) ([]*model.QueueEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+queueCols+` FROM queue_entries WHERE status = ? ORDER BY position ASC`,
		string(model.QueueWaiting),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []*model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *SqliteStore) CountWaiting(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_entries WHERE status = ?", string(model.QueueWaiting),
	).Scan(&n)
	return n, err
}

// --- Helpers ---

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*model.Session, error) {
	var sess model.Session
	var configJSON []byte
	var status string
	var town, industry, summaryJSON sql.NullString
	var createdAt, startedAt, updatedAt sql.NullInt64

	err := scanner.Scan(
		&sess.ID, &sess.UserID, &configJSON, &status, &sess.State.ProgressPercent,
		&town, &industry, &sess.State.ProcessedBusinesses, &summaryJSON,
		&createdAt, &startedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	_ = json.Unmarshal(configJSON, &sess.Config)
	if summaryJSON.Valid && summaryJSON.String != "" {
		var sum model.SessionSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &sum); err == nil {
			sess.Summary = &sum
		}
	}
	sess.State.Status = model.SessionStatus(status)
	sess.State.CurrentTown = strOf(town)
	sess.State.CurrentIndustry = strOf(industry)
	sess.CreatedAt = ms2t(createdAt)
	sess.State.StartedAt = ms2t(startedAt)
	sess.State.UpdatedAt = ms2t(updatedAt)

	return &sess, nil
}

func scanQueueEntry(scanner interface {
	Scan(dest ...any) error
}) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var status string
	var enqueuedAt, updatedAt sql.NullInt64

	err := scanner.Scan(&e.SessionID, &e.UserID, &e.Position, &status, &enqueuedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	e.Status = model.QueueEntryStatus(status)
	e.EnqueuedAt = ms2t(enqueuedAt)
	return &e, nil
}

func t2ms(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func ms2t(ms sql.NullInt64) time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
