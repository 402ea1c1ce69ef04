package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"filemon/internal/database/migrations"
	"filemon/internal/filemon"
	"filemon/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements filemon.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the database at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// NewSQLiteStoreFromDB wraps an existing, already migrated connection.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// OpenConnection opens and configures a SQLite database connection.
// The pool holds a single connection: writers serialise on it, and an
// in-memory database stays one database rather than one per connection.
// File databases begin transactions IMMEDIATE, so writers in other processes
// wait on the busy timeout instead of failing on a stale snapshot.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Change record operations

const changeColumns = "id, file_path, content, change_time, notified_at"

func (s *SQLiteStore) MostRecentChange(ctx context.Context, filePath string) (*model.ChangeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+changeColumns+" FROM change_records WHERE file_path = ? ORDER BY change_time DESC, id DESC LIMIT 1",
		filePath)
	rec, err := scanChange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding most recent change: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) SaveChange(ctx context.Context, record *model.ChangeRecord) (*model.ChangeRecord, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO change_records (file_path, content, change_time, notified_at) VALUES (?, ?, ?, ?)",
		record.FilePath, record.Content, record.ChangeTime.UTC(), nullTime(record.NotifiedAt))
	if err != nil {
		return nil, fmt.Errorf("inserting change record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading change record id: %w", err)
	}

	saved := *record
	saved.ID = id
	return &saved, nil
}

func (s *SQLiteStore) AppendChange(ctx context.Context, record, after *model.ChangeRecord) (*model.ChangeRecord, error) {
	var afterID int64
	if after != nil {
		afterID = after.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO change_records (file_path, content, change_time, notified_at)
		SELECT ?, ?, ?, ?
		WHERE COALESCE((
			SELECT id FROM change_records WHERE file_path = ?
			ORDER BY change_time DESC, id DESC LIMIT 1
		), 0) = ?`,
		record.FilePath, record.Content, record.ChangeTime.UTC(), nullTime(record.NotifiedAt),
		record.FilePath, afterID)
	if err != nil {
		return nil, fmt.Errorf("appending change record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking appended change record: %w", err)
	}
	if n == 0 {
		return nil, filemon.ErrSnapshotChanged
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading change record id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	saved := *record
	saved.ID = id
	return &saved, nil
}

func (s *SQLiteStore) FindUnnotified(ctx context.Context) ([]*model.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+changeColumns+" FROM change_records WHERE notified_at IS NULL ORDER BY change_time, id")
	if err != nil {
		return nil, fmt.Errorf("finding unnotified changes: %w", err)
	}
	return collectChanges(rows)
}

func (s *SQLiteStore) MarkNotified(ctx context.Context, ids []int64, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE change_records SET notified_at = ? WHERE notified_at IS NULL AND id IN ("+placeholders(len(ids))+")",
		args...)
	if err != nil {
		return 0, fmt.Errorf("marking changes notified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting marked changes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) FindChanges(ctx context.Context, filePath string, limit int) ([]*model.ChangeRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+changeColumns+" FROM change_records WHERE file_path = ? ORDER BY change_time DESC, id DESC LIMIT ?",
		filePath, limit)
	if err != nil {
		return nil, fmt.Errorf("finding changes: %w", err)
	}
	return collectChanges(rows)
}

func (s *SQLiteStore) FindPrunableChanges(ctx context.Context, before time.Time) ([]*model.ChangeRecord, error) {
	cutoff := before.UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+` FROM change_records c
		WHERE (
			(c.notified_at IS NOT NULL AND c.notified_at < ?)
			OR (c.notified_at IS NULL AND c.change_time < ? AND NOT EXISTS (
				SELECT 1 FROM subscriptions s WHERE s.file_path = c.file_path AND s.active = 1
			))
		)
		AND c.id <> (
			SELECT l.id FROM change_records l WHERE l.file_path = c.file_path
			ORDER BY l.change_time DESC, l.id DESC LIMIT 1
		)
		ORDER BY c.change_time, c.id`,
		cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("finding prunable changes: %w", err)
	}
	return collectChanges(rows)
}

func (s *SQLiteStore) DeleteChanges(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM change_records WHERE id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("deleting changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted changes: %w", err)
	}
	return int(n), nil
}

// Subscription operations

const subscriptionColumns = "id, job_id, file_path, email, active, created_at"

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *model.Subscription) (*model.Subscription, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO subscriptions (job_id, file_path, email, active, created_at) VALUES (?, ?, ?, ?, ?)",
		sub.JobID, sub.FilePath, sub.Email, sub.Active, sub.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("inserting subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading subscription id: %w", err)
	}

	created := *sub
	created.ID = id
	return &created, nil
}

func (s *SQLiteStore) FindSubscriptionByJobID(ctx context.Context, jobID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE job_id = ?", jobID)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding subscription by job id: %w", err)
	}
	return sub, nil
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM subscriptions WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSubscriptions(ctx context.Context, offset, limit int) ([]*model.Subscription, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting subscriptions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions ORDER BY id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing subscriptions: %w", err)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *SQLiteStore) FindActiveSubscriptionsByPath(ctx context.Context, filePath string) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE file_path = ? AND active = 1 ORDER BY id", filePath)
	if err != nil {
		return nil, fmt.Errorf("finding active subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *SQLiteStore) FindActivePaths(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT file_path FROM subscriptions WHERE active = 1 ORDER BY file_path")
	if err != nil {
		return nil, fmt.Errorf("finding active paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Lease and run history operations

func (s *SQLiteStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).UTC(), now.UTC())
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking lease %s: %w", name, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE name = ? AND holder = ?", name, holder); err != nil {
		return fmt.Errorf("releasing lease %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) CreateNotificationRun(ctx context.Context, startedAt time.Time) (*model.NotificationRun, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO notification_runs (started_at, status) VALUES (?, 'running')", startedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("creating notification run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading notification run id: %w", err)
	}
	return &model.NotificationRun{ID: id, StartedAt: startedAt, Status: "running"}, nil
}

func (s *SQLiteStore) FinishNotificationRun(ctx context.Context, run *model.NotificationRun) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notification_runs SET finished_at = ?, status = ?, records = ?, messages = ?, failures = ? WHERE id = ?",
		nullTime(run.FinishedAt), run.Status, run.Records, run.Messages, run.Failures, run.ID)
	if err != nil {
		return fmt.Errorf("finishing notification run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNotificationRuns(ctx context.Context, limit int) ([]*model.NotificationRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, started_at, finished_at, status, records, messages, failures FROM notification_runs ORDER BY id DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing notification runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.NotificationRun
	for rows.Next() {
		var run model.NotificationRun
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.StartedAt, &finished, &run.Status, &run.Records, &run.Messages, &run.Failures); err != nil {
			return nil, fmt.Errorf("scanning notification run: %w", err)
		}
		run.FinishedAt = timePtr(finished)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*model.ChangeRecord, error) {
	var rec model.ChangeRecord
	var notified sql.NullTime
	if err := row.Scan(&rec.ID, &rec.FilePath, &rec.Content, &rec.ChangeTime, &notified); err != nil {
		return nil, err
	}
	rec.NotifiedAt = timePtr(notified)
	return &rec, nil
}

func collectChanges(rows *sql.Rows) ([]*model.ChangeRecord, error) {
	defer rows.Close()

	var records []*model.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating change records: %w", err)
	}
	return records, nil
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	var sub model.Subscription
	if err := row.Scan(&sub.ID, &sub.JobID, &sub.FilePath, &sub.Email, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*model.Subscription, error) {
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return subs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time check that SQLiteStore implements filemon.Store interface
var _ filemon.Store = (*SQLiteStore)(nil)
