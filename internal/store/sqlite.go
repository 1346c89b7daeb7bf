package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3/database"
	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// sqlQuerier is satisfied by both *sql.DB and *sql.Conn.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteColumns = `id, status, created_at, modified_at, username, action_reference,
	target_selector, parameters, inventory_snapshot, secret, verbosity`

// SQLite is the file-backed job store. Timestamps are stored as Unix
// nanoseconds so ordering is exact.
type SQLite struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewSQLite opens (creating if needed) the database file at path. The parent
// directory must already exist.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, unavailable("open sqlite", errors.New("empty database path"))
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil {
		return nil, unavailable("open sqlite", err)
	} else if !info.IsDir() {
		return nil, unavailable("open sqlite", fmt.Errorf("%s is not a directory", dir))
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping sqlite", err)
	}
	if err := migrate(ctx, db, database.DialectSQLite3, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate sqlite", err)
	}
	return &SQLite{db: db, log: defaultLog()}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) AddJob(ctx context.Context, job models.NewJob) (string, error) {
	rec, err := newRecord(job, time.Now().UTC())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO jobs (id, status, created_at, modified_at, username, action_reference,
	target_selector, parameters, inventory_snapshot, secret, verbosity)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.CreatedAt.UnixNano(), rec.ModifiedAt.UnixNano(), rec.Username,
		rec.ActionReference, rec.TargetSelector, rec.Parameters, rec.Snapshot, rec.Secret, rec.Verbosity)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return rec.ID, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return rec.job()
}

func (s *SQLite) GetJobsByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return listJobs(limit, s.log, func(n int) ([]record, error) {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteColumns+` FROM jobs
WHERE status = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?`, int(status), n)
		if err != nil {
			return nil, fmt.Errorf("query jobs by status: %w", err)
		}
		return collectSQLiteRecords(rows)
	})
}

func (s *SQLite) GetProcessedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	codes := terminalCodes()
	return listJobs(limit, s.log, func(n int) ([]record, error) {
		rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteColumns+` FROM jobs
WHERE status IN (?, ?, ?)
ORDER BY modified_at DESC, rowid DESC
LIMIT ?`, codes[0], codes[1], codes[2], n)
		if err != nil {
			return nil, fmt.Errorf("query processed jobs: %w", err)
		}
		return collectSQLiteRecords(rows)
	})
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return sqliteUpdateStatus(ctx, s.db, id, status)
}

func (s *SQLite) ClearSnapshot(ctx context.Context, id string) error {
	return sqliteClearSnapshot(ctx, s.db, id)
}

func (s *SQLite) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return expectRow(res, id)
}

// Acquire reserves a dedicated connection from the database/sql pool.
func (s *SQLite) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, unavailable("acquire connection", err)
	}
	return &sqliteConn{conn: c}, nil
}

type sqliteConn struct {
	conn *sql.Conn
	once sync.Once
}

func (c *sqliteConn) Claim(ctx context.Context, id string) (bool, error) {
	res, err := c.conn.ExecContext(ctx, `
UPDATE jobs SET status = ?, modified_at = ?
WHERE id = ? AND status = ?`,
		int(models.StatusActive), time.Now().UTC().UnixNano(), id, int(models.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return n == 1, nil
}

func (c *sqliteConn) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return sqliteUpdateStatus(ctx, c.conn, id, status)
}

func (c *sqliteConn) ClearSnapshot(ctx context.Context, id string) error {
	return sqliteClearSnapshot(ctx, c.conn, id)
}

func (c *sqliteConn) Release() {
	c.once.Do(func() { _ = c.conn.Close() })
}

func sqliteUpdateStatus(ctx context.Context, q sqlQuerier, id string, status models.Status) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE jobs SET status = ?, modified_at = ? WHERE id = ?`,
		int(status), time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return expectRow(res, id)
}

func sqliteClearSnapshot(ctx context.Context, q sqlQuerier, id string) error {
	res, err := q.ExecContext(ctx, `UPDATE jobs SET inventory_snapshot = '' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (record, error) {
	var rec record
	var created, modified int64
	err := row.Scan(&rec.ID, &rec.Status, &created, &modified, &rec.Username,
		&rec.ActionReference, &rec.TargetSelector, &rec.Parameters, &rec.Snapshot,
		&rec.Secret, &rec.Verbosity)
	if err != nil {
		return record{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.ModifiedAt = time.Unix(0, modified).UTC()
	return rec, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]record, error) {
	defer rows.Close()
	var out []record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
