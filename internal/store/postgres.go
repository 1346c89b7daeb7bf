package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3/database"
	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgColumns = `id, status, created_at, modified_at, username, action_reference,
	target_selector, parameters, inventory_snapshot, secret, verbosity`

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgres creates a pooled connection to Postgres and applies migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, unavailable("parse postgres dsn", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping postgres", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	err = migrate(ctx, db, database.DialectPostgres, "migrations/postgres")
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, unavailable("migrate postgres", err)
	}
	return &Postgres{pool: pool, log: defaultLog()}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// AddJob inserts a QUEUED job row.
func (s *Postgres) AddJob(ctx context.Context, job models.NewJob) (string, error) {
	rec, err := newRecord(job, time.Now().UTC())
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, created_at, modified_at, username, action_reference,
			target_selector, parameters, inventory_snapshot, secret, verbosity)
		VALUES ($1, $2, $3, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Status, rec.CreatedAt, rec.Username, rec.ActionReference,
		rec.TargetSelector, rec.Parameters, rec.Snapshot, rec.Secret, rec.Verbosity)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return rec.ID, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM jobs WHERE id = $1`, id)
	rec, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return rec.job()
}

func (s *Postgres) GetJobsByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return listJobs(limit, s.log, func(n int) ([]record, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+pgColumns+` FROM jobs
			WHERE status = $1
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		`, int(status), n)
		if err != nil {
			return nil, fmt.Errorf("query jobs by status: %w", err)
		}
		return collectPgRecords(rows)
	})
}

func (s *Postgres) GetProcessedJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return listJobs(limit, s.log, func(n int) ([]record, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT `+pgColumns+` FROM jobs
			WHERE status = ANY($1)
			ORDER BY modified_at DESC, id ASC
			LIMIT $2
		`, terminalCodes(), n)
		if err != nil {
			return nil, fmt.Errorf("query processed jobs: %w", err)
		}
		return collectPgRecords(rows)
	})
}

func (s *Postgres) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return pgUpdateStatus(ctx, s.pool, id, status)
}

func (s *Postgres) ClearSnapshot(ctx context.Context, id string) error {
	return pgClearSnapshot(ctx, s.pool, id)
}

func (s *Postgres) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Acquire checks a connection out of the pool for one job.
func (s *Postgres) Acquire(ctx context.Context) (Conn, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, unavailable("acquire connection", err)
	}
	return &pgConn{conn: c}, nil
}

type pgConn struct {
	conn *pgxpool.Conn
	once sync.Once
}

func (c *pgConn) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := c.conn.Exec(ctx, `
		UPDATE jobs SET status = $2, modified_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, int(models.StatusActive), int(models.StatusQueued))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *pgConn) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return pgUpdateStatus(ctx, c.conn, id, status)
}

func (c *pgConn) ClearSnapshot(ctx context.Context, id string) error {
	return pgClearSnapshot(ctx, c.conn, id)
}

func (c *pgConn) Release() {
	c.once.Do(c.conn.Release)
}

func pgUpdateStatus(ctx context.Context, q querier, id string, status models.Status) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `
		UPDATE jobs SET status = $2, modified_at = NOW() WHERE id = $1
	`, id, int(status))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func pgClearSnapshot(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, `UPDATE jobs SET inventory_snapshot = '' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanPgRecord(row pgx.Row) (record, error) {
	var rec record
	err := row.Scan(&rec.ID, &rec.Status, &rec.CreatedAt, &rec.ModifiedAt, &rec.Username,
		&rec.ActionReference, &rec.TargetSelector, &rec.Parameters, &rec.Snapshot,
		&rec.Secret, &rec.Verbosity)
	return rec, err
}

func collectPgRecords(rows pgx.Rows) ([]record, error) {
	defer rows.Close()
	var out []record
	for rows.Next() {
		rec, err := scanPgRecord(rows)
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
