// Package store persists jobs. Postgres, SQLite and in-memory backends share
// the Store and Conn contracts.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

var (
	// ErrStoreUnavailable is returned when the backing database cannot be
	// opened, reached or migrated.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrNotFound is returned for operations on an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrCorruptRecord marks a stored row whose payloads no longer decode.
	ErrCorruptRecord = errors.New("corrupt job record")
)

// Store is the durable job store.
type Store interface {
	// AddJob inserts a QUEUED job and returns its id.
	AddJob(ctx context.Context, job models.NewJob) (string, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	// GetJobsByStatus returns up to limit jobs in status, oldest first.
	GetJobsByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
	// GetProcessedJobs returns up to limit terminal jobs, most recently
	// modified first.
	GetProcessedJobs(ctx context.Context, limit int) ([]models.Job, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	ClearSnapshot(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string) error
	// Acquire hands out a connection scoped to one job's processing.
	Acquire(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is a store connection held by a worker for the lifetime of one job.
// Release must be called on every path; calling it twice is harmless.
type Conn interface {
	// Claim moves a QUEUED job to ACTIVE. It reports false when the job is
	// no longer QUEUED.
	Claim(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) error
	ClearSnapshot(ctx context.Context, id string) error
	Release()
}

// Open picks a backend from location: postgres:// and postgresql:// DSNs
// use Postgres, memory:// the in-process store, anything else is a SQLite
// file path.
func Open(ctx context.Context, location string, log *logrus.Entry) (Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "store")

	switch {
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		log.Info("opening postgres job store")
		s, err := NewPostgres(ctx, location)
		if err != nil {
			return nil, err
		}
		s.log = log
		return s, nil
	case strings.HasPrefix(location, "memory://"):
		log.Info("opening in-memory job store")
		s := NewMemory()
		s.log = log
		return s, nil
	default:
		log.WithField("path", location).Info("opening sqlite job store")
		s, err := NewSQLite(ctx, location)
		if err != nil {
			return nil, err
		}
		s.log = log
		return s, nil
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// record is the flat row layout shared by the SQL backends.
type record struct {
	ID              string
	Status          int
	CreatedAt       time.Time
	ModifiedAt      time.Time
	Username        string
	ActionReference string
	TargetSelector  string
	Parameters      string
	Snapshot        string
	Secret          string
	Verbosity       int
}

func newRecord(n models.NewJob, now time.Time) (record, error) {
	if err := n.Validate(); err != nil {
		return record{}, fmt.Errorf("validate job: %w", err)
	}
	params, err := models.EncodeParameters(n.Parameters)
	if err != nil {
		return record{}, err
	}
	snapshot, err := models.EncodeSnapshot(n.InventorySnapshot)
	if err != nil {
		return record{}, err
	}
	return record{
		ID:              uuid.New().String(),
		Status:          int(models.StatusQueued),
		CreatedAt:       now,
		ModifiedAt:      now,
		Username:        n.Username,
		ActionReference: n.ActionReference,
		TargetSelector:  n.TargetSelector,
		Parameters:      params,
		Snapshot:        snapshot,
		Secret:          n.Secret,
		Verbosity:       n.Verbosity,
	}, nil
}

func (r record) job() (models.Job, error) {
	status := models.Status(r.Status)
	if !status.Valid() {
		return models.Job{}, fmt.Errorf("%w: job %s: status %d", ErrCorruptRecord, r.ID, r.Status)
	}
	params, err := models.DecodeParameters(r.Parameters)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: job %s: %v", ErrCorruptRecord, r.ID, err)
	}
	snapshot, err := models.DecodeSnapshot(r.Snapshot)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: job %s: %v", ErrCorruptRecord, r.ID, err)
	}
	return models.Job{
		ID:                r.ID,
		Status:            status,
		CreatedAt:         r.CreatedAt,
		ModifiedAt:        r.ModifiedAt,
		Username:          r.Username,
		ActionReference:   r.ActionReference,
		TargetSelector:    r.TargetSelector,
		Parameters:        params,
		Secret:            r.Secret,
		InventorySnapshot: snapshot,
		Verbosity:         r.Verbosity,
	}, nil
}

// maxCorruptSkips bounds how many undecodable rows one listing reads past.
const maxCorruptSkips = 1000

// listJobs decodes the first limit good jobs from fetch, which returns up to
// n raw rows in listing order. Rows that no longer decode are logged and left
// out so one bad row cannot hide the rows behind it; GetJob still reports
// them as ErrCorruptRecord.
func listJobs(limit int, log *logrus.Entry, fetch func(n int) ([]record, error)) ([]models.Job, error) {
	limit = checkLimit(limit)
	n := limit
	for {
		recs, err := fetch(n)
		if err != nil {
			return nil, err
		}
		out := make([]models.Job, 0, len(recs))
		var corrupt []error
		for _, rec := range recs {
			job, err := rec.job()
			if err != nil {
				corrupt = append(corrupt, err)
				continue
			}
			out = append(out, job)
		}
		if len(out) >= limit || len(recs) < n || len(corrupt) >= maxCorruptSkips {
			for _, err := range corrupt {
				log.WithError(err).Error("skipping corrupt job record")
			}
			if len(out) > limit {
				out = out[:limit]
			}
			return out, nil
		}
		n = limit + len(corrupt)
	}
}

func defaultLog() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger()).WithField("component", "store")
}

func checkStatus(status models.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %d", models.ErrInvalidStatus, int(status))
	}
	return nil
}

func checkLimit(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}

func terminalCodes() []int {
	ts := models.TerminalStatuses()
	out := make([]int, len(ts))
	for i, s := range ts {
		out[i] = int(s)
	}
	return out
}
