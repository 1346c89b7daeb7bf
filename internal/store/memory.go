package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

var errClosed = errors.New("store closed")

// Memory is an in-process Store. Rows are kept in their encoded form so the
// same decode checks as the SQL backends apply.
type Memory struct {
	mu     sync.Mutex
	rows   map[string]*memRow
	seq    int64
	closed bool
	open   atomic.Int64
	log    *logrus.Entry
}

type memRow struct {
	rec record
	seq int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*memRow), log: defaultLog()}
}

// OpenConns reports how many acquired connections have not been released.
func (m *Memory) OpenConns() int64 {
	return m.open.Load()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) AddJob(_ context.Context, job models.NewJob) (string, error) {
	rec, err := newRecord(job, time.Now().UTC())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", unavailable("insert job", errClosed)
	}
	m.seq++
	m.rows[rec.ID] = &memRow{rec: rec, seq: m.seq}
	return rec.ID, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	row, ok := m.rows[id]
	var rec record
	if ok {
		rec = row.rec
	}
	m.mu.Unlock()
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.job()
}

func (m *Memory) GetJobsByStatus(_ context.Context, status models.Status, limit int) ([]models.Job, error) {
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	rows := m.filter(func(r *memRow) bool { return r.rec.Status == int(status) })
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	return listJobs(limit, m.log, firstRows(rows))
}

func (m *Memory) GetProcessedJobs(_ context.Context, limit int) ([]models.Job, error) {
	rows := m.filter(func(r *memRow) bool { return models.Status(r.rec.Status).Terminal() })
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].rec.ModifiedAt, rows[j].rec.ModifiedAt
		if a.Equal(b) {
			return rows[i].seq > rows[j].seq
		}
		return a.After(b)
	})
	return listJobs(limit, m.log, firstRows(rows))
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status models.Status) error {
	if err := checkStatus(status); err != nil {
		return err
	}
	return m.mutate(id, func(r *memRow) {
		r.rec.Status = int(status)
		r.rec.ModifiedAt = time.Now().UTC()
	})
}

func (m *Memory) ClearSnapshot(_ context.Context, id string) error {
	return m.mutate(id, func(r *memRow) {
		r.rec.Snapshot = ""
	})
}

func (m *Memory) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.rows, id)
	return nil
}

func (m *Memory) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("acquire connection", err)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, unavailable("acquire connection", errClosed)
	}
	m.open.Add(1)
	return &memConn{store: m}, nil
}

func (m *Memory) filter(keep func(*memRow) bool) []*memRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*memRow
	for _, r := range m.rows {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// mutate applies fn to the row under the lock.
func (m *Memory) mutate(id string, fn func(*memRow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(r)
	return nil
}

// firstRows serves listJobs from an already ordered copy of the table.
func firstRows(rows []*memRow) func(n int) ([]record, error) {
	return func(n int) ([]record, error) {
		head := rows
		if len(head) > n {
			head = head[:n]
		}
		out := make([]record, 0, len(head))
		for _, r := range head {
			out = append(out, r.rec)
		}
		return out, nil
	}
}

type memConn struct {
	store *Memory
	once  sync.Once
}

func (c *memConn) Claim(_ context.Context, id string) (bool, error) {
	claimed := false
	err := c.store.mutate(id, func(r *memRow) {
		if r.rec.Status != int(models.StatusQueued) {
			return
		}
		r.rec.Status = int(models.StatusActive)
		r.rec.ModifiedAt = time.Now().UTC()
		claimed = true
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return claimed, err
}

func (c *memConn) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	return c.store.UpdateStatus(ctx, id, status)
}

func (c *memConn) ClearSnapshot(ctx context.Context, id string) error {
	return c.store.ClearSnapshot(ctx, id)
}

func (c *memConn) Release() {
	c.once.Do(func() { c.store.open.Add(-1) })
}
