// Package audit keeps the record of finished job runs. Entries never carry
// the job secret or parameters named in the redact list.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

// ErrNotFound is returned for an unknown entry id.
var ErrNotFound = errors.New("audit entry not found")

// Entry is one finished job run.
type Entry struct {
	ID             string            `json:"id"`
	JobID          string            `json:"job_id"`
	Username       string            `json:"username"`
	Playbook       string            `json:"playbook"`
	Filter         string            `json:"filter"`
	Arguments      models.Parameters `json:"arguments"`
	Status         string            `json:"status"`
	RuntimeSeconds float64           `json:"runtime_seconds"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	Output         string            `json:"output"`
	TranscriptKey  string            `json:"transcript_key,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// Recorder appends entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// Log is a Recorder that can also be read back.
type Log interface {
	Recorder
	Get(ctx context.Context, id string) (Entry, error)
	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]Entry, error)
}

// NewEntry builds the entry for a finished job. The run is successful when
// the executor returned no error and no host failed or was unreachable.
func NewEntry(job models.Job, status models.Status, outcome models.Outcome, execErr error, redactKeys []string) Entry {
	e := Entry{
		JobID:          job.ID,
		Username:       job.Username,
		Playbook:       job.ActionReference,
		Filter:         job.TargetSelector,
		Arguments:      job.Parameters.Without(redactKeys...),
		Status:         status.String(),
		RuntimeSeconds: outcome.Runtime.Seconds(),
		Success:        execErr == nil && !outcome.HasFailures(),
		Output:         outcome.Transcript,
		RecordedAt:     time.Now().UTC(),
	}
	if execErr != nil {
		e.Error = execErr.Error()
	}
	return e
}

// Logger records entries as log lines. It stands in when no audit database
// is configured.
type Logger struct {
	Log *logrus.Entry
}

func (l Logger) Record(_ context.Context, e Entry) error {
	l.Log.WithFields(logrus.Fields{
		"job_id":   e.JobID,
		"username": e.Username,
		"playbook": e.Playbook,
		"filter":   e.Filter,
		"status":   e.Status,
		"success":  e.Success,
		"runtime":  e.RuntimeSeconds,
	}).Info("job audit")
	return nil
}

// Memory is an in-process Log.
type Memory struct {
	mu      sync.Mutex
	seq     int
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if e.ID == "" {
		e.ID = strconv.Itoa(m.seq)
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	out := append([]Entry(nil), m.entries...)
	m.mu.Unlock()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns a copy of everything recorded, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
