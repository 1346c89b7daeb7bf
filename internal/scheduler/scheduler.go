// Package scheduler polls the job store for QUEUED jobs and feeds them to
// the dispatch queue.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/queue"
	"github.com/MaxIV-KitsControls/netspot/internal/telemetry"
)

// Source is the part of the store the scheduler reads.
type Source interface {
	GetJobsByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
}

// Sink receives jobs to dispatch.
type Sink interface {
	Push(job models.Job) error
	Len() int
}

// State is observed to stop feeding once shutdown begins.
type State interface {
	ShuttingDown() bool
	Done() <-chan struct{}
}

// Scheduler runs the poll, push, sleep loop.
type Scheduler struct {
	source    Source
	sink      Sink
	state     State
	interval  time.Duration
	batchSize int
	log       *logrus.Entry
}

func New(source Source, sink Sink, state State, interval time.Duration, batchSize int, log *logrus.Entry) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		source:    source,
		sink:      sink,
		state:     state,
		interval:  interval,
		batchSize: batchSize,
		log:       log.WithField("component", "scheduler"),
	}
}

// Run polls immediately and then every interval until shutdown begins or ctx
// ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithField("interval", s.interval.String()).Info("scheduler started")
	defer s.log.Info("scheduler stopped")

	for {
		if s.state.ShuttingDown() || ctx.Err() != nil {
			return
		}
		s.Poll(ctx)

		select {
		case <-time.After(s.interval):
		case <-s.state.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs one fetch and push pass and returns how many jobs were pushed.
func (s *Scheduler) Poll(ctx context.Context) int {
	jobs, err := s.source.GetJobsByStatus(ctx, models.StatusQueued, s.batchSize)
	if err != nil {
		telemetry.PollErrors.Inc()
		s.log.WithError(err).Error("poll queued jobs")
		return 0
	}

	pushed := 0
	for _, job := range jobs {
		if s.state.ShuttingDown() {
			break
		}
		err := s.sink.Push(job)
		switch {
		case err == nil:
			pushed++
		case errors.Is(err, queue.ErrDuplicate):
			s.log.WithField("job_id", job.ID).Debug("job already dispatched")
		case errors.Is(err, queue.ErrQueueFull):
			s.log.WithField("job_id", job.ID).Warn("dispatch queue full, deferring to next poll")
			telemetry.QueueDepthGauge.Set(float64(s.sink.Len()))
			return pushed
		default:
			s.log.WithError(err).WithField("job_id", job.ID).Error("dispatch job")
		}
	}
	telemetry.QueueDepthGauge.Set(float64(s.sink.Len()))
	if pushed > 0 {
		s.log.WithField("count", pushed).Debug("jobs dispatched")
	}
	return pushed
}
