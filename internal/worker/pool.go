// Package worker runs claimed jobs through the executor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/executor"
	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/queue"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
	"github.com/MaxIV-KitsControls/netspot/internal/telemetry"
)

// Dispatcher is the consuming side of the dispatch queue.
type Dispatcher interface {
	Pop(ctx context.Context, timeout time.Duration) (models.Job, error)
	Done(id string)
}

// State tells workers when to stop taking jobs.
type State interface {
	ShuttingDown() bool
}

// Options tune the pool.
type Options struct {
	Workers         int
	DequeueTimeout  time.Duration
	ExecutorTimeout time.Duration
	RetryAttempts   int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	RedactKeys      []string
}

// OptionsFrom maps the shared configuration onto pool options.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		Workers:         cfg.WorkerCount,
		DequeueTimeout:  cfg.DequeueTimeout,
		ExecutorTimeout: cfg.ExecutorTimeout,
		RetryAttempts:   cfg.StoreRetryAttempts,
		BackoffInitial:  cfg.BackoffInitial,
		BackoffMax:      cfg.BackoffMax,
		RedactKeys:      cfg.AuditRedactKeys,
	}
}

// Pool drives a fixed number of workers.
type Pool struct {
	opts     Options
	dispatch Dispatcher
	store    store.Store
	exec     executor.Executor
	recorder audit.Recorder
	state    State
	log      *logrus.Entry

	wg   sync.WaitGroup
	busy atomic.Int64
}

// NewPool builds a pool. recorder may be nil.
func NewPool(opts Options, d Dispatcher, st store.Store, ex executor.Executor, rec audit.Recorder, state State, log *logrus.Entry) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = 2 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		opts:     opts,
		dispatch: d,
		store:    st,
		exec:     ex,
		recorder: rec,
		state:    state,
		log:      log.WithField("component", "worker"),
	}
}

// Start launches the workers. They exit once shutdown has begun and their
// current job is finished, or when ctx ends.
func (p *Pool) Start(ctx context.Context) {
	for i := 1; i <= p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.log.WithField("workers", p.opts.Workers).Info("worker pool started")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Busy reports how many workers are processing a claimed job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.WithField("worker_id", id)
	defer log.Debug("worker stopped")

	for !p.state.ShuttingDown() {
		job, err := p.dispatch.Pop(ctx, p.opts.DequeueTimeout)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("dequeue job")
			continue
		}
		if p.state.ShuttingDown() {
			p.dispatch.Done(job.ID)
			log.WithField("job_id", job.ID).Info("shutdown in progress, leaving job queued")
			return
		}
		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log *logrus.Entry, job models.Job) {
	defer p.dispatch.Done(job.ID)
	log = log.WithFields(logrus.Fields{"job_id": job.ID, "action": job.ActionReference})

	var conn store.Conn
	err := p.withRetry(ctx, func() error {
		c, err := p.store.Acquire(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		log.WithError(err).Error("acquire store connection, job left queued")
		return
	}
	defer conn.Release()

	claimed, err := conn.Claim(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("claim job")
		return
	}
	if !claimed {
		log.Debug("job no longer queued, skipping")
		return
	}

	p.busy.Add(1)
	telemetry.WorkersBusy.Inc()
	defer func() {
		p.busy.Add(-1)
		telemetry.WorkersBusy.Dec()
	}()

	log.Info("job started")
	outcome, execErr := p.execute(ctx, job)
	status := Classify(outcome, execErr)
	telemetry.ExecutorDuration.Observe(outcome.Runtime.Seconds())

	// terminal status first, snapshot second
	if err := p.withRetry(ctx, func() error { return conn.UpdateStatus(ctx, job.ID, status) }); err != nil {
		log.WithError(err).WithField("status", status.String()).Error("write terminal status")
		return
	}
	if err := p.withRetry(ctx, func() error { return conn.ClearSnapshot(ctx, job.ID) }); err != nil {
		log.WithError(err).Error("clear inventory snapshot")
	}
	p.report(ctx, log, job, status, outcome, execErr)
}

// report publishes a finished job. The terminal status is already stored, so
// a panic here is logged and the worker carries on.
func (p *Pool) report(ctx context.Context, log *logrus.Entry, job models.Job, status models.Status, outcome models.Outcome, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("report finished job")
		}
	}()
	telemetry.JobsFinished.WithLabelValues(status.String()).Inc()

	done := log.WithFields(logrus.Fields{
		"status":      status.String(),
		"runtime":     outcome.Runtime.String(),
		"failures":    outcome.FailureCount(),
		"unreachable": outcome.UnreachableCount(),
	})
	if execErr != nil {
		done.WithError(execErr).Error("job finished")
	} else {
		done.Info("job finished")
	}

	if p.recorder != nil {
		entry := audit.NewEntry(job, status, outcome, execErr, p.opts.RedactKeys)
		if err := p.recorder.Record(ctx, entry); err != nil {
			log.WithError(err).Warn("record audit entry")
		}
	}
}

// execute runs the job, turning a panic into an executor error so the
// terminal write always happens.
func (p *Pool) execute(ctx context.Context, job models.Job) (out models.Outcome, err error) {
	if p.opts.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecutorTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &executor.Error{Reference: job.ActionReference, Err: fmt.Errorf("panic: %v", r)}
		}
		if out.Runtime == 0 {
			out.Runtime = time.Since(start)
		}
	}()
	return p.exec.Execute(ctx, executor.RequestFor(job))
}

func (p *Pool) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= p.opts.RetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, models.ErrInvalidStatus) {
			return err
		}
		if attempt == p.opts.RetryAttempts {
			break
		}
		select {
		case <-time.After(backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Classify maps an executor result to the job's terminal status.
func Classify(outcome models.Outcome, err error) models.Status {
	switch {
	case err != nil:
		return models.StatusExecutorError
	case outcome.HasFailures():
		return models.StatusProcessedWithFailures
	default:
		return models.StatusProcessed
	}
}
