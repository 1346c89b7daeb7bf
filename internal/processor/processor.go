// Package processor assembles the task processor: a scheduler feeding the
// dispatch queue, a worker pool draining it, and the shutdown coordinator
// both of them observe.
package processor

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/executor"
	"github.com/MaxIV-KitsControls/netspot/internal/queue"
	"github.com/MaxIV-KitsControls/netspot/internal/scheduler"
	"github.com/MaxIV-KitsControls/netspot/internal/shutdown"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
	"github.com/MaxIV-KitsControls/netspot/internal/worker"
)

type Processor struct {
	dispatch  *queue.Dispatch
	coord     *shutdown.Coordinator
	scheduler *scheduler.Scheduler
	pool      *worker.Pool
	log       *logrus.Entry
}

// New wires a processor over st. rec may be nil.
func New(cfg config.Config, st store.Store, ex executor.Executor, rec audit.Recorder, log *logrus.Entry) *Processor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := queue.NewDispatch(cfg.QueueSize)
	coord := shutdown.New(d, log)
	return &Processor{
		dispatch:  d,
		coord:     coord,
		scheduler: scheduler.New(st, d, coord, cfg.PollInterval, cfg.BatchSize, log),
		pool:      worker.NewPool(worker.OptionsFrom(cfg), d, st, ex, rec, coord, log),
		log:       log.WithField("component", "processor"),
	}
}

// Coordinator is used to trigger shutdown, from signals or otherwise.
func (p *Processor) Coordinator() *shutdown.Coordinator { return p.coord }

// Busy reports how many workers hold a claimed job.
func (p *Processor) Busy() int { return p.pool.Busy() }

// Run blocks until shutdown has begun and every worker has finished its
// current job. Cancelling ctx begins shutdown; it does not interrupt jobs
// already executing.
func (p *Processor) Run(ctx context.Context) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	p.pool.Start(workCtx)

	go func() {
		select {
		case <-ctx.Done():
			p.coord.Shutdown()
		case <-p.coord.Done():
		}
	}()

	p.log.Info("task processor running")
	p.scheduler.Run(ctx)
	p.coord.Shutdown()

	p.pool.Wait()
	p.log.Info("task processor stopped")
	return nil
}
