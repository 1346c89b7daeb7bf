// Package queue holds the in-process dispatch queue between the scheduler
// and the worker pool.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MaxIV-KitsControls/netspot/internal/models"
)

var (
	// ErrTimeout is returned by Pop when nothing arrived in time. It is an
	// expected idle condition, not a failure.
	ErrTimeout   = errors.New("dispatch timeout")
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrDuplicate is returned when the job is already waiting or in flight.
	ErrDuplicate = errors.New("job already dispatched")
)

// Dispatch is a bounded FIFO of jobs. An id pushed once stays tracked until
// Done is called for it or Reset drops it, so the same job is never handed
// to two workers by the same process.
type Dispatch struct {
	mu      sync.Mutex
	size    int
	ch      chan models.Job
	tracked map[string]struct{}
}

// NewDispatch returns a queue holding at most size waiting jobs.
func NewDispatch(size int) *Dispatch {
	if size < 1 {
		size = 1
	}
	return &Dispatch{
		size:    size,
		ch:      make(chan models.Job, size),
		tracked: make(map[string]struct{}),
	}
}

// Push enqueues job without blocking.
func (d *Dispatch) Push(job models.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tracked[job.ID]; ok {
		return ErrDuplicate
	}
	select {
	case d.ch <- job:
		d.tracked[job.ID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop waits up to timeout for the next job.
func (d *Dispatch) Pop(ctx context.Context, timeout time.Duration) (models.Job, error) {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()

	if timeout <= 0 {
		select {
		case job := <-ch:
			return job, nil
		default:
			return models.Job{}, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case job := <-ch:
		return job, nil
	case <-timer.C:
		return models.Job{}, ErrTimeout
	case <-ctx.Done():
		return models.Job{}, ctx.Err()
	}
}

// Done stops tracking id once its processing has finished or been abandoned.
func (d *Dispatch) Done(id string) {
	d.mu.Lock()
	delete(d.tracked, id)
	d.mu.Unlock()
}

// Reset swaps in an empty queue, drops every job still waiting in the old
// one and returns how many were dropped. Jobs already popped are untouched.
func (d *Dispatch) Reset() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.ch
	d.ch = make(chan models.Job, d.size)
	dropped := 0
	for {
		select {
		case job := <-old:
			delete(d.tracked, job.ID)
			dropped++
		default:
			return dropped
		}
	}
}

// Len reports how many jobs are waiting.
func (d *Dispatch) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ch)
}

// Tracked reports how many jobs are waiting or in flight.
func (d *Dispatch) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tracked)
}
