// Package shutdown holds the processor's RUNNING / SHUTTING_DOWN state.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// State is the processor lifecycle state.
type State int32

const (
	Running State = iota
	ShuttingDown
)

func (s State) String() string {
	if s == ShuttingDown {
		return "SHUTTING_DOWN"
	}
	return "RUNNING"
}

// Resetter empties the dispatch queue when shutdown begins.
type Resetter interface {
	Reset() int
}

// Coordinator moves the processor from Running to ShuttingDown exactly once.
// Shutdown is cooperative: nothing in flight is interrupted, the scheduler
// and workers observe the state and stop taking new work.
type Coordinator struct {
	state    atomic.Int32
	once     sync.Once
	done     chan struct{}
	resetter Resetter
	log      *logrus.Entry
}

// New returns a Running coordinator. resetter may be nil.
func New(resetter Resetter, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		done:     make(chan struct{}),
		resetter: resetter,
		log:      log.WithField("component", "shutdown"),
	}
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

// ShuttingDown reports whether shutdown has begun.
func (c *Coordinator) ShuttingDown() bool { return c.State() == ShuttingDown }

// Done is closed once shutdown has begun.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown begins draining. Later calls do nothing.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.state.Store(int32(ShuttingDown))
		dropped := 0
		if c.resetter != nil {
			dropped = c.resetter.Reset()
		}
		close(c.done)
		c.log.WithField("dropped", dropped).Warn("shutdown in progress - waiting for background workers to finish")
	})
}

// Watch calls Shutdown on the first of signals (SIGINT and SIGTERM when none
// are given) or when ctx ends. It returns immediately.
func (c *Coordinator) Watch(ctx context.Context, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			c.log.WithField("signal", sig.String()).Info("signal received")
			c.Shutdown()
		case <-ctx.Done():
			c.Shutdown()
		case <-c.done:
		}
	}()
}
