package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/executor"
	"github.com/MaxIV-KitsControls/netspot/internal/models"
	"github.com/MaxIV-KitsControls/netspot/internal/queue"
	"github.com/MaxIV-KitsControls/netspot/internal/shutdown"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
)

func testOptions() Options {
	return Options{
		Workers:        2,
		DequeueTimeout: 10 * time.Millisecond,
		RetryAttempts:  3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		RedactKeys:     []string{"password"},
	}
}

func quietLog() *logrus.Entry {
	logger, _ := test.NewNullLogger()
	return logrus.NewEntry(logger)
}

func addJob(t *testing.T, st store.Store) models.Job {
	t.Helper()
	ctx := context.Background()
	id, err := st.AddJob(ctx, models.NewJob{
		Username:        "alice",
		ActionReference: "ping_sweep.yaml",
		TargetSelector:  "asset:sw-1",
		Parameters:      models.Parameters{{Key: "password", Value: "hunter2"}, {Key: "count", Value: float64(3)}},
		Secret:          "become-me",
		InventorySnapshot: models.InventorySnapshot{
			Groups: map[string]models.Group{"access": {Hosts: []string{"sw-1"}}},
		},
	})
	require.NoError(t, err)
	job, err := st.GetJob(ctx, id)
	require.NoError(t, err)
	return job
}

func okExecutor(calls *atomic.Int32) executor.Executor {
	return executor.Func(func(_ context.Context, req executor.Request) (models.Outcome, error) {
		if calls != nil {
			calls.Add(1)
		}
		return models.Outcome{
			Hosts:      map[string]models.HostSummary{"sw-1": {Ok: 2}},
			Transcript: "PLAY RECAP sw-1 ok=2",
		}, nil
	})
}

type harness struct {
	d     *queue.Dispatch
	coord *shutdown.Coordinator
	log   *audit.Memory
	pool  *Pool
}

func newHarness(t *testing.T, st store.Store, ex executor.Executor) *harness {
	t.Helper()
	h := &harness{d: queue.NewDispatch(16), log: audit.NewMemory()}
	h.coord = shutdown.New(h.d, quietLog())
	h.pool = NewPool(testOptions(), h.d, st, ex, h.log, h.coord, quietLog())
	t.Cleanup(func() {
		h.coord.Shutdown()
		h.pool.Wait()
	})
	return h
}

func waitStatus(t *testing.T, st store.Store, id string, want models.Status) models.Job {
	t.Helper()
	var job models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJob(context.Background(), id)
		return err == nil && job.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestPoolProcessesJob(t *testing.T) {
	st := store.NewMemory()
	var calls atomic.Int32
	h := newHarness(t, st, okExecutor(&calls))
	job := addJob(t, st)

	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))

	got := waitStatus(t, st, job.ID, models.StatusProcessed)
	assert.True(t, got.InventorySnapshot.Empty())
	assert.Equal(t, int32(1), calls.Load())

	require.Eventually(t, func() bool { return len(h.log.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := h.log.Entries()[0]
	assert.True(t, entry.Success)
	assert.Equal(t, []string{"count"}, entry.Arguments.Keys())
	assert.Equal(t, "PLAY RECAP sw-1 ok=2", entry.Output)

	require.Eventually(t, func() bool { return h.d.Tracked() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), st.OpenConns())
	assert.Equal(t, 0, h.pool.Busy())
}

func TestPoolExecutorErrorClearsSnapshot(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, executor.Func(func(context.Context, executor.Request) (models.Outcome, error) {
		return models.Outcome{}, &executor.Error{Reference: "bad_playbook", Err: errors.New("no such playbook")}
	}))
	job := addJob(t, st)
	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))

	got := waitStatus(t, st, job.ID, models.StatusExecutorError)
	assert.True(t, got.InventorySnapshot.Empty())
	require.Eventually(t, func() bool { return len(h.log.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.log.Entries()[0].Success)
	assert.Contains(t, h.log.Entries()[0].Error, "no such playbook")
}

func TestPoolHostFailures(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, executor.Func(func(context.Context, executor.Request) (models.Outcome, error) {
		return models.Outcome{Hosts: map[string]models.HostSummary{"sw-1": {Ok: 1, Failures: 1}}}, nil
	}))
	job := addJob(t, st)
	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))
	waitStatus(t, st, job.ID, models.StatusProcessedWithFailures)
}

func TestPoolRecoversExecutorPanic(t *testing.T) {
	st := store.NewMemory()
	h := newHarness(t, st, executor.Func(func(context.Context, executor.Request) (models.Outcome, error) {
		panic("runner exploded")
	}))
	job := addJob(t, st)
	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))

	got := waitStatus(t, st, job.ID, models.StatusExecutorError)
	assert.True(t, got.InventorySnapshot.Empty())
	require.Eventually(t, func() bool { return st.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
}

type panicRecorder struct{ calls atomic.Int32 }

func (r *panicRecorder) Record(context.Context, audit.Entry) error {
	r.calls.Add(1)
	panic("audit backend exploded")
}

func TestPoolSurvivesReportingPanic(t *testing.T) {
	st := store.NewMemory()
	d := queue.NewDispatch(16)
	coord := shutdown.New(d, quietLog())
	logger, hook := test.NewNullLogger()
	rec := &panicRecorder{}
	opts := testOptions()
	opts.Workers = 1
	pool := NewPool(opts, d, st, okExecutor(nil), rec, coord, logrus.NewEntry(logger))
	t.Cleanup(func() {
		coord.Shutdown()
		pool.Wait()
	})

	first, second := addJob(t, st), addJob(t, st)
	pool.Start(context.Background())
	require.NoError(t, d.Push(first))
	require.NoError(t, d.Push(second))

	// one worker, so the second job proves it outlived the first panic
	waitStatus(t, st, first.ID, models.StatusProcessed)
	got := waitStatus(t, st, second.ID, models.StatusProcessed)
	assert.True(t, got.InventorySnapshot.Empty())
	require.Eventually(t, func() bool { return d.Tracked() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), rec.calls.Load())
	assert.Equal(t, int64(0), st.OpenConns())
	assert.Equal(t, 0, pool.Busy())

	var reported int
	for _, e := range hook.AllEntries() {
		if e.Message == "report finished job" {
			reported++
		}
	}
	assert.Equal(t, 2, reported)
}

func TestPoolExecutorTimeout(t *testing.T) {
	st := store.NewMemory()
	d := queue.NewDispatch(4)
	coord := shutdown.New(d, quietLog())
	opts := testOptions()
	opts.ExecutorTimeout = 20 * time.Millisecond
	pool := NewPool(opts, d, st, executor.Func(func(ctx context.Context, _ executor.Request) (models.Outcome, error) {
		<-ctx.Done()
		return models.Outcome{}, &executor.Error{Reference: "slow", Err: ctx.Err()}
	}), nil, coord, quietLog())
	defer func() {
		coord.Shutdown()
		pool.Wait()
	}()

	job := addJob(t, st)
	pool.Start(context.Background())
	require.NoError(t, d.Push(job))
	waitStatus(t, st, job.ID, models.StatusExecutorError)
}

func TestPoolSkipsJobAlreadyClaimed(t *testing.T) {
	st := store.NewMemory()
	var calls atomic.Int32
	h := newHarness(t, st, okExecutor(&calls))
	job := addJob(t, st)
	require.NoError(t, st.UpdateStatus(context.Background(), job.ID, models.StatusActive))

	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))

	require.Eventually(t, func() bool { return h.d.Tracked() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int64(0), st.OpenConns())
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
}

// flakyStore fails the first failAcquire calls to Acquire and the first
// failUpdate terminal writes.
type flakyStore struct {
	store.Store
	mu          sync.Mutex
	failAcquire int
	failUpdate  int
	acquires    int
}

func (f *flakyStore) Acquire(ctx context.Context) (store.Conn, error) {
	f.mu.Lock()
	f.acquires++
	fail := f.failAcquire > 0
	if fail {
		f.failAcquire--
	}
	f.mu.Unlock()
	if fail {
		return nil, store.ErrStoreUnavailable
	}
	c, err := f.Store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyConn{Conn: c, parent: f}, nil
}

func (f *flakyStore) Acquires() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

type flakyConn struct {
	store.Conn
	parent *flakyStore
}

func (c *flakyConn) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	c.parent.mu.Lock()
	fail := c.parent.failUpdate > 0
	if fail {
		c.parent.failUpdate--
	}
	c.parent.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return c.Conn.UpdateStatus(ctx, id, status)
}

func TestPoolRetriesStoreErrors(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failAcquire: 2, failUpdate: 2}
	h := newHarness(t, flaky, okExecutor(nil))
	job := addJob(t, mem)

	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))
	waitStatus(t, mem, job.ID, models.StatusProcessed)
	assert.Equal(t, 3, flaky.Acquires())
	require.Eventually(t, func() bool { return mem.OpenConns() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolGivesUpWhenStoreUnavailable(t *testing.T) {
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, failAcquire: 100}
	var calls atomic.Int32
	h := newHarness(t, flaky, okExecutor(&calls))
	job := addJob(t, mem)

	h.pool.Start(context.Background())
	require.NoError(t, h.d.Push(job))
	require.Eventually(t, func() bool { return h.d.Tracked() == 0 }, time.Second, 5*time.Millisecond)

	got, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, int32(0), calls.Load())
}

// lateDispatch flips the coordinator into shutdown while handing out a job,
// the way a signal arriving mid-pop would.
type lateDispatch struct {
	*queue.Dispatch
	coord *shutdown.Coordinator
}

func (l *lateDispatch) Pop(ctx context.Context, timeout time.Duration) (models.Job, error) {
	job, err := l.Dispatch.Pop(ctx, timeout)
	if err == nil {
		l.coord.Shutdown()
	}
	return job, err
}

func TestPoolLeavesJobQueuedAfterShutdown(t *testing.T) {
	st := store.NewMemory()
	d := queue.NewDispatch(4)
	coord := shutdown.New(nil, quietLog())
	var calls atomic.Int32
	pool := NewPool(testOptions(), &lateDispatch{Dispatch: d, coord: coord}, st, okExecutor(&calls), nil, coord, quietLog())

	job := addJob(t, st)
	require.NoError(t, d.Push(job))
	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after shutdown")
	}

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, d.Tracked())
}

func TestPoolStopsOnContextCancel(t *testing.T) {
	st := store.NewMemory()
	d := queue.NewDispatch(4)
	coord := shutdown.New(d, quietLog())
	pool := NewPool(testOptions(), d, st, okExecutor(nil), nil, coord, quietLog())

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit on cancel")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		outcome models.Outcome
		err     error
		want    models.Status
	}{
		{"clean", models.Outcome{Hosts: map[string]models.HostSummary{"a": {Ok: 1}}}, nil, models.StatusProcessed},
		{"no hosts", models.Outcome{}, nil, models.StatusProcessed},
		{"failed host", models.Outcome{Hosts: map[string]models.HostSummary{"a": {Failures: 1}}}, nil, models.StatusProcessedWithFailures},
		{"unreachable host", models.Outcome{Hosts: map[string]models.HostSummary{"a": {Unreachable: 2}}}, nil, models.StatusProcessedWithFailures},
		{"executor error", models.Outcome{}, errors.New("boom"), models.StatusExecutorError},
		{"error wins", models.Outcome{Hosts: map[string]models.HostSummary{"a": {Failures: 1}}}, errors.New("boom"), models.StatusExecutorError},
	}
	for _, tc := range cases {
		if got := Classify(tc.outcome, tc.err); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}
