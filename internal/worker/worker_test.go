package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/goleak"

	"tacit/internal/queue"
	"tacit/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPool(t *testing.T, opts ...Option) (*Pool, *queue.Queue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tacit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q := queue.New(s)
	opts = append([]Option{WithPollInterval(5 * time.Millisecond), WithStopGrace(2 * time.Second)}, opts...)
	return NewPool(q, zap.NewNop(), opts...), q
}

func waitForStatus(t *testing.T, q *queue.Queue, id, status string) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := q.Get(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func TestPoolProcessesJobs(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	var handled atomic.Int32
	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		handled.Add(1)
		return nil
	}, time.Minute, 2)

	var jobIDs []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate})
		require.NoError(t, err)
		jobIDs = append(jobIDs, id)
	}

	require.NoError(t, pool.Start())
	defer pool.Stop()

	for _, id := range jobIDs {
		waitForStatus(t, q, id, queue.StatusCompleted)
	}
	assert.Equal(t, int32(3), handled.Load())
}

func TestHandlerErrorRequeues(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		return errors.New("transient")
	}, time.Minute, 1)

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate})
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := waitForStatus(t, q, id, queue.StatusQueued)
	assert.Equal(t, "transient", job.Error)
	assert.GreaterOrEqual(t, job.Attempts, 1)
}

func TestHandlerPanicFailsJobNotPool(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		panic("handler exploded")
	}, time.Minute, 1)

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate, MaxAttempts: 1})
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := waitForStatus(t, q, id, queue.StatusDeadLetter)
	assert.Contains(t, job.Error, "panic: handler exploded")
}

func TestPolicyViolationDeadLettersImmediately(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	pool.Register(queue.TypePublish, func(ctx context.Context, job *queue.Job) error {
		return store.ErrPolicyViolation
	}, time.Minute, 1)

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypePublish})
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := waitForStatus(t, q, id, queue.StatusDeadLetter)
	assert.Equal(t, 1, job.Attempts, "policy violations must not retry")
}

func TestRetryAtParksJobUntilGivenTime(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	retryAt := time.Now().UTC().Add(time.Hour)
	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		return RetryAt(store.ErrBudget, retryAt)
	}, time.Minute, 1)

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate})
	require.NoError(t, err)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	job := waitForStatus(t, q, id, queue.StatusQueued)
	assert.Equal(t, store.FormatTime(retryAt), job.ScheduledAt)
	assert.Contains(t, job.Error, "budget")
}

func TestStartRequiresHandlers(t *testing.T) {
	pool, _ := newTestPool(t)
	assert.Error(t, pool.Start())
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	pool, _ := newTestPool(t)
	pool.Stop()
}

func TestExpiredLeaseReclaimedOnNextPoll(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate})
	require.NoError(t, err)

	// Another worker claimed the job and died; its lease lapses at once.
	stale, err := q.Claim(ctx, []string{queue.TypeValidate}, time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, stale)
	time.Sleep(5 * time.Millisecond)

	var handled atomic.Int32
	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		handled.Add(1)
		return nil
	}, time.Minute, 1)

	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitForStatus(t, q, id, queue.StatusCompleted)
	assert.Equal(t, int32(1), handled.Load())
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	pool, q := newTestPool(t)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Register(queue.TypeValidate, func(ctx context.Context, job *queue.Job) error {
		close(started)
		<-release
		return nil
	}, time.Minute, 1)

	id, err := q.Enqueue(ctx, &queue.Job{Type: queue.TypeValidate})
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	<-started
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	pool.Stop()

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status, "in-flight work finishes within the grace period")
}
