package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tacit/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tacit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestEnqueueDefaults(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(context.Background(), &Job{Type: TypeValidate})
	require.NoError(t, err)

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 5, j.Priority)
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Equal(t, "{}", j.Payload)
	assert.Zero(t, j.Attempts)
}

func TestEnqueueIdempotencyKeyIsNoOp(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, &Job{Type: TypeLearn, IdempotencyKey: "learn-msg5"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, &Job{Type: TypeLearn, IdempotencyKey: "learn-msg5", Payload: `{"x":1}`})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusQueued])
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), &Job{})
	assert.ErrorIs(t, err, store.ErrInputMalformed)

	_, err = q.Enqueue(context.Background(), &Job{Type: TypeValidate, Priority: 11})
	assert.ErrorIs(t, err, store.ErrInputMalformed)
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low, err := q.Enqueue(ctx, &Job{Type: TypeValidate, Priority: 7})
	require.NoError(t, err)
	urgent, err := q.Enqueue(ctx, &Job{Type: TypeValidate, Priority: 2})
	require.NoError(t, err)

	j, err := q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, urgent, j.ID)
	assert.Equal(t, StatusInProgress, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.NotEmpty(t, j.LeaseExpiresAt)

	j, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, low, j.ID)

	j, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j, "empty queue claims nothing")
}

func TestClaimFiltersTypes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Job{Type: TypeLearn})
	require.NoError(t, err)

	j, err := q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = q.Claim(ctx, []string{TypeValidate, TypeLearn}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, TypeLearn, j.Type)
}

func TestClaimHonorsScheduledAt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Job{
		Type:        TypeValidate,
		ScheduledAt: store.FormatTime(time.Now().UTC().Add(time.Hour)),
	})
	require.NoError(t, err)

	j, err := q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, j, "future jobs are invisible to claim")
}

func TestCompleteLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)
	j, err := q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)

	require.NoError(t, q.Complete(ctx, id, `{"ok":true}`))
	got, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotEmpty(t, got.CompletedAt)
	assert.Empty(t, got.LeaseExpiresAt)
}

func TestCompleteRequiresInProgress(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)

	err = q.Complete(ctx, id, "")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = q.Complete(ctx, "01MISSINGMISSINGMISSINGMIS", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.New("oracle timeout")))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "oracle timeout", j.Error)
	assert.Equal(t, 1, j.Attempts)

	scheduled, err := store.ParseTime(j.ScheduledAt)
	require.NoError(t, err)
	assert.True(t, scheduled.After(time.Now().UTC()), "retry must be scheduled in the future")
}

func TestFailExhaustionDeadLetters(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))
	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, j.Status)

	letters, err := q.DeadLetters(10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].ID)
}

func TestFailUntilParksJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)

	retryAt := time.Now().UTC().Add(6 * time.Hour)
	require.NoError(t, q.FailUntil(ctx, id, errors.New("budget"), retryAt))

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, store.FormatTime(retryAt), j.ScheduledAt)
}

func TestFailUntilNeverConsumesAttempts(t *testing.T) {
	// A park is a scheduling decision, not a failure. A job waiting out
	// budget exhaustion across many periods must survive any number of
	// park cycles, even with the tightest attempt limit.
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate, MaxAttempts: 1})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		j, err := q.Claim(ctx, []string{TypeValidate}, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j, "parked job must stay claimable, cycle %d", i)

		past := time.Now().UTC().Add(-time.Second)
		require.NoError(t, q.FailUntil(ctx, id, errors.New("budget"), past))
	}

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Zero(t, j.Attempts)
	assert.Equal(t, "budget", j.Error)

	// A real failure still counts and still dead-letters.
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))
	j, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, j.Status)
}

func TestRetryResetsDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, errors.New("boom")))

	require.NoError(t, q.Retry(ctx, id))
	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Zero(t, j.Attempts)
	assert.Empty(t, j.Error)

	// Retrying a queued job is not a valid transition.
	assert.ErrorIs(t, q.Retry(ctx, id), store.ErrInvalidTransition)
}

func TestReapExpiredLeases(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "lease expired", j.Error)

	// A live lease is left alone.
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Minute)
	require.NoError(t, err)
	n, err = q.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReapDeadLettersExhaustedJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &Job{Type: TypeValidate, MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeValidate}, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = q.ReapExpiredLeases(ctx)
	require.NoError(t, err)

	j, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDeadLetter, j.Status)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	for attempts, floor := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		9: 60 * time.Second,
	} {
		d := Backoff(attempts)
		assert.GreaterOrEqual(t, d, floor, "attempts=%d", attempts)
		assert.Less(t, d, floor+jitterCap, "attempts=%d", attempts)
	}
}

func TestCounts(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &Job{Type: TypeValidate})
	require.NoError(t, err)
	id, err := q.Enqueue(ctx, &Job{Type: TypeLearn})
	require.NoError(t, err)
	_, err = q.Claim(ctx, []string{TypeLearn}, time.Minute)
	require.NoError(t, err)
	_ = id

	counts, err := q.Counts()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatusQueued])
	assert.Equal(t, int64(1), counts[StatusInProgress])
}
