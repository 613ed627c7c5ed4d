// Package queue implements the durable job queue on top of the store.
// Jobs survive restarts, are claimed under short leases, and retry with
// exponential backoff until they complete or exhaust their attempts.
// Delivery is at-least-once; handlers are expected to be idempotent.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"tacit/internal/ids"
	"tacit/internal/store"
)

// Job statuses. queued -> in_progress -> {completed, queued (retry),
// dead_letter}. Retry from dead_letter is an operator action.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
)

// Job types understood by the worker pool.
const (
	TypeValidate = "ai_sanitization_validation"
	TypeLearn    = "extract_learning"
	TypePublish  = "publish_learning"
	TypePrune    = "prune_telemetry"
)

const (
	defaultPriority    = 5
	defaultMaxAttempts = 3
	maxBackoff         = 60 * time.Second
	baseBackoff        = 1 * time.Second
	jitterCap          = 1 * time.Second
)

// Job is one row in the queue.
type Job struct {
	ID             string
	Type           string
	Payload        string // JSON
	Status         string
	Priority       int
	Attempts       int
	MaxAttempts    int
	IdempotencyKey string
	ScheduledAt    string
	LeaseExpiresAt string
	StartedAt      string
	CompletedAt    string
	Error          string
	Result         string
	CreatedAt      string
	UpdatedAt      string
}

// Queue wraps the store with queue semantics.
type Queue struct {
	store *store.Store
}

func New(s *store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue inserts a job. When the job carries an idempotency key that
// already exists, the existing job's id is returned and nothing is
// written; producers can therefore fire-and-forget duplicates.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.Type == "" {
		return "", fmt.Errorf("%w: job type required", store.ErrInputMalformed)
	}
	if job.Priority == 0 {
		job.Priority = defaultPriority
	}
	if job.Priority < 1 || job.Priority > 10 {
		return "", fmt.Errorf("%w: priority %d out of range", store.ErrInputMalformed, job.Priority)
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	var id string
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if job.IdempotencyKey != "" {
			var existing string
			err := tx.QueryRow(
				"SELECT id FROM job_queue WHERE idempotency_key = ?",
				job.IdempotencyKey,
			).Scan(&existing)
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		id = ids.New()
		now := store.Now()
		scheduled := job.ScheduledAt
		if scheduled == "" {
			scheduled = now
		}
		_, err := tx.Exec(
			`INSERT INTO job_queue
				(id, type, payload, status, priority, attempts, max_attempts,
				 idempotency_key, scheduled_at, created_at, updated_at)
			 VALUES (?, ?, ?, 'queued', ?, 0, ?, NULLIF(?, ''), ?, ?, ?)`,
			id, job.Type, job.Payload, job.Priority, job.MaxAttempts,
			job.IdempotencyKey, scheduled, now, now,
		)
		return err
	})
	if err != nil {
		return "", err
	}
	job.ID = id
	return id, nil
}

// EnqueueTx is Enqueue for callers already inside a write transaction,
// so a message insert and its follow-on jobs commit atomically.
func EnqueueTx(tx *sql.Tx, job *Job) (string, error) {
	if job.Priority == 0 {
		job.Priority = defaultPriority
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	if job.IdempotencyKey != "" {
		var existing string
		err := tx.QueryRow(
			"SELECT id FROM job_queue WHERE idempotency_key = ?", job.IdempotencyKey,
		).Scan(&existing)
		if err == nil {
			job.ID = existing
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
	}

	id := ids.New()
	now := store.Now()
	scheduled := job.ScheduledAt
	if scheduled == "" {
		scheduled = now
	}
	_, err := tx.Exec(
		`INSERT INTO job_queue
			(id, type, payload, status, priority, attempts, max_attempts,
			 idempotency_key, scheduled_at, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', ?, 0, ?, NULLIF(?, ''), ?, ?, ?)`,
		id, job.Type, job.Payload, job.Priority, job.MaxAttempts,
		job.IdempotencyKey, scheduled, now, now,
	)
	if err != nil {
		return "", err
	}
	job.ID = id
	return id, nil
}

// Claim leases the next runnable job of one of the given types: lowest
// priority number first, oldest first, only jobs whose scheduled_at has
// passed. Returns (nil, nil) when the queue is empty. The claim and the
// lease stamp happen in one transaction, so two workers can never hold
// the same job.
func (q *Queue) Claim(ctx context.Context, types []string, lease time.Duration) (*Job, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: claim requires at least one type", store.ErrInputMalformed)
	}

	var job *Job
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		query := fmt.Sprintf(
			`SELECT %s FROM job_queue
			 WHERE status = 'queued' AND scheduled_at <= ? AND type IN (%s)
			 ORDER BY priority ASC, created_at ASC, id ASC
			 LIMIT 1`,
			jobColumns, placeholders(len(types)))

		args := make([]any, 0, len(types)+1)
		args = append(args, now)
		for _, t := range types {
			args = append(args, t)
		}

		j, err := scanJob(tx.QueryRow(query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		leaseExpiry := store.FormatTime(time.Now().UTC().Add(lease))
		_, err = tx.Exec(
			`UPDATE job_queue SET
				status = 'in_progress', attempts = attempts + 1,
				started_at = ?, lease_expires_at = ?, updated_at = ?
			 WHERE id = ?`,
			now, leaseExpiry, now, j.ID,
		)
		if err != nil {
			return err
		}
		j.Status = StatusInProgress
		j.Attempts++
		j.StartedAt = now
		j.LeaseExpiresAt = leaseExpiry
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete transitions an in-progress job to completed.
func (q *Queue) Complete(ctx context.Context, id, result string) error {
	return q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		res, err := tx.Exec(
			`UPDATE job_queue SET
				status = 'completed', result = ?, completed_at = ?,
				lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'in_progress'`,
			result, now, now, id,
		)
		if err != nil {
			return err
		}
		return requireTransition(tx, res, id)
	})
}

// Fail records a handler failure. The job requeues with exponential
// backoff, or moves to dead_letter once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, id string, jobErr error) error {
	return q.failAt(ctx, id, jobErr, time.Time{})
}

// FailUntil requeues a failed job with an explicit earliest retry time.
// Used by the budget governor to park jobs until the next period.
func (q *Queue) FailUntil(ctx context.Context, id string, jobErr error, retryAt time.Time) error {
	return q.failAt(ctx, id, jobErr, retryAt)
}

func (q *Queue) failAt(ctx context.Context, id string, jobErr error, retryAt time.Time) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		j, err := getJobTx(tx, id)
		if err != nil {
			return err
		}
		if j.Status != StatusInProgress {
			return fmt.Errorf("%w: fail on %s job %s", store.ErrInvalidTransition, j.Status, id)
		}

		now := store.Now()
		if !retryAt.IsZero() {
			// A parked job has not failed: the attempt goes back, so a
			// job can wait out budget or validation for any number of
			// periods without exhausting max_attempts.
			_, err = tx.Exec(
				`UPDATE job_queue SET
					status = 'queued', error = ?, scheduled_at = ?,
					attempts = attempts - 1, lease_expires_at = NULL, updated_at = ?
				 WHERE id = ?`,
				msg, store.FormatTime(retryAt), now, id,
			)
			return err
		}
		if j.Attempts >= j.MaxAttempts {
			_, err = tx.Exec(
				`UPDATE job_queue SET
					status = 'dead_letter', error = ?, lease_expires_at = NULL, updated_at = ?
				 WHERE id = ?`,
				msg, now, id,
			)
			return err
		}

		scheduled := time.Now().UTC().Add(Backoff(j.Attempts))
		_, err = tx.Exec(
			`UPDATE job_queue SET
				status = 'queued', error = ?, scheduled_at = ?,
				lease_expires_at = NULL, updated_at = ?
			 WHERE id = ?`,
			msg, store.FormatTime(scheduled), now, id,
		)
		return err
	})
}

// Kill sends an in-progress job straight to dead_letter, skipping the
// remaining attempts. Used for non-retryable failures such as policy
// violations.
func (q *Queue) Kill(ctx context.Context, id string, jobErr error) error {
	msg := "unknown error"
	if jobErr != nil {
		msg = jobErr.Error()
	}
	return q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		res, err := tx.Exec(
			`UPDATE job_queue SET
				status = 'dead_letter', error = ?, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'in_progress'`,
			msg, now, id,
		)
		if err != nil {
			return err
		}
		return requireTransition(tx, res, id)
	})
}

// Backoff returns the retry delay after the given number of attempts:
// 1s, 2s, 4s... capped at 60s, plus up to 1s of jitter so a burst of
// failures does not retry in lockstep.
func Backoff(attempts int) time.Duration {
	delay := baseBackoff
	for i := 1; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay + time.Duration(rand.Int63n(int64(jitterCap)))
}

// ReapExpiredLeases requeues in-progress jobs whose lease has lapsed,
// which happens when a worker crashes mid-job. Jobs out of attempts go
// to dead_letter instead. Returns how many rows changed.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int64, error) {
	var reaped int64
	err := q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		res, err := tx.Exec(
			`UPDATE job_queue SET
				status = 'dead_letter', error = 'lease expired', lease_expires_at = NULL, updated_at = ?
			 WHERE status = 'in_progress' AND lease_expires_at < ? AND attempts >= max_attempts`,
			now, now,
		)
		if err != nil {
			return err
		}
		dead, _ := res.RowsAffected()

		res, err = tx.Exec(
			`UPDATE job_queue SET
				status = 'queued', error = 'lease expired', scheduled_at = ?,
				lease_expires_at = NULL, updated_at = ?
			 WHERE status = 'in_progress' AND lease_expires_at < ?`,
			now, now, now,
		)
		if err != nil {
			return err
		}
		requeued, _ := res.RowsAffected()
		reaped = dead + requeued
		return nil
	})
	return reaped, err
}

// Retry resets a dead-letter or failed job for a fresh set of attempts.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.store.WriteTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		res, err := tx.Exec(
			`UPDATE job_queue SET
				status = 'queued', attempts = 0, error = NULL,
				scheduled_at = ?, lease_expires_at = NULL, updated_at = ?
			 WHERE id = ? AND status IN ('dead_letter', 'failed')`,
			now, now, id,
		)
		if err != nil {
			return err
		}
		return requireTransition(tx, res, id)
	})
}

// Get fetches one job by id.
func (q *Queue) Get(id string) (*Job, error) {
	j, err := scanJob(q.store.DB().QueryRow(
		fmt.Sprintf("SELECT %s FROM job_queue WHERE id = ?", jobColumns), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	return j, nil
}

// Counts returns job totals by status for the status CLI.
func (q *Queue) Counts() (map[string]int64, error) {
	rows, err := q.store.DB().Query("SELECT status, COUNT(*) FROM job_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeadLetters lists dead-letter jobs, newest first.
func (q *Queue) DeadLetters(limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.store.DB().Query(
		fmt.Sprintf(
			"SELECT %s FROM job_queue WHERE status = 'dead_letter' ORDER BY updated_at DESC LIMIT ?",
			jobColumns),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts,
	COALESCE(idempotency_key, ''), scheduled_at, COALESCE(lease_expires_at, ''),
	COALESCE(started_at, ''), COALESCE(completed_at, ''), COALESCE(error, ''),
	COALESCE(result, ''), created_at, updated_at`

type rowScanner interface{ Scan(...any) error }

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.IdempotencyKey, &j.ScheduledAt, &j.LeaseExpiresAt,
		&j.StartedAt, &j.CompletedAt, &j.Error, &j.Result, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func getJobTx(tx *sql.Tx, id string) (*Job, error) {
	j, err := scanJob(tx.QueryRow(
		fmt.Sprintf("SELECT %s FROM job_queue WHERE id = ?", jobColumns), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return j, err
}

// requireTransition maps a zero-row UPDATE to the precise sentinel: the
// job either does not exist or is not in a state the transition allows.
func requireTransition(tx *sql.Tx, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err := tx.QueryRow("SELECT status FROM job_queue WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s", store.ErrInvalidTransition, id, status)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
