// Package worker runs the background pool that drains the job queue.
// Each registered job type gets its own lease length and concurrency;
// claim loops poll the queue, run the handler under the lease deadline,
// and map the outcome back onto queue transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tacit/internal/queue"
	"tacit/internal/store"
)

// Handler processes one claimed job. The context is cancelled when the
// lease expires or the pool is force-stopped; handlers must be
// idempotent because delivery is at-least-once.
type Handler func(ctx context.Context, job *queue.Job) error

type registration struct {
	handler     Handler
	lease       time.Duration
	concurrency int
}

// Pool owns the claim loops. Every claim is preceded by a lease reap,
// so a crashed worker's jobs return to the queue as soon as any idle
// claimer polls past their expiry.
type Pool struct {
	queue *queue.Queue
	log   *zap.Logger

	pollInterval time.Duration
	stopGrace    time.Duration

	mu       sync.Mutex
	handlers map[string]registration

	stopPoll context.CancelFunc
	stopJobs context.CancelFunc
	done     chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.pollInterval = d }
}

func WithStopGrace(d time.Duration) Option {
	return func(p *Pool) { p.stopGrace = d }
}

func NewPool(q *queue.Queue, log *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		queue:        q,
		log:          log,
		pollInterval: time.Second,
		stopGrace:    30 * time.Second,
		handlers:     make(map[string]registration),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a job type. Must be called before Start.
func (p *Pool) Register(jobType string, h Handler, lease time.Duration, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = registration{handler: h, lease: lease, concurrency: concurrency}
}

// Start launches the claim loops and the lease reaper. It returns
// immediately; use Stop to shut down.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	if p.done != nil {
		return errors.New("pool already started")
	}

	pollCtx, stopPoll := context.WithCancel(context.Background())
	jobCtx, stopJobs := context.WithCancel(context.Background())
	p.stopPoll = stopPoll
	p.stopJobs = stopJobs
	p.done = make(chan struct{})

	g := &errgroup.Group{}
	for jobType, reg := range p.handlers {
		for i := 0; i < reg.concurrency; i++ {
			jobType, reg := jobType, reg
			g.Go(func() error {
				p.claimLoop(pollCtx, jobCtx, jobType, reg)
				return nil
			})
		}
	}
	go func() {
		g.Wait()
		close(p.done)
	}()
	return nil
}

// Stop shuts the pool down cooperatively: polling stops at once, and
// in-flight handlers get the grace period to finish before their
// contexts are cancelled.
func (p *Pool) Stop() {
	p.mu.Lock()
	stopPoll, stopJobs, done := p.stopPoll, p.stopJobs, p.done
	p.mu.Unlock()
	if done == nil {
		return
	}

	stopPoll()
	select {
	case <-done:
	case <-time.After(p.stopGrace):
		p.log.Warn("stop grace elapsed, cancelling in-flight jobs")
	}
	stopJobs()
	<-done

	p.mu.Lock()
	p.done = nil
	p.stopPoll = nil
	p.stopJobs = nil
	p.mu.Unlock()
}

func (p *Pool) claimLoop(pollCtx, jobCtx context.Context, jobType string, reg registration) {
	for {
		p.reap(pollCtx)
		job, err := p.queue.Claim(pollCtx, []string{jobType}, reg.lease)
		if err != nil {
			if pollCtx.Err() != nil {
				return
			}
			p.log.Error("claim failed", zap.String("type", jobType), zap.Error(err))
		}
		if job != nil {
			p.runJob(jobCtx, job, reg)
			// Drain eagerly while work is available.
			if pollCtx.Err() == nil {
				continue
			}
		}
		select {
		case <-pollCtx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// runJob executes the handler under the lease deadline and reports the
// outcome. A panic inside a handler fails the job instead of taking the
// pool down.
func (p *Pool) runJob(ctx context.Context, job *queue.Job, reg registration) {
	ctx, cancel := context.WithTimeout(ctx, reg.lease)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("handler panic",
					zap.String("job_id", job.ID),
					zap.String("type", job.Type),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return reg.handler(ctx, job)
	}()

	// Queue transitions run on a fresh context so a cancelled job
	// context cannot strand the row in in_progress.
	opCtx, opCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer opCancel()

	switch {
	case err == nil:
		if cerr := p.queue.Complete(opCtx, job.ID, ""); cerr != nil {
			p.log.Error("complete failed", zap.String("job_id", job.ID), zap.Error(cerr))
		}
	case errors.Is(err, store.ErrPolicyViolation) || errors.Is(err, store.ErrFatal):
		if kerr := p.queue.Kill(opCtx, job.ID, err); kerr != nil {
			p.log.Error("kill failed", zap.String("job_id", job.ID), zap.Error(kerr))
		}
	default:
		var delayed *RetryAtError
		var ferr error
		if errors.As(err, &delayed) {
			ferr = p.queue.FailUntil(opCtx, job.ID, delayed.Err, delayed.At)
		} else {
			ferr = p.queue.Fail(opCtx, job.ID, err)
		}
		if ferr != nil {
			p.log.Error("fail failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	n, err := p.queue.ReapExpiredLeases(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Error("lease reap failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		p.log.Warn("requeued expired leases", zap.Int64("count", n))
	}
}

// RetryAtError defers a job's next attempt to a specific time instead of
// the default backoff. The budget governor uses it to park jobs until
// the spend period rolls over.
type RetryAtError struct {
	Err error
	At  time.Time
}

func (e *RetryAtError) Error() string {
	return fmt.Sprintf("%v (retry at %s)", e.Err, e.At.UTC().Format(time.RFC3339))
}

func (e *RetryAtError) Unwrap() error { return e.Err }

// RetryAt wraps err so the pool requeues the job no earlier than at.
func RetryAt(err error, at time.Time) error {
	return &RetryAtError{Err: err, At: at}
}
