package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/retry"
)

// ErrSchedulerClosed is returned by Start after Close.
var ErrSchedulerClosed = errors.New("credentials: scheduler closed")

// Processor runs one pass of the stage table. *Engine implements it.
type Processor interface {
	Process(ctx context.Context, t creds.Trigger) (creds.BatchStatus, error)
}

// Job is a trigger being driven to completion in the background.
type Job struct {
	trigger creds.Trigger
	done    chan struct{}

	mu       sync.Mutex
	status   creds.BatchStatus
	err      error
	attempts int
}

// Trigger returns the job's trigger.
func (j *Job) Trigger() creds.Trigger { return j.trigger }

// Done is closed when the job stops, finished or not.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the last error. Nil once the batch is Finished.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Status returns the last persisted status seen.
func (j *Job) Status() creds.BatchStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Attempts returns how many times Process ran.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

func (j *Job) record(status creds.BatchStatus, err error) {
	j.mu.Lock()
	j.status = status
	j.err = err
	j.attempts++
	j.mu.Unlock()
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSleep replaces the delay function between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRetryHook is called with the class and delay of every scheduled retry.
func WithRetryHook(fn func(retry.Class, time.Duration)) SchedulerOption {
	return func(s *Scheduler) { s.onRetry = fn }
}

// Scheduler retries Process per the error kind it returns: Retry waits on the
// exponential backoff of the failing call class, RetryShort waits the fixed
// short delay, anything else stops the job.
type Scheduler struct {
	proc    Processor
	policy  retry.Policy
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(retry.Class, time.Duration)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
}

// NewScheduler returns a scheduler running jobs through proc.
func NewScheduler(proc Processor, policy retry.Policy, opts ...SchedulerOption) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		proc:   proc,
		policy: policy,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:  sleepCtx,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins driving t. A trigger already in flight returns its job.
func (s *Scheduler) Start(t creds.Trigger) (*Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	key := t.Key().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if j, ok := s.jobs[key]; ok {
		return j, nil
	}
	j := &Job{trigger: t, done: make(chan struct{})}
	s.jobs[key] = j
	s.wg.Add(1)
	go s.run(key, j)
	return j, nil
}

// Active returns the number of jobs in flight.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Close stops all jobs and waits for them. Persisted state is left for the next
// Start of the same trigger.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(key string, j *Job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.jobs, key)
		s.mu.Unlock()
		close(j.done)
	}()

	tracker := retry.NewTracker(s.policy)
	for {
		status, err := s.proc.Process(s.ctx, j.trigger)
		j.record(status, err)
		if err == nil {
			s.log.Info("credentials.job.done", "trigger", key, "attempts", j.Attempts())
			return
		}

		var d time.Duration
		class := classFor(status)
		switch creds.ResultOf(err) {
		case creds.ResultRetryShort:
			d = tracker.Short()
		case creds.ResultRetry:
			d = tracker.Next(class)
		default:
			s.log.Warn("credentials.job.stop", "trigger", key, "status", status.String(), "err", err)
			return
		}
		if d == backoff.Stop {
			s.log.Warn("credentials.job.give_up", "trigger", key, "status", status.String(), "err", err)
			return
		}

		if s.onRetry != nil {
			s.onRetry(class, d)
		}
		s.log.Debug("credentials.job.retry", "trigger", key, "status", status.String(), "delay", d)
		if err := s.sleep(s.ctx, d); err != nil {
			return
		}
	}
}

// classFor maps the stage a job failed at to the remote call it was waiting on.
func classFor(status creds.BatchStatus) retry.Class {
	switch status {
	case creds.StatusClaimed, creds.StatusSigned:
		return retry.ClassFetch
	}
	return retry.ClassClaim
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
