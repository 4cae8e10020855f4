package gc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/domain"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/observability"
	"github.com/nkiryanov/sessionkeeper/internal/repository"
)

const (
	JobName        = "session-gc"
	HandlerJobName = "handler-gc"

	defaultRetryInterval = time.Second
)

type garbageCollector interface {
	CollectGarbage(ctx context.Context) (int, error)
}

type JobOptions struct {
	// Attempts after the first failure within one run.
	// Zero means domain.DefaultMaxRetries, negative disables retries
	MaxRetries int

	// First pause between attempts, doubled on each retry
	RetryInterval time.Duration
}

// tracker keeps job state behind a mutex: an abandoned run may still finish while the next one starts
type tracker struct {
	mu    sync.Mutex
	state domain.JobState
}

func (t *tracker) apply(fn func(*domain.JobState) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(&t.state)
}

func (t *tracker) read(fn func(*domain.JobState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.state)
}

func (t *tracker) ID() uuid.UUID {
	var id uuid.UUID
	t.read(func(s *domain.JobState) { id = s.ID() })
	return id
}

func (t *tracker) Name() string {
	var name string
	t.read(func(s *domain.JobState) { name = s.Name() })
	return name
}

func (t *tracker) Status() domain.JobStatus {
	var status domain.JobStatus
	t.read(func(s *domain.JobState) { status = s.Status() })
	return status
}

func (t *tracker) RetryCount() int {
	var n int
	t.read(func(s *domain.JobState) { n = s.RetryCount() })
	return n
}

func (t *tracker) MaxRetries() int {
	var n int
	t.read(func(s *domain.JobState) { n = s.MaxRetries() })
	return n
}

// Schedule marks the job as queued for a run
func (t *tracker) Schedule() error {
	return t.apply((*domain.JobState).Schedule)
}

// run executes op once per attempt, retrying storage outages up to MaxRetries times
func (t *tracker) run(ctx context.Context, retryInterval time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.MaxRetries())), ctx)

	return backoff.Retry(func() error {
		if err := t.apply((*domain.JobState).Start); err != nil {
			return backoff.Permanent(err)
		}

		if err := op(); err != nil {
			_ = t.apply((*domain.JobState).Fail)
			if !errors.Is(err, apperrors.ErrStorageUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}

		return t.apply((*domain.JobState).Complete)
	}, policy)
}

func newTracker(name string, opts JobOptions) (*tracker, time.Duration) {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = domain.DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	return &tracker{state: domain.NewJobState(name, opts.MaxRetries)}, opts.RetryInterval
}

// Job runs the session garbage collector
type Job struct {
	*tracker
	collector     garbageCollector
	retryInterval time.Duration
}

func NewJob(collector garbageCollector, opts JobOptions) *Job {
	t, interval := newTracker(JobName, opts)
	return &Job{tracker: t, collector: collector, retryInterval: interval}
}

func (j *Job) Execute(ctx context.Context, log logger.Logger) error {
	log.Info("Session garbage collection started", "job_id", j.ID())

	return j.run(ctx, j.retryInterval, func() error {
		count, err := j.collector.CollectGarbage(ctx)
		if err != nil {
			log.Warn("Session garbage collection attempt failed", "error", err)
			return err
		}
		log.Info("Session garbage collection finished", "deleted", count)
		return nil
	})
}

// HandlerJob removes handler payloads not written for longer than maxLifetime
type HandlerJob struct {
	*tracker
	handler       repository.SessionHandler
	namespace     string
	maxLifetime   time.Duration
	metrics       *observability.Metrics
	retryInterval time.Duration
}

// The handler must be open
func NewHandlerJob(handler repository.SessionHandler, namespace string, maxLifetime time.Duration, metrics *observability.Metrics, opts JobOptions) *HandlerJob {
	t, interval := newTracker(HandlerJobName, opts)
	return &HandlerJob{
		tracker:       t,
		handler:       handler,
		namespace:     namespace,
		maxLifetime:   maxLifetime,
		metrics:       metrics,
		retryInterval: interval,
	}
}

func (j *HandlerJob) Execute(ctx context.Context, log logger.Logger) error {
	log.Info("Handler payload collection started", "namespace", j.namespace, "max_lifetime", j.maxLifetime)

	return j.run(ctx, j.retryInterval, func() error {
		removed, err := j.handler.GC(ctx, j.maxLifetime)
		if err != nil {
			return err
		}
		j.metrics.RecordHandlerGC(ctx, j.namespace, removed)
		log.Info("Handler payload collection finished", "removed", removed)
		return nil
	})
}
