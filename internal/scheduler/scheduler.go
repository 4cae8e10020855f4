package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/observability"
)

const defaultJobTimeout = time.Minute

// Job is a unit of work the scheduler can run
type Job interface {
	Name() string
	Execute(ctx context.Context, log logger.Logger) error
}

// Jobs tracking their own state are marked scheduled when queued
type schedulable interface {
	Schedule() error
}

type Config struct {
	// Deadline of a single job execution
	// If not set than default is used
	JobTimeout time.Duration

	Metrics *observability.Metrics

	// Clock used when RunDueJobs gets zero reference time
	Now func() time.Time
}

// Registration is a recurring job as it was registered
type Registration struct {
	Key      string
	Job      Job
	CronExpr string
}

type recurring struct {
	Registration
	schedule cron.Schedule
}

// Report tells what one pass did. Keys are in execution order.
type Report struct {
	Executed []string
	Failed   []string
}

// Scheduler runs recurring cron jobs and a FIFO queue of ad-hoc jobs.
// It owns no timer: somebody calls RunDueJobs, normally once a minute.
type Scheduler struct {
	parser  cron.Parser
	timeout time.Duration
	metrics *observability.Metrics
	logger  logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	recurring []recurring
	keys      map[string]struct{}
	queue     []Job

	// One pass at a time
	runMu sync.Mutex
}

func New(log logger.Logger, cfg Config) *Scheduler {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		timeout: cfg.JobTimeout,
		metrics: cfg.Metrics,
		logger:  log,
		now:     cfg.Now,
		keys:    make(map[string]struct{}),
	}
}

// RegisterJob adds a recurring job under a unique key and marks it scheduled.
// The expression is the standard 5-field cron format and is validated here.
func (s *Scheduler) RegisterJob(key string, job Job, cronExpr string) error {
	if key == "" || job == nil {
		return fmt.Errorf("job key and job are required: %w", apperrors.ErrInvalidArgument)
	}

	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("%q: %w: %w", cronExpr, apperrors.ErrInvalidCronExpression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[key]; ok {
		return fmt.Errorf("%q: %w", key, apperrors.ErrDuplicateJobKey)
	}

	s.keys[key] = struct{}{}
	s.recurring = append(s.recurring, recurring{
		Registration: Registration{Key: key, Job: job, CronExpr: cronExpr},
		schedule:     schedule,
	})
	s.markScheduled(key, job)

	s.logger.Debug("Job registered", "job.key", key, "cron", cronExpr)
	return nil
}

// Schedule queues a job for the next pass. The same job may be queued many times.
func (s *Scheduler) Schedule(job Job) {
	if job == nil {
		return
	}

	s.markScheduled(job.Name(), job)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, job)
}

// A job already queued or running keeps its state
func (s *Scheduler) markScheduled(key string, job Job) {
	if sj, ok := job.(schedulable); ok {
		if err := sj.Schedule(); err != nil {
			s.logger.Debug("Job state not changed on schedule", "job.key", key, "error", err)
		}
	}
}

// RegisteredJobs returns a copy of the recurring registrations in registration order
func (s *Scheduler) RegisteredJobs() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Registration, 0, len(s.recurring))
	for _, r := range s.recurring {
		out = append(out, r.Registration)
	}
	return out
}

// Pending returns the number of queued ad-hoc jobs
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunDueJobs runs every recurring job due at ref, then drains the ad-hoc queue.
// Zero ref means now. Job failures are logged and counted, never returned.
// If ctx is done the pass stops and jobs not yet run stay queued.
func (s *Scheduler) RunDueJobs(ctx context.Context, ref time.Time) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if ref.IsZero() {
		ref = s.now()
	}

	s.mu.Lock()
	due := make([]Registration, 0, len(s.recurring))
	for _, r := range s.recurring {
		if isDue(r.schedule, ref) {
			due = append(due, r.Registration)
		}
	}
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	var report Report

	for _, r := range due {
		if ctx.Err() != nil {
			s.logger.Warn("Pass interrupted", "error", ctx.Err())
			s.requeue(queued)
			return report
		}
		s.run(ctx, r.Key, r.Job, &report)
	}

	for i, job := range queued {
		if ctx.Err() != nil {
			s.logger.Warn("Pass interrupted", "error", ctx.Err(), "left_queued", len(queued)-i)
			s.requeue(queued[i:])
			return report
		}
		s.run(ctx, job.Name(), job, &report)
	}

	return report
}

// Put jobs back in front of anything queued meanwhile
func (s *Scheduler) requeue(jobs []Job) {
	if len(jobs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(slices.Clone(jobs), s.queue...)
}

type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.value)
}

func (s *Scheduler) run(ctx context.Context, key string, job Job, report *Report) {
	log := s.logger.With("job.key", key)
	start := time.Now()

	err := s.execute(ctx, job, log)
	elapsed := time.Since(start)
	report.Executed = append(report.Executed, key)

	status := "ok"
	var pe panicError
	switch {
	case err == nil:
		log.Debug("Job finished", "elapsed", elapsed)
	case errors.As(err, &pe):
		status = "panic"
		log.Error("Job panicked", "error", err)
	case errors.Is(err, apperrors.ErrJobTimeout):
		status = "timeout"
		log.Error("Job abandoned after deadline", "timeout", s.timeout)
	default:
		status = "failed"
		log.Error("Job failed", "error", err, "elapsed", elapsed)
	}

	if err != nil {
		report.Failed = append(report.Failed, key)
	}
	s.metrics.RecordJobRun(ctx, key, status, elapsed)
}

// execute runs the job with a deadline. A job ignoring its context is abandoned, its goroutine left to finish alone.
func (s *Scheduler) execute(ctx context.Context, job Job, log logger.Logger) error {
	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicError{value: r}
			}
		}()
		done <- job.Execute(jobCtx, log)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", apperrors.ErrJobTimeout, err)
		}
		return err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return apperrors.ErrJobTimeout
		}
		return jobCtx.Err()
	}
}

// isDue reports whether the schedule fires within the minute of ref
func isDue(schedule cron.Schedule, ref time.Time) bool {
	minute := ref.Truncate(time.Minute)
	return schedule.Next(minute.Add(-time.Second)).Equal(minute)
}
