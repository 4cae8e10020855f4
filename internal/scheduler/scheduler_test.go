package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/sessionkeeper/internal/apperrors"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

// 10:30:15 UTC on a Tuesday
var tick = time.Date(2025, 6, 3, 10, 30, 15, 0, time.UTC)

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j *funcJob) Name() string { return j.name }

func (j *funcJob) Execute(ctx context.Context, _ logger.Logger) error {
	return j.fn(ctx)
}

// Records the order jobs ran in
type journal struct {
	mu  sync.Mutex
	ran []string
}

func (j *journal) job(name string, err error) *funcJob {
	return &funcJob{name: name, fn: func(context.Context) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.ran = append(j.ran, name)
		return err
	}}
}

func (j *journal) names() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ran...)
}

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	return New(logger.NewNoOpLogger(), cfg)
}

func TestScheduler_RegisterJob(t *testing.T) {
	t.Run("duplicate key keeps original", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		job, job2 := j.job("gc", nil), j.job("gc2", nil)

		require.NoError(t, s.RegisterJob("gc", job, "*/5 * * * *"))
		err := s.RegisterJob("gc", job2, "* * * * *")

		require.ErrorIs(t, err, apperrors.ErrDuplicateJobKey)
		regs := s.RegisteredJobs()
		require.Len(t, regs, 1)
		assert.Equal(t, "*/5 * * * *", regs[0].CronExpr)
		assert.Same(t, job, regs[0].Job)
	})

	tests := []struct {
		name string
		expr string
	}{
		{name: "minute out of range", expr: "99 * * * *"},
		{name: "too few fields", expr: "* * * *"},
		{name: "seconds field", expr: "0 * * * * *"},
		{name: "descriptor", expr: "@hourly"},
		{name: "garbage", expr: "every minute"},
		{name: "empty", expr: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, Config{})
			var j journal

			err := s.RegisterJob("x", j.job("x", nil), tt.expr)

			require.ErrorIs(t, err, apperrors.ErrInvalidCronExpression)
			require.Empty(t, s.RegisteredJobs())
		})
	}

	t.Run("snapshot is a copy", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		require.NoError(t, s.RegisterJob("a", j.job("a", nil), "* * * * *"))

		regs := s.RegisteredJobs()
		regs[0].Key = "changed"

		require.Equal(t, "a", s.RegisteredJobs()[0].Key)
	})

	t.Run("registration marks stateful job", func(t *testing.T) {
		s := newScheduler(t, Config{})
		job := &statefulJob{}

		require.NoError(t, s.RegisterJob("stateful", job, "* * * * *"))

		require.True(t, job.scheduled)
	})

	t.Run("rejected registration leaves job untouched", func(t *testing.T) {
		s := newScheduler(t, Config{})
		job := &statefulJob{}

		require.Error(t, s.RegisterJob("stateful", job, "bad"))

		require.False(t, job.scheduled)
	})

	t.Run("key and job required", func(t *testing.T) {
		s := newScheduler(t, Config{})

		require.ErrorIs(t, s.RegisterJob("", &funcJob{}, "* * * * *"), apperrors.ErrInvalidArgument)
		require.ErrorIs(t, s.RegisterJob("x", nil, "* * * * *"), apperrors.ErrInvalidArgument)
	})
}

func TestScheduler_RunDueJobs(t *testing.T) {
	t.Run("failing ad-hoc job does not stop the pass", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		require.NoError(t, s.RegisterJob("A", j.job("A", nil), "* * * * *"))
		s.Schedule(j.job("B", errors.New("boom")))
		s.Schedule(j.job("C", nil))

		report := s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"A", "B", "C"}, j.names())
		require.Equal(t, []string{"A", "B", "C"}, report.Executed)
		require.Equal(t, []string{"B"}, report.Failed)
	})

	t.Run("only due recurring jobs in registration order", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		require.NoError(t, s.RegisterJob("every-5", j.job("every-5", nil), "*/5 * * * *"))
		require.NoError(t, s.RegisterJob("top-of-hour", j.job("top-of-hour", nil), "0 * * * *"))
		require.NoError(t, s.RegisterJob("half-past", j.job("half-past", nil), "30 10 * * 2"))
		require.NoError(t, s.RegisterJob("sunday", j.job("sunday", nil), "30 10 * * 0"))

		s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"every-5", "half-past"}, j.names())
	})

	t.Run("recurring jobs run before queued ones", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		s.Schedule(j.job("queued-1", nil))
		require.NoError(t, s.RegisterJob("recurring", j.job("recurring", nil), "* * * * *"))
		s.Schedule(j.job("queued-2", nil))

		s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"recurring", "queued-1", "queued-2"}, j.names())
	})

	t.Run("ad-hoc jobs run exactly once", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		job := j.job("once", nil)
		s.Schedule(job)
		s.Schedule(job)

		s.RunDueJobs(t.Context(), tick)
		s.RunDueJobs(t.Context(), tick.Add(time.Minute))

		require.Equal(t, []string{"once", "once"}, j.names(), "queued twice, no dedup, consumed in the first pass")
		require.Zero(t, s.Pending())
	})

	t.Run("zero reference uses clock", func(t *testing.T) {
		s := newScheduler(t, Config{Now: func() time.Time { return tick.Truncate(time.Hour) }})
		var j journal
		require.NoError(t, s.RegisterJob("top-of-hour", j.job("top-of-hour", nil), "0 * * * *"))

		s.RunDueJobs(t.Context(), time.Time{})

		require.Equal(t, []string{"top-of-hour"}, j.names())
	})

	t.Run("due-ness in reference time zone", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		require.NoError(t, s.RegisterJob("half-past", j.job("half-past", nil), "30 * * * *"))

		s.RunDueJobs(t.Context(), tick.In(time.FixedZone("UTC+3", 3*60*60)))

		require.Equal(t, []string{"half-past"}, j.names())
	})

	t.Run("panic is isolated", func(t *testing.T) {
		var buf bytes.Buffer
		log, err := logger.NewTextLoggerTo(&buf, logger.LevelInfo)
		require.NoError(t, err)
		s := New(log, Config{})
		var j journal
		s.Schedule(&funcJob{name: "panics", fn: func(context.Context) error { panic("oops") }})
		s.Schedule(j.job("after", nil))

		report := s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"after"}, j.names())
		require.Equal(t, []string{"panics"}, report.Failed)
		require.Contains(t, buf.String(), "job.key=panics")
		require.Contains(t, buf.String(), "oops")
	})

	t.Run("job exceeding deadline is abandoned", func(t *testing.T) {
		s := newScheduler(t, Config{JobTimeout: 20 * time.Millisecond})
		var j journal
		release := make(chan struct{})
		t.Cleanup(func() { close(release) })
		s.Schedule(&funcJob{name: "stuck", fn: func(context.Context) error {
			<-release
			return nil
		}})
		s.Schedule(j.job("next", nil))

		report := s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"next"}, j.names())
		require.Equal(t, []string{"stuck"}, report.Failed)
	})

	t.Run("job honouring deadline reports timeout", func(t *testing.T) {
		s := newScheduler(t, Config{JobTimeout: 10 * time.Millisecond})
		s.Schedule(&funcJob{name: "slow", fn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}})

		report := s.RunDueJobs(t.Context(), tick)

		require.Equal(t, []string{"slow"}, report.Failed)
	})

	t.Run("cancelled context keeps queue", func(t *testing.T) {
		s := newScheduler(t, Config{})
		var j journal
		s.Schedule(j.job("later", nil))
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		report := s.RunDueJobs(ctx, tick)

		require.Empty(t, report.Executed)
		require.Equal(t, 1, s.Pending())
	})

	t.Run("schedule marks stateful job", func(t *testing.T) {
		s := newScheduler(t, Config{})
		job := &statefulJob{}

		s.Schedule(job)

		require.True(t, job.scheduled)
	})
}

type statefulJob struct {
	scheduled bool
}

func (j *statefulJob) Name() string                                 { return "stateful" }
func (j *statefulJob) Execute(context.Context, logger.Logger) error { return nil }
func (j *statefulJob) Schedule() error {
	j.scheduled = true
	return nil
}

func TestScheduler_Concurrent(t *testing.T) {
	s := newScheduler(t, Config{})
	var j journal

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Schedule(j.job("adhoc", nil))
		}()
		go func() {
			defer wg.Done()
			_ = s.RegisterJob(string(rune('a'+i)), j.job("recurring", nil), "* * * * *")
			s.RunDueJobs(context.Background(), tick)
		}()
	}
	wg.Wait()
	s.RunDueJobs(context.Background(), tick)

	require.Len(t, s.RegisteredJobs(), 20)
	require.Zero(t, s.Pending())
}
