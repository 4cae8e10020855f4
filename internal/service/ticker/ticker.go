package ticker

import (
	"context"
	"time"

	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/scheduler"
)

const defaultInterval = time.Minute

type runner interface {
	RunDueJobs(ctx context.Context, ref time.Time) scheduler.Report
}

type Config struct {
	// How often to run due jobs
	// If not set than default is used
	Interval time.Duration

	// Wait for the next wall-clock minute before the first tick
	AlignToMinute bool
}

// Driver is the external clock of the scheduler
type Driver struct {
	interval time.Duration
	align    bool
	runner   runner
	logger   logger.Logger
}

func New(cfg Config, runner runner, logger logger.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Driver{
		interval: cfg.Interval,
		align:    cfg.AlignToMinute,
		runner:   runner,
		logger:   logger,
	}
}

// Run ticks until ctx is done. The returned channel is closed when the driver stops.
func (d *Driver) Run(ctx context.Context) <-chan struct{} {
	idleStopped := make(chan struct{})
	d.logger.Debug("Starting ticker", "interval", d.interval, "align", d.align)

	go func() {
		defer close(idleStopped)

		if d.align && !d.waitNextMinute(ctx) {
			d.logger.Debug("Ticker stopped by context before first tick")
			return
		}

		d.tick(ctx, time.Now())

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				d.logger.Debug("Ticker stopped by context")
				return

			case t := <-ticker.C:
				d.tick(ctx, t)
			}
		}
	}()

	return idleStopped
}

func (d *Driver) tick(ctx context.Context, t time.Time) {
	report := d.runner.RunDueJobs(ctx, t)
	d.logger.Debug("Ticker tick", "at", t, "executed", len(report.Executed), "failed", len(report.Failed))
}

// Return false if ctx is done before the minute starts
func (d *Driver) waitNextMinute(ctx context.Context) bool {
	now := time.Now()
	timer := time.NewTimer(now.Truncate(time.Minute).Add(time.Minute).Sub(now))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
