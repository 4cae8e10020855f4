package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nkiryanov/sessionkeeper/internal/app"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/scheduler"
	"github.com/nkiryanov/sessionkeeper/internal/service/gc"
	"github.com/nkiryanov/sessionkeeper/internal/service/ticker"
)

type DaemonApp struct {
	Scheduler *scheduler.Scheduler

	driver    *ticker.Driver
	backend   *app.Backend
	telemetry *app.Telemetry
	logger    logger.Logger
}

func NewDaemonApp(ctx context.Context, c *Config) (*DaemonApp, error) {
	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	telemetry, err := app.OpenTelemetry(ctx, app.TelemetryConfig{
		ServiceName:  "sessiond",
		Environment:  c.Environment,
		OTLPEndpoint: c.OTLPEndpoint,
		KafkaBrokers: c.AuditKafkaBrokers,
		KafkaTopic:   c.AuditKafkaTopic,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("error while initializing telemetry. Err: %w", err)
	}

	backend, err := app.OpenBackend(ctx, c.Backend(), log)
	if err != nil {
		_ = telemetry.Shutdown(ctx)
		return nil, err
	}

	a := &DaemonApp{backend: backend, telemetry: telemetry, logger: log}

	if err := a.wire(ctx, c); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *DaemonApp) wire(ctx context.Context, c *Config) error {
	if err := a.backend.Handler.Open(ctx, c.Namespace, c.SessionName); err != nil {
		return fmt.Errorf("error while opening session handler. Err: %w", err)
	}

	collector := gc.NewCollector(a.backend.Storage.Session(), gc.CollectorOptions{
		Recorder: a.telemetry.Recorder,
		Metrics:  a.telemetry.Metrics,
		Backend:  a.backend.Name,
	})
	gcJob := gc.NewJob(collector, gc.JobOptions{})
	handlerJob := gc.NewHandlerJob(a.backend.Handler, c.Namespace, c.PayloadLifetime, a.telemetry.Metrics, gc.JobOptions{})

	a.Scheduler = scheduler.New(a.logger, scheduler.Config{
		JobTimeout: c.JobTimeout,
		Metrics:    a.telemetry.Metrics,
	})
	if err := a.Scheduler.RegisterJob(gc.JobName, gcJob, c.GCSchedule); err != nil {
		return fmt.Errorf("error while registering %s. Err: %w", gc.JobName, err)
	}
	if err := a.Scheduler.RegisterJob(gc.HandlerJobName, handlerJob, c.HandlerGCSchedule); err != nil {
		return fmt.Errorf("error while registering %s. Err: %w", gc.HandlerJobName, err)
	}

	// Sweep whatever expired while the daemon was down
	a.Scheduler.Schedule(gcJob)

	a.driver = ticker.New(ticker.Config{Interval: c.TickInterval, AlignToMinute: true}, a.Scheduler, a.logger)
	return nil
}

// Run drives the scheduler until ctx is cancelled, then releases resources
func (a *DaemonApp) Run(ctx context.Context) error {
	a.logger.Info("Starting sessiond", "backend", a.backend.Name)

	// First pass right away, the driver waits for the next minute
	a.Scheduler.RunDueJobs(ctx, time.Time{})
	<-a.driver.Run(ctx)

	a.close()
	a.logger.Info("Sessiond stopped")
	return nil
}

func (a *DaemonApp) close() {
	if err := a.backend.Handler.Close(); err != nil {
		a.logger.Warn("Failed to close session handler", "error", err)
	}
	a.backend.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Failed to shutdown telemetry", "error", err)
	}
}
