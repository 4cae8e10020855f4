package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

const meterName = "github.com/nkiryanov/sessionkeeper"

type ProviderConfig struct {
	// OTLP gRPC endpoint, export disabled if empty
	Endpoint string
	Insecure bool

	ServiceName    string
	Environment    string
	ExportInterval time.Duration
}

// NewMeterProvider builds the SDK provider. Without an endpoint metrics are collected but never exported.
func NewMeterProvider(ctx context.Context, cfg ProviderConfig, log logger.Logger) (*sdkmetric.MeterProvider, error) {
	if cfg.Endpoint == "" {
		log.Info("otel metrics export disabled")
		return sdkmetric.NewMeterProvider(), nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = time.Minute
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	log.Info("otel metrics initialized", "endpoint", cfg.Endpoint)
	return mp, nil
}

// Metrics holds the counters of the subsystem. A nil *Metrics records nothing.
type Metrics struct {
	gcDeleted      metric.Int64Counter
	jobRuns        metric.Int64Counter
	jobFailures    metric.Int64Counter
	jobDuration    metric.Float64Histogram
	violations     metric.Int64Counter
	sessionWrites  metric.Int64Counter
	handlerRemoved metric.Int64Counter
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}

	var err error
	if m.gcDeleted, err = meter.Int64Counter("sessions.gc.deleted",
		metric.WithDescription("Sessions removed by garbage collection")); err != nil {
		return nil, err
	}
	if m.jobRuns, err = meter.Int64Counter("scheduler.job.runs"); err != nil {
		return nil, err
	}
	if m.jobFailures, err = meter.Int64Counter("scheduler.job.failures"); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("scheduler.job.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.violations, err = meter.Int64Counter("sessions.validation.violations"); err != nil {
		return nil, err
	}
	if m.sessionWrites, err = meter.Int64Counter("sessions.writes"); err != nil {
		return nil, err
	}
	if m.handlerRemoved, err = meter.Int64Counter("sessions.handler.gc.removed"); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordGarbageCollected(ctx context.Context, backend string, count int) {
	if m == nil {
		return
	}
	m.gcDeleted.Add(ctx, int64(count), metric.WithAttributes(attribute.String("backend", backend)))
}

func (m *Metrics) RecordHandlerGC(ctx context.Context, namespace string, count int64) {
	if m == nil {
		return
	}
	m.handlerRemoved.Add(ctx, count, metric.WithAttributes(attribute.String("namespace", namespace)))
}

// RecordJobRun counts one execution. Status is "ok", "failed", "timeout" or "panic".
func (m *Metrics) RecordJobRun(ctx context.Context, key string, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", key), attribute.String("status", status))
	m.jobRuns.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status != "ok" {
		m.jobFailures.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordViolation(ctx context.Context, field string, rule string) {
	if m == nil {
		return
	}
	m.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field), attribute.String("rule", rule)))
}

// RecordSessionWrite counts create, update and delete operations
func (m *Metrics) RecordSessionWrite(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.sessionWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
