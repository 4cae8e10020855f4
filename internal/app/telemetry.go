package app

import (
	"context"
	"fmt"

	"github.com/nkiryanov/sessionkeeper/internal/audit"
	"github.com/nkiryanov/sessionkeeper/internal/logger"
	"github.com/nkiryanov/sessionkeeper/internal/observability"
)

type TelemetryConfig struct {
	ServiceName string
	Environment string

	// OTLP gRPC endpoint for metrics, export disabled if empty
	OTLPEndpoint string

	// Audit events also go to kafka if both are set
	KafkaBrokers []string
	KafkaTopic   string
}

// Telemetry bundles metrics and the audit recorder
type Telemetry struct {
	Metrics  *observability.Metrics
	Recorder audit.Recorder

	shutdown []func(ctx context.Context) error
}

func OpenTelemetry(ctx context.Context, cfg TelemetryConfig, log logger.Logger) (*Telemetry, error) {
	mp, err := observability.NewMeterProvider(ctx, observability.ProviderConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	}, log)
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("error while creating metrics. Err: %w", err)
	}

	t := &Telemetry{Metrics: metrics, shutdown: []func(context.Context) error{mp.Shutdown}}

	sinks := []audit.Sink{audit.NewLogSink(log)}
	if kafka := audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic); kafka != nil {
		sinks = append(sinks, kafka)
		t.shutdown = append(t.shutdown, func(context.Context) error { return kafka.Close() })
		log.Info("Audit events mirrored to kafka", "topic", cfg.KafkaTopic)
	}
	t.Recorder = audit.NewRecorder(log, sinks...)

	return t, nil
}

// Shutdown flushes metrics and closes audit sinks, returning the first error
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var first error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
