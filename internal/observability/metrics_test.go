package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nkiryanov/sessionkeeper/internal/logger"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

// Sum of all data points of the int64 counter, 0 if not reported
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(t.Context(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics(t *testing.T) {
	t.Run("gc deleted", func(t *testing.T) {
		m, reader := newTestMetrics(t)

		m.RecordGarbageCollected(t.Context(), "postgres", 2)
		m.RecordGarbageCollected(t.Context(), "postgres", 3)

		require.EqualValues(t, 5, counterTotal(t, reader, "sessions.gc.deleted"))
	})

	t.Run("job failures counted apart from runs", func(t *testing.T) {
		m, reader := newTestMetrics(t)

		m.RecordJobRun(t.Context(), "gc", "ok", time.Second)
		m.RecordJobRun(t.Context(), "gc", "failed", time.Second)
		m.RecordJobRun(t.Context(), "gc", "timeout", time.Second)

		require.EqualValues(t, 3, counterTotal(t, reader, "scheduler.job.runs"))
		require.EqualValues(t, 2, counterTotal(t, reader, "scheduler.job.failures"))
	})

	t.Run("violations and writes", func(t *testing.T) {
		m, reader := newTestMetrics(t)

		m.RecordViolation(t.Context(), "access_token", "required")
		m.RecordSessionWrite(t.Context(), "create")
		m.RecordHandlerGC(t.Context(), "web", 4)

		require.EqualValues(t, 1, counterTotal(t, reader, "sessions.validation.violations"))
		require.EqualValues(t, 1, counterTotal(t, reader, "sessions.writes"))
		require.EqualValues(t, 4, counterTotal(t, reader, "sessions.handler.gc.removed"))
	})

	t.Run("nil metrics is a no-op", func(t *testing.T) {
		var m *Metrics

		require.NotPanics(t, func() {
			m.RecordGarbageCollected(t.Context(), "redis", 1)
			m.RecordJobRun(t.Context(), "gc", "panic", 0)
			m.RecordViolation(t.Context(), "id", "required")
			m.RecordSessionWrite(t.Context(), "delete")
			m.RecordHandlerGC(t.Context(), "web", 1)
		})
	})
}

func TestNewMeterProvider_ExportDisabled(t *testing.T) {
	mp, err := NewMeterProvider(t.Context(), ProviderConfig{}, logger.NewNoOpLogger())

	require.NoError(t, err)
	require.NotNil(t, mp)
	require.NoError(t, mp.Shutdown(t.Context()))
}
