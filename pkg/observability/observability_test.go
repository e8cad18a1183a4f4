package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfigIsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "stargate", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.False(t, cfg.Enabled)
	assert.Positive(t, cfg.ExportInterval)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)

	_, done := p.TrackOperation(context.Background(), "noop")
	done(errors.New("ignored"))
	assert.NoError(t, p.Shutdown(context.Background()))

	var zero Provider
	_, done = zero.TrackOperation(context.Background(), "zero")
	done(nil)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1.5).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestTrackOperationRecordsRED(t *testing.T) {
	ctx := context.Background()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	p := &Provider{cfg: DefaultConfig()}
	require.NoError(t, p.install(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	))
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	route := attribute.String("http.route", "/v1/turns")
	_, done := p.TrackOperation(ctx, "http.turn", route)
	done(nil)
	_, done = p.TrackOperation(ctx, "http.turn", route)
	done(errors.New("boom"))

	ended := spans.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "http.turn", ended[0].Name())
	assert.Empty(t, ended[0].Events())
	assert.Len(t, ended[1].Events(), 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	sums := map[string]int64{}
	var latencySamples uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					latencySamples += dp.Count
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums[MetricOperations])
	assert.Equal(t, int64(1), sums[MetricFailures])
	assert.Equal(t, int64(0), sums[MetricInFlight])
	assert.Equal(t, uint64(2), latencySamples)
}
