package metrics

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func setupReader(t *testing.T) (*sdkmetric.ManualReader, Recorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown meter provider: %v", err)
		}
	})
	return reader, ForProvider(provider)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor adds up the data points of an int64 counter carrying key=value.
func sumFor(t *testing.T, rm *metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not recorded", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum for %s", name)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestNew(t *testing.T) {
	rec := New()
	assert.NotNil(t, rec)

	// the global provider is a noop until one is installed; recording must not panic
	ctx := context.Background()
	assert.NotPanics(t, func() {
		rec.RecordSave(ctx, "p1")
		rec.RecordDiff(ctx, "store", 3, nil)
		rec.RecordDiff(ctx, "runner", 0, errors.New("bad path"))
		rec.RecordCompletion(ctx, "text-davinci-003", 120, 0.0024, 40*time.Millisecond, nil)
		rec.RecordRun(ctx, "greeter", time.Second, nil)
	})

	assert.Same(t, rec, New())
}

func TestRecorder_Values(t *testing.T) {
	reader, rec := setupReader(t)
	ctx := context.Background()

	rec.RecordSave(ctx, "p1")
	rec.RecordSave(ctx, "p1")
	rec.RecordSave(ctx, "p2")
	rec.RecordDiff(ctx, "spells", 3, nil)
	rec.RecordDiff(ctx, "runner", 2, nil)
	rec.RecordDiff(ctx, "runner", 1, errors.New("bad path"))
	rec.RecordCompletion(ctx, "ada", 120, 0.5, 40*time.Millisecond, nil)
	rec.RecordCompletion(ctx, "ada", 0, 0, 10*time.Millisecond, errors.New("rate limited"))
	rec.RecordRun(ctx, "greeter", 5*time.Millisecond, nil)

	rm := collect(t, reader)
	assert.Equal(t, int64(2), sumFor(t, rm, "grimoire.spell.saves", "project_id", "p1"))
	assert.Equal(t, int64(1), sumFor(t, rm, "grimoire.spell.saves", "project_id", "p2"))
	assert.Equal(t, int64(1), sumFor(t, rm, "grimoire.diff.applied", "target", "spells"))
	assert.Equal(t, int64(1), sumFor(t, rm, "grimoire.diff.applied", "target", "runner"))
	assert.Equal(t, int64(1), sumFor(t, rm, "grimoire.diff.errors", "target", "runner"))
	assert.Equal(t, int64(2), sumFor(t, rm, "grimoire.completion.requests", "model", "ada"))
	assert.Equal(t, int64(120), sumFor(t, rm, "grimoire.completion.tokens", "model", "ada"))
	assert.Equal(t, int64(1), sumFor(t, rm, "grimoire.spell.runs", "spell", "greeter"))

	cost := findMetric(rm, "grimoire.completion.cost_usd")
	require.NotNil(t, cost)
	costSum, ok := cost.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, costSum.DataPoints, 1)
	assert.InDelta(t, 0.5, costSum.DataPoints[0].Value, 1e-9)

	components := findMetric(rm, "grimoire.diff.components")
	require.NotNil(t, components)
	hist, ok := components.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count, "rejected diffs are not measured")
}

func TestSetup(t *testing.T) {
	original := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(original) })

	t.Run("disabled", func(t *testing.T) {
		for _, exporter := range []string{"", ExporterNone} {
			provider, err := Setup(Options{Exporter: exporter})
			require.NoError(t, err)
			assert.Nil(t, provider)
		}
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := Setup(Options{Exporter: "carrier-pigeon"})
		assert.ErrorContains(t, err, "carrier-pigeon")
	})

	t.Run("stdout", func(t *testing.T) {
		var buf bytes.Buffer
		provider, err := Setup(Options{Exporter: ExporterStdout, Interval: time.Hour, Writer: &buf})
		require.NoError(t, err)
		require.NotNil(t, provider)
		assert.Same(t, provider, otel.GetMeterProvider())

		ForProvider(provider).RecordSave(context.Background(), "p1")
		require.NoError(t, provider.Shutdown(context.Background()))
		assert.Contains(t, buf.String(), "grimoire.spell.saves")
		assert.Contains(t, buf.String(), "p1")
	})
}

func TestNoop(t *testing.T) {
	var rec Recorder = Noop{}
	assert.NotPanics(t, func() {
		rec.RecordSave(context.Background(), "p1")
		rec.RecordCompletion(context.Background(), "m", 1, 1, time.Millisecond, errors.New("x"))
	})
}
