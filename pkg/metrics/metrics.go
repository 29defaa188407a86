// Package metrics records spell server activity through OpenTelemetry.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/casualjim/grimoire/pkg/slogx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder records spell server metrics.
// Use New() for OTel metrics or Noop{} when disabled.
type Recorder interface {
	// RecordSave records a full spell save.
	RecordSave(ctx context.Context, projectID string)

	// RecordDiff records a diff applied to a stored spell or a runner session.
	RecordDiff(ctx context.Context, target string, components int, err error)

	// RecordCompletion records a completion request.
	RecordCompletion(ctx context.Context, model string, tokens int64, cost float64, duration time.Duration, err error)

	// RecordRun records a spell run.
	RecordRun(ctx context.Context, spell string, duration time.Duration, err error)
}

type otelMetrics struct {
	saves             metric.Int64Counter
	diffs             metric.Int64Counter
	diffComponents    metric.Int64Histogram
	diffErrors        metric.Int64Counter
	completions       metric.Int64Counter
	completionTokens  metric.Int64Counter
	completionCost    metric.Float64Counter
	completionLatency metric.Float64Histogram
	runs              metric.Int64Counter
	runLatency        metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

const meterName = "grimoire"

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.Meter(meterName))
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	m := &otelMetrics{}
	var err error

	if m.saves, err = meter.Int64Counter("grimoire.spell.saves",
		metric.WithDescription("Number of full spell saves"),
	); err != nil {
		return nil, err
	}
	if m.diffs, err = meter.Int64Counter("grimoire.diff.applied",
		metric.WithDescription("Number of json0 diffs applied"),
	); err != nil {
		return nil, err
	}
	if m.diffComponents, err = meter.Int64Histogram("grimoire.diff.components",
		metric.WithDescription("Number of components per applied diff"),
	); err != nil {
		return nil, err
	}
	if m.diffErrors, err = meter.Int64Counter("grimoire.diff.errors",
		metric.WithDescription("Number of rejected diffs"),
	); err != nil {
		return nil, err
	}
	if m.completions, err = meter.Int64Counter("grimoire.completion.requests",
		metric.WithDescription("Number of completion requests"),
	); err != nil {
		return nil, err
	}
	if m.completionTokens, err = meter.Int64Counter("grimoire.completion.tokens",
		metric.WithDescription("Total tokens consumed by completions"),
	); err != nil {
		return nil, err
	}
	if m.completionCost, err = meter.Float64Counter("grimoire.completion.cost_usd",
		metric.WithDescription("Accumulated completion cost"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	if m.completionLatency, err = meter.Float64Histogram("grimoire.completion.latency_ms",
		metric.WithDescription("Completion latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.runs, err = meter.Int64Counter("grimoire.spell.runs",
		metric.WithDescription("Number of spell runs"),
	); err != nil {
		return nil, err
	}
	if m.runLatency, err = meter.Float64Histogram("grimoire.spell.run_latency_ms",
		metric.WithDescription("Spell run latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// New returns a Recorder backed by the global OTel meter provider.
// If metrics initialization fails, it returns a no-op recorder.
func New() Recorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("failed to initialize metrics, using noop", slogx.Error(err))
		return Noop{}
	}
	return m
}

// ForProvider returns a Recorder whose instruments come from provider.
func ForProvider(provider metric.MeterProvider) Recorder {
	m, err := newOtelMetrics(provider.Meter(meterName))
	if err != nil {
		slog.Warn("failed to initialize metrics, using noop", slogx.Error(err))
		return Noop{}
	}
	return m
}

func (m *otelMetrics) RecordSave(ctx context.Context, projectID string) {
	m.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("project_id", projectID)))
}

func (m *otelMetrics) RecordDiff(ctx context.Context, target string, components int, err error) {
	attrs := metric.WithAttributes(attribute.String("target", target))
	if err != nil {
		m.diffErrors.Add(ctx, 1, attrs)
		return
	}
	m.diffs.Add(ctx, 1, attrs)
	m.diffComponents.Record(ctx, int64(components), attrs)
}

func (m *otelMetrics) RecordCompletion(ctx context.Context, model string, tokens int64, cost float64, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("success", err == nil),
	)
	m.completions.Add(ctx, 1, attrs)
	m.completionLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err == nil {
		m.completionTokens.Add(ctx, tokens, attrs)
		m.completionCost.Add(ctx, cost, attrs)
	}
}

func (m *otelMetrics) RecordRun(ctx context.Context, spell string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("spell", spell),
		attribute.Bool("success", err == nil),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// Noop is a Recorder that does nothing.
type Noop struct{}

func (Noop) RecordSave(context.Context, string)                                            {}
func (Noop) RecordDiff(context.Context, string, int, error)                                {}
func (Noop) RecordCompletion(context.Context, string, int64, float64, time.Duration, error) {}
func (Noop) RecordRun(context.Context, string, time.Duration, error)                       {}
