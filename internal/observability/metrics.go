// Package observability holds the OpenTelemetry instruments shared by the
// orchestrator and the progress hub.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "study-init/backend"

// Metrics bundles the service instruments.
type Metrics struct {
	runsStarted    metric.Int64Counter
	runsFinished   metric.Int64Counter
	stepDuration   metric.Float64Histogram
	runsReaped     metric.Int64Counter
	activeChannels metric.Int64UpDownCounter
	droppedSends   metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter provider. A nil
// provider uses the global one.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	var m Metrics
	var err error
	if m.runsStarted, err = meter.Int64Counter("study_init.runs.started",
		metric.WithDescription("Initialization runs started")); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter("study_init.runs.finished",
		metric.WithDescription("Initialization runs reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("study_init.step.duration",
		metric.WithDescription("Step execution time"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.runsReaped, err = meter.Int64Counter("study_init.runs.reaped",
		metric.WithDescription("Runs failed by the stuck-run reaper")); err != nil {
		return nil, err
	}
	if m.activeChannels, err = meter.Int64UpDownCounter("study_init.hub.channels",
		metric.WithDescription("Connected progress channels")); err != nil {
		return nil, err
	}
	if m.droppedSends, err = meter.Int64Counter("study_init.hub.dropped",
		metric.WithDescription("Channels torn down after a failed send")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func (m *Metrics) RunStarted(ctx context.Context, retry bool) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("retry", retry)))
}

func (m *Metrics) RunFinished(ctx context.Context, status string) {
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) StepCompleted(ctx context.Context, step string, ms float64, ok bool) {
	m.stepDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("ok", ok),
	))
}

func (m *Metrics) RunReaped(ctx context.Context) {
	m.runsReaped.Add(ctx, 1)
}

func (m *Metrics) ChannelOpened(ctx context.Context) {
	m.activeChannels.Add(ctx, 1)
}

func (m *Metrics) ChannelClosed(ctx context.Context) {
	m.activeChannels.Add(ctx, -1)
}

func (m *Metrics) SendDropped(ctx context.Context) {
	m.droppedSends.Add(ctx, 1)
}
