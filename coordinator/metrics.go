package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/getlantern/authkeeper/coordinator"

type metrics struct {
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	queued          metric.Int64UpDownCounter
	replayed        metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	var err error
	m.refreshes, err = meter.Int64Counter("authkeeper.refreshes", metric.WithDescription("Refresh exchanges by outcome"))
	if err != nil {
		slog.Warn("failed to create authkeeper.refreshes metric", slog.Any("error", err))
	}
	m.refreshDuration, err = meter.Float64Histogram("authkeeper.refresh.duration", metric.WithDescription("Duration of refresh exchanges"), metric.WithUnit("s"))
	if err != nil {
		slog.Warn("failed to create authkeeper.refresh.duration metric", slog.Any("error", err))
	}
	m.queued, err = meter.Int64UpDownCounter("authkeeper.pending_calls", metric.WithDescription("Calls waiting for a refresh"))
	if err != nil {
		slog.Warn("failed to create authkeeper.pending_calls metric", slog.Any("error", err))
	}
	m.replayed, err = meter.Int64Counter("authkeeper.replays", metric.WithDescription("Calls replayed after a refresh"))
	if err != nil {
		slog.Warn("failed to create authkeeper.replays metric", slog.Any("error", err))
	}
	return m
}

func (m *metrics) refreshDone(ctx context.Context, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.refreshes != nil {
		m.refreshes.Add(ctx, 1, attrs)
	}
	if m.refreshDuration != nil {
		m.refreshDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (m *metrics) queueDelta(ctx context.Context, n int) {
	if m.queued != nil && n != 0 {
		m.queued.Add(ctx, int64(n))
	}
}

func (m *metrics) replay(ctx context.Context) {
	if m.replayed != nil {
		m.replayed.Add(ctx, 1)
	}
}
