package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ObserveSession reports the session state returned by state as the authkeeper.session gauge,
// one series per state with the current one set to 1. It returns a function that unregisters
// the callback.
func ObserveSession(states []string, state func() string) func() {
	meter := otel.Meter("github.com/getlantern/authkeeper/telemetry")
	gauge, err := meter.Int64ObservableGauge("authkeeper.session", metric.WithDescription("Current session state"))
	if err != nil {
		slog.Warn("failed to create authkeeper.session metric", slog.Any("error", err))
		return func() {}
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		current := state()
		for _, s := range states {
			var v int64
			if s == current {
				v = 1
			}
			o.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("state", s)))
		}
		return nil
	}, gauge)
	if err != nil {
		slog.Warn("failed to register authkeeper.session callback", slog.Any("error", err))
		return func() {}
	}
	return func() {
		if err := reg.Unregister(); err != nil {
			slog.Debug("failed to unregister authkeeper.session callback", slog.Any("error", err))
		}
	}
}
