package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/taskdaemon/taskdaemon-sub002/internal/telemetry"
)

type otelObserver struct {
	grants   metric.Int64Counter
	finished metric.Int64Counter
	timeouts metric.Int64Counter
	wait     metric.Float64Histogram
}

// NewMetricsObserver returns an Observer that records OpenTelemetry metrics and
// registers gauges for the scheduler's live state.
func NewMetricsObserver(s *Scheduler) Observer {
	meter := telemetry.Meter("taskdaemon/scheduler")

	o := &otelObserver{}
	o.grants, _ = meter.Int64Counter("taskdaemon.scheduler.grants",
		metric.WithDescription("Tickets granted"))
	o.finished, _ = meter.Int64Counter("taskdaemon.scheduler.finished",
		metric.WithDescription("Tickets returned, by outcome"))
	o.timeouts, _ = meter.Int64Counter("taskdaemon.scheduler.wait_timeouts",
		metric.WithDescription("Acquire calls that gave up waiting"))
	o.wait, _ = meter.Float64Histogram("taskdaemon.scheduler.wait_duration",
		metric.WithDescription("Time spent waiting for admission"),
		metric.WithUnit("ms"))

	_, _ = meter.Int64ObservableGauge("taskdaemon.scheduler.active",
		metric.WithDescription("Tickets currently held"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(s.Stats().Active))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("taskdaemon.scheduler.waiting",
		metric.WithDescription("Callers waiting for admission"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(s.Stats().Waiting))
			return nil
		}),
	)

	return o
}

func (o *otelObserver) Granted(t *Ticket, waited time.Duration) {
	attrs := metric.WithAttributes(attribute.Int("priority", t.Priority))
	o.grants.Add(context.Background(), 1, attrs)
	o.wait.Record(context.Background(), float64(waited.Microseconds())/1000, attrs)
}

func (o *otelObserver) Finished(_ *Ticket, outcome string) {
	o.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (o *otelObserver) TimedOut(string) {
	o.timeouts.Add(context.Background(), 1)
}
