package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/taskd/internal/bus"
)

// Metrics holds the taskd instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TasksCreated     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksRejected    metric.Int64Counter
	TasksOverdue     metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("taskd.tasks.created",
		metric.WithDescription("Tasks stored in the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskd.tasks.completed",
		metric.WithDescription("Successful completion calls, including repeats"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRejected, err = meter.Int64Counter("taskd.tasks.rejected",
		metric.WithDescription("Registry operations refused, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksOverdue, err = meter.Int64Counter("taskd.tasks.overdue",
		metric.WithDescription("Tasks reported past their deadline"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("taskd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observe counts task lifecycle events from sub until ctx is cancelled or
// the subscription is closed.
func (m *Metrics) Observe(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.record(ctx, ev)
		}
	}
}

func (m *Metrics) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskCreatedEvent:
		m.TasksCreated.Add(ctx, 1)
	case bus.TaskCompletedEvent:
		m.TasksCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.Bool("already_completed", p.AlreadyCompleted)))
	case bus.TaskRejectedEvent:
		m.TasksRejected.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", p.Reason), attribute.String("op", p.Op)))
	case bus.TaskOverdueEvent:
		m.TasksOverdue.Add(ctx, 1)
	}
}

// Snapshot collects the current value of every integer counter, summed
// across attribute sets and keyed by instrument name. It returns an empty
// map when metrics are disabled.
func (p *Provider) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	if p == nil || p.Reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.Reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			out[md.Name] = total
		}
	}
	return out, nil
}
