package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the outbox worker instruments.
type Metrics struct {
	TasksClaimed      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksRetried      metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	CellsUpdated      metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksClaimed, "fieldflow.outbox.claimed", "Outbox tasks claimed by workers"},
		{&m.TasksCompleted, "fieldflow.outbox.completed", "Outbox tasks completed"},
		{&m.TasksRetried, "fieldflow.outbox.retried", "Outbox task attempts rescheduled after a failure"},
		{&m.TasksDeadLettered, "fieldflow.outbox.dead_lettered", "Outbox tasks moved to the dead-letter table"},
		{&m.CellsUpdated, "fieldflow.recompute.cells", "Computed cells rewritten"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.TaskDuration, err = meter.Float64Histogram("fieldflow.outbox.duration",
		metric.WithDescription("Outbox task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
