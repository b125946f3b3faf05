package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's metric instruments.
type Metrics struct {
	ErrorsDetected  metric.Int64Counter
	ErrorsResolved  metric.Int64Counter
	FixesApplied    metric.Int64Counter
	FixesRejected   metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	StaleTasksSwept metric.Int64Counter
	FixDuration     metric.Float64Histogram
	ScanDuration    metric.Float64Histogram
	PendingTasks    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ErrorsDetected, err = meter.Int64Counter("remedy.errors.detected",
		metric.WithDescription("Errors registered by the detector"),
	)
	if err != nil {
		return nil, err
	}

	m.ErrorsResolved, err = meter.Int64Counter("remedy.errors.resolved",
		metric.WithDescription("Errors marked resolved"),
	)
	if err != nil {
		return nil, err
	}

	m.FixesApplied, err = meter.Int64Counter("remedy.fixes.applied",
		metric.WithDescription("Fixes written to disk"),
	)
	if err != nil {
		return nil, err
	}

	m.FixesRejected, err = meter.Int64Counter("remedy.fixes.rejected",
		metric.WithDescription("Fixes blocked by the safety screen"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("remedy.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("remedy.tasks.failed",
		metric.WithDescription("Tasks that exhausted their retries"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleTasksSwept, err = meter.Int64Counter("remedy.tasks.stale_swept",
		metric.WithDescription("In-progress tasks failed by the stale sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.FixDuration, err = meter.Float64Histogram("remedy.fix.duration",
		metric.WithDescription("Fix application duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ScanDuration, err = meter.Float64Histogram("remedy.scan.duration",
		metric.WithDescription("Project scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingTasks, err = meter.Int64UpDownCounter("remedy.tasks.pending",
		metric.WithDescription("Tasks currently pending"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
