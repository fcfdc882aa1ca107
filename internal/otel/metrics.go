package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the broker's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskStarts       metric.Int64Counter
	TaskStops        metric.Int64Counter
	TaskSuspends     metric.Int64Counter
	TaskResumes      metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	NotifyPublishes  metric.Int64Counter
	DelayGrants      metric.Int64Counter
	DelayRejects     metric.Int64Counter
	Subscribers      metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("bgtaskd.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskStarts, err = meter.Int64Counter("bgtaskd.task.starts",
		metric.WithDescription("Continuous task grants"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskStops, err = meter.Int64Counter("bgtaskd.task.stops",
		metric.WithDescription("Continuous task retractions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskSuspends, err = meter.Int64Counter("bgtaskd.task.suspends",
		metric.WithDescription("Continuous task suspensions"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskResumes, err = meter.Int64Counter("bgtaskd.task.resumes",
		metric.WithDescription("Continuous task resumes"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("bgtaskd.task.active",
		metric.WithDescription("Currently granted continuous tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.NotifyPublishes, err = meter.Int64Counter("bgtaskd.notification.publishes",
		metric.WithDescription("Notification publish operations"),
	)
	if err != nil {
		return nil, err
	}

	m.DelayGrants, err = meter.Int64Counter("bgtaskd.delay.grants",
		metric.WithDescription("Transient delay requests granted"),
	)
	if err != nil {
		return nil, err
	}

	m.DelayRejects, err = meter.Int64Counter("bgtaskd.delay.rejects",
		metric.WithDescription("Transient delay requests rejected by quota"),
	)
	if err != nil {
		return nil, err
	}

	m.Subscribers, err = meter.Int64UpDownCounter("bgtaskd.subscribers",
		metric.WithDescription("Registered lifecycle subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("bgtaskd.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
