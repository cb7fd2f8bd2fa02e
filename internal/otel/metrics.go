package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the skillbus instruments.
type Metrics struct {
	RequestsCreated   metric.Int64Counter
	RequestsBlocked   metric.Int64Counter
	RequestsCompleted metric.Int64Counter
	RequestsFailed    metric.Int64Counter
	RequestsExpired   metric.Int64Counter
	PermissionDenials metric.Int64Counter
	DispatchDuration  metric.Float64Histogram
	BlockedGauge      metric.Int64UpDownCounter
	AuditEntries      metric.Int64Counter
}

// NewMetrics creates all instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestsCreated, err = meter.Int64Counter("skillbus.requests.created",
		metric.WithDescription("Delegation requests created"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsBlocked, err = meter.Int64Counter("skillbus.requests.blocked",
		metric.WithDescription("Requests suspended for human approval"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsCompleted, err = meter.Int64Counter("skillbus.requests.completed",
		metric.WithDescription("Requests completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsFailed, err = meter.Int64Counter("skillbus.requests.failed",
		metric.WithDescription("Requests that ended FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestsExpired, err = meter.Int64Counter("skillbus.requests.expired",
		metric.WithDescription("Requests expired by the TTL sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDenials, err = meter.Int64Counter("skillbus.permission.denials",
		metric.WithDescription("Default-deny outcomes at request creation"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("skillbus.dispatch.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BlockedGauge, err = meter.Int64UpDownCounter("skillbus.requests.blocked.active",
		metric.WithDescription("Requests currently awaiting sign-off"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditEntries, err = meter.Int64Counter("skillbus.audit.entries",
		metric.WithDescription("Audit trail entries appended"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
