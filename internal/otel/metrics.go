package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all colldesk metric instruments.
type Metrics struct {
	ClaimAttempts    metric.Int64Counter
	ClaimConflicts   metric.Int64Counter
	SignalsPublished metric.Int64Counter
	LeasesExpired    metric.Int64Counter
	PoolListTotal    metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	RequestDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimAttempts, err = meter.Int64Counter("colldesk.claim.attempts",
		metric.WithDescription("Claim and swap attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("colldesk.claim.conflicts",
		metric.WithDescription("Claims rejected because the account was already owned"),
	)
	if err != nil {
		return nil, err
	}

	m.SignalsPublished, err = meter.Int64Counter("colldesk.signals.published",
		metric.WithDescription("Signals fanned out by the notifier"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesExpired, err = meter.Int64Counter("colldesk.lease.expired",
		metric.WithDescription("Claims released by the lease reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolListTotal, err = meter.Int64Counter("colldesk.pool.lists",
		metric.WithDescription("Group pool list requests served"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("colldesk.sessions.active",
		metric.WithDescription("Connected client sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("colldesk.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
