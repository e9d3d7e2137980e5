package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the coordination metric instruments.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	OpDuration      metric.Float64Histogram
	ClaimsGranted   metric.Int64Counter
	ClaimsDenied    metric.Int64Counter
	ClaimsRenewed   metric.Int64Counter
	ClaimsReleased  metric.Int64Counter
	TasksCreated    metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	FindingsPosted  metric.Int64Counter
	AuthRejects     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("taskward.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OpDuration, err = meter.Float64Histogram("taskward.operation.duration",
		metric.WithDescription("Coordination operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ClaimsGranted, "taskward.claims.granted", "Claims granted, including self-renewal and takeover after expiry"},
		{&m.ClaimsDenied, "taskward.claims.denied", "Claim attempts denied"},
		{&m.ClaimsRenewed, "taskward.claims.renewed", "Explicit claim renewals that succeeded"},
		{&m.ClaimsReleased, "taskward.claims.released", "Claims voluntarily released"},
		{&m.TasksCreated, "taskward.tasks.created", "Tasks created"},
		{&m.TasksCompleted, "taskward.tasks.completed", "Tasks completed"},
		{&m.FindingsPosted, "taskward.findings.posted", "Findings appended"},
		{&m.AuthRejects, "taskward.auth.rejects", "Requests rejected by authentication or policy"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}
