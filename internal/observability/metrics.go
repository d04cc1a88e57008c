package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"pushfanout/internal/fanout"
	"pushfanout/internal/push"
	"pushfanout/pkg/circuitbreaker"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/fan-outs take
// - Traffic: Request/fan-out/send throughput
// - Errors: Failed sends by kind, failed jobs
// - Saturation: Dispatcher queue depth, open push host breakers
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Fan-out metrics
	FanoutDuration        metric.Float64Histogram
	FanoutsTotal          metric.Int64Counter
	SendAttemptsTotal     metric.Int64Counter
	SendsDeliveredTotal   metric.Int64Counter
	SendFailuresTotal     metric.Int64Counter
	DeadEndpointsTotal    metric.Int64Counter
	GateDegradationsTotal metric.Int64Counter

	// Dispatcher metrics
	DispatcherWait      metric.Float64Histogram
	DispatcherCompleted metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRetried   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge

	// Intake metrics
	IntakeEntriesTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("pushfanout")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Fan-out metrics
	m.FanoutDuration, err = meter.Float64Histogram(
		"fanout_duration_seconds",
		metric.WithDescription("Fan-out duration from reservation to completion in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.FanoutsTotal, err = meter.Int64Counter(
		"fanouts_total",
		metric.WithDescription("Total number of fan-outs by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SendAttemptsTotal, err = meter.Int64Counter(
		"push_send_attempts_total",
		metric.WithDescription("Total push service requests including retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SendsDeliveredTotal, err = meter.Int64Counter(
		"push_sends_delivered_total",
		metric.WithDescription("Total subscriptions that accepted a notification"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SendFailuresTotal, err = meter.Int64Counter(
		"push_send_failures_total",
		metric.WithDescription("Total subscriptions that failed after retries, by failure kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeadEndpointsTotal, err = meter.Int64Counter(
		"push_dead_endpoints_invalidated_total",
		metric.WithDescription("Total subscription rows invalidated for dead endpoints"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GateDegradationsTotal, err = meter.Int64Counter(
		"delivery_gate_degraded_total",
		metric.WithDescription("Times the delivery gate disabled itself because its store is missing"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherWait, err = meter.Float64Histogram(
		"dispatcher_job_duration_seconds",
		metric.WithDescription("Time from enqueue to fan-out completion in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherCompleted, err = meter.Int64Counter(
		"dispatcher_completed_total",
		metric.WithDescription("Total queued fan-outs run to completion"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total queued fan-outs failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total fan-outs rejected because the buffer was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRetried, err = meter.Int64Counter(
		"dispatcher_retried_total",
		metric.WithDescription("Total fan-out job retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of fan-outs in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Intake metrics
	m.IntakeEntriesTotal, err = meter.Int64Counter(
		"intake_entries_total",
		metric.WithDescription("Total stream entries consumed by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RegisterBreakerStats exports push host breaker states as an observable gauge.
func (m *Metrics) RegisterBreakerStats(stats func() circuitbreaker.Stats) error {
	_, err := m.meter.Int64ObservableGauge(
		"push_host_breakers",
		metric.WithDescription("Push service host breakers by state"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			s := stats()
			o.Observe(int64(s.Open), metric.WithAttributes(stateAttr("open")))
			o.Observe(int64(s.HalfOpen), metric.WithAttributes(stateAttr("half-open")))
			o.Observe(int64(s.Closed), metric.WithAttributes(stateAttr("closed")))
			return nil
		}),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordFanout records a finished fan-out.
func (m *Metrics) RecordFanout(ctx context.Context, role push.Role, outcome fanout.Outcome, durationSeconds float64) {
	attrs := metric.WithAttributes(roleAttr(string(role)), outcomeAttr(string(outcome)))
	m.FanoutsTotal.Add(ctx, 1, attrs)
	m.FanoutDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSendResults records the per-subscription results of one fan-out.
func (m *Metrics) RecordSendResults(ctx context.Context, role push.Role, attempts, sent int64, failures map[push.FailureKind]int) {
	r := roleAttr(string(role))
	m.SendAttemptsTotal.Add(ctx, attempts, metric.WithAttributes(r))
	m.SendsDeliveredTotal.Add(ctx, sent, metric.WithAttributes(r))
	for kind, n := range failures {
		m.SendFailuresTotal.Add(ctx, int64(n), metric.WithAttributes(r, kindAttr(string(kind))))
	}
}

// RecordDeadEndpoints records invalidated subscription rows.
func (m *Metrics) RecordDeadEndpoints(ctx context.Context, role push.Role, invalidated int64) {
	m.DeadEndpointsTotal.Add(ctx, invalidated, metric.WithAttributes(roleAttr(string(role))))
}

// RecordGateDegraded records the delivery gate turning itself off.
func (m *Metrics) RecordGateDegraded(ctx context.Context) {
	m.GateDegradationsTotal.Add(ctx, 1)
}

// RecordDispatcherCompleted records a queued fan-out that ran.
func (m *Metrics) RecordDispatcherCompleted(ctx context.Context, waitSeconds float64) {
	m.DispatcherCompleted.Add(ctx, 1)
	m.DispatcherWait.Record(ctx, waitSeconds)
}

// RecordDispatcherFailed records a queued fan-out that gave up.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a rejected fan-out.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRetried records a job retry.
func (m *Metrics) RecordDispatcherRetried(ctx context.Context) {
	m.DispatcherRetried.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}

// RecordIntakeEntry records one consumed stream entry.
func (m *Metrics) RecordIntakeEntry(ctx context.Context, outcome string) {
	m.IntakeEntriesTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}
