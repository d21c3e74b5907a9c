package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the worker's metrics covering the golden signals:
// latency (job duration), traffic (jobs processed), errors (failed
// jobs), and saturation (active slot, queue depth).
type Metrics struct {
	meter metric.Meter

	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	QueueDepth     metric.Int64Gauge

	NotifierDelivered metric.Int64Counter
	NotifierFailed    metric.Int64Counter
	NotifierDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus
// exporter, returning the handler to expose on the metrics port.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("kneeproc")
	m := &Metrics{meter: meter}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Pipeline job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 240, 480, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs executed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently holding the execution slot (0 or 1)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"queue_depth",
		metric.WithDescription("Number of jobs waiting in the queue"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDelivered, err = meter.Int64Counter(
		"notifier_delivered_total",
		metric.WithDescription("Webhook notifications delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierFailed, err = meter.Int64Counter(
		"notifier_failed_total",
		metric.WithDescription("Webhook notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifierDropped, err = meter.Int64Counter(
		"notifier_dropped_total",
		metric.WithDescription("Webhook notifications dropped due to a full buffer"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordJobStarted records a job taking the execution slot.
func (m *Metrics) RecordJobStarted(ctx context.Context, model string) {
	attrs := metric.WithAttributes(modelAttr(model))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, model string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(modelAttr(model), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(modelAttr(model)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobAbandoned records a job that failed without ever occupying
// the execution slot, e.g. one interrupted by a worker crash.
func (m *Metrics) RecordJobAbandoned(ctx context.Context, model string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(modelAttr(model)))
	m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(modelAttr(model), successAttr(false)))
}

// RecordQueueDepth records the current queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordNotifierDelivered records a delivered webhook notification.
func (m *Metrics) RecordNotifierDelivered(ctx context.Context) {
	m.NotifierDelivered.Add(ctx, 1)
}

// RecordNotifierFailed records a notification that failed after retries.
func (m *Metrics) RecordNotifierFailed(ctx context.Context) {
	m.NotifierFailed.Add(ctx, 1)
}

// RecordNotifierDropped records a dropped notification.
func (m *Metrics) RecordNotifierDropped(ctx context.Context) {
	m.NotifierDropped.Add(ctx, 1)
}
