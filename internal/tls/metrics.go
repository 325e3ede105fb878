package tls

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "shield.tls"

var (
	metricsOnce    sync.Once
	metricsInitErr error
	tlsMetricsInst *TLSMetricsCollector
)

// TLSMetricsCollector handles TLS handshake metrics
type TLSMetricsCollector struct {
	handshakesTotal   metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	negotiatedTotal   metric.Int64Counter
}

// GetTLSMetricsCollector returns the singleton TLS metrics collector bound to
// the global meter provider.
func GetTLSMetricsCollector() (*TLSMetricsCollector, error) {
	metricsOnce.Do(func() {
		tlsMetricsInst, metricsInitErr = NewTLSMetricsCollector(otel.GetMeterProvider().Meter(meterName))
	})
	return tlsMetricsInst, metricsInitErr
}

// NewTLSMetricsCollector creates a collector on meter.
func NewTLSMetricsCollector(meter metric.Meter) (*TLSMetricsCollector, error) {
	collector := &TLSMetricsCollector{}

	var err error
	collector.handshakesTotal, err = meter.Int64Counter(
		"tls_handshakes_total",
		metric.WithDescription("TLS handshakes by transport, role and outcome"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	collector.negotiatedTotal, err = meter.Int64Counter(
		"tls_negotiated_total",
		metric.WithDescription("Accepted TLS handshakes by negotiated protocol and cipher suite"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshake records one connection attempt
func (c *TLSMetricsCollector) RecordHandshake(ctx context.Context, attempt ConnectionAttempt) {
	attrs := []attribute.KeyValue{
		attribute.String("transport", attempt.Transport),
		attribute.String("role", attempt.Role.String()),
		attribute.String("outcome", attempt.Outcome.Kind.String()),
	}
	if attempt.Outcome.Reason != ReasonNone {
		attrs = append(attrs, attribute.String("reason", string(attempt.Outcome.Reason)))
	}

	c.handshakesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.handshakeDuration.Record(ctx, attempt.Duration.Seconds(), metric.WithAttributes(attrs[:3]...))

	if attempt.Outcome.Accepted() {
		c.negotiatedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transport", attempt.Transport),
			attribute.String("tls_version", attempt.Outcome.Protocol),
			attribute.String("cipher_suite", attempt.Outcome.Cipher),
		))
	}
}

// ResetMetricsForTest drops the singleton so the next call rebinds to the
// current global meter provider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	tlsMetricsInst = nil
	metricsInitErr = nil
}
