package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics owns the meter provider and the Prometheus registry it is
// exported through.
type Metrics struct {
	Provider *sdkmetric.MeterProvider
	Registry *prometheus.Registry
}

// SetupMetrics creates a meter provider, installs it globally and registers
// it, together with the Go runtime and process collectors, in a new
// Prometheus registry. Instruments are read on every scrape.
func SetupMetrics(namespace string) (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := registry.Register(NewOTelCollector(reader, namespace)); err != nil {
		return nil, fmt.Errorf("register otel collector: %w", err)
	}

	otel.SetMeterProvider(provider)
	return &Metrics{Provider: provider, Registry: registry}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Shutdown releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.Provider.Shutdown(ctx)
}

// otelCollector converts the contents of a manual reader into Prometheus
// samples. It is an unchecked collector: metric families are only known
// after a collection.
type otelCollector struct {
	reader    *sdkmetric.ManualReader
	namespace string
}

// NewOTelCollector returns a Prometheus collector reading from reader.
// Counters, gauges and explicit-bucket histograms are supported.
func NewOTelCollector(reader *sdkmetric.ManualReader, namespace string) prometheus.Collector {
	return &otelCollector{reader: reader, namespace: namespace}
}

func (c *otelCollector) Describe(chan<- *prometheus.Desc) {}

func (c *otelCollector) Collect(ch chan<- prometheus.Metric) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(context.Background(), &rm); err != nil {
		ch <- prometheus.NewInvalidMetric(prometheus.NewDesc(c.name("otel_collect_error"), "OpenTelemetry collection failed", nil, nil), err)
		return
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			c.convert(ch, m)
		}
	}
}

func (c *otelCollector) convert(ch chan<- prometheus.Metric, m metricdata.Metrics) {
	name := c.name(m.Name)

	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		emitPoints(ch, name, m.Description, data.DataPoints, valueType(data.IsMonotonic), func(v int64) float64 { return float64(v) })
	case metricdata.Sum[float64]:
		emitPoints(ch, name, m.Description, data.DataPoints, valueType(data.IsMonotonic), func(v float64) float64 { return v })
	case metricdata.Gauge[int64]:
		emitPoints(ch, name, m.Description, data.DataPoints, prometheus.GaugeValue, func(v int64) float64 { return float64(v) })
	case metricdata.Gauge[float64]:
		emitPoints(ch, name, m.Description, data.DataPoints, prometheus.GaugeValue, func(v float64) float64 { return v })
	case metricdata.Histogram[float64]:
		labels := labelNames(data.DataPoints, func(dp metricdata.HistogramDataPoint[float64]) attribute.Set { return dp.Attributes })
		desc := prometheus.NewDesc(name, m.Description, labels, nil)
		for _, dp := range data.DataPoints {
			buckets := make(map[float64]uint64, len(dp.Bounds))
			var cumulative uint64
			for i, bound := range dp.Bounds {
				cumulative += dp.BucketCounts[i]
				buckets[bound] = cumulative
			}
			metric, err := prometheus.NewConstHistogram(desc, dp.Count, dp.Sum, buckets, labelValues(labels, dp.Attributes)...)
			if err != nil {
				ch <- prometheus.NewInvalidMetric(desc, err)
				continue
			}
			ch <- metric
		}
	}
}

func emitPoints[N int64 | float64](ch chan<- prometheus.Metric, name, help string, points []metricdata.DataPoint[N], vt prometheus.ValueType, conv func(N) float64) {
	labels := labelNames(points, func(dp metricdata.DataPoint[N]) attribute.Set { return dp.Attributes })
	desc := prometheus.NewDesc(name, help, labels, nil)
	for _, dp := range points {
		metric, err := prometheus.NewConstMetric(desc, vt, conv(dp.Value), labelValues(labels, dp.Attributes)...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(desc, err)
			continue
		}
		ch <- metric
	}
}

func valueType(monotonic bool) prometheus.ValueType {
	if monotonic {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

// labelNames is the sorted union of attribute keys across points; Prometheus
// needs every sample of a family to carry the same label names.
func labelNames[P any](points []P, attrs func(P) attribute.Set) []string {
	seen := map[string]struct{}{}
	for _, dp := range points {
		set := attrs(dp)
		for _, kv := range set.ToSlice() {
			seen[sanitize(string(kv.Key))] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func labelValues(names []string, set attribute.Set) []string {
	byName := make(map[string]string, set.Len())
	for _, kv := range set.ToSlice() {
		byName[sanitize(string(kv.Key))] = kv.Value.Emit()
	}
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = byName[name]
	}
	return values
}

func (c *otelCollector) name(metric string) string {
	name := sanitize(metric)
	if c.namespace != "" {
		name = c.namespace + "_" + name
	}
	return name
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
