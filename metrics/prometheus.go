package metrics

import (
	"fmt"
	"net/http"
	"strings"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promCollector adapts one gometrics.Registry to a prometheus.Collector by
// re-walking it on every scrape: go-metrics snapshots a value on read
// (Gauge.Value, Counter.Count, Timer.Percentile), so there is nothing to
// cache between scrapes.
type promCollector struct {
	registry gometrics.Registry
}

// NewPrometheusHandler returns an http.Handler exposing reg in the
// Prometheus exposition format, for mounting under a metrics endpoint
// the way PrometheusExporterFlag enables in the teacher's flag set.
func NewPrometheusHandler(reg gometrics.Registry) http.Handler {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(&promCollector{registry: reg})
	return promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
}

// sanitizeMetricName turns a go-metrics name into the Prometheus name body
// that Collect prefixes with "chainhook_": a leading "chainhook/" is dropped
// so the prefix is not repeated, and "/", "." and "-" become "_".
func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "chainhook/")
	return strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(name)
}

// Describe is intentionally empty: promCollector is an "unchecked"
// collector whose metric set is only known at Collect time, since
// go-metrics registries grow new names as components start using them.
func (c *promCollector) Describe(chan<- *prometheus.Desc) {}

func (c *promCollector) Collect(ch chan<- prometheus.Metric) {
	c.registry.Each(func(name string, i interface{}) {
		metricName := "chainhook_" + sanitizeMetricName(name)
		switch m := i.(type) {
		case gometrics.Gauge:
			emitGauge(ch, metricName, float64(m.Value()))
		case gometrics.GaugeFloat64:
			emitGauge(ch, metricName, m.Value())
		case gometrics.Counter:
			emitCounter(ch, metricName, float64(m.Count()))
		case gometrics.Meter:
			snap := m.Snapshot()
			emitGauge(ch, metricName+"_rate1", snap.Rate1())
			emitCounter(ch, metricName+"_total", float64(snap.Count()))
		case gometrics.Timer:
			snap := m.Snapshot()
			emitGauge(ch, metricName+"_p50", snap.Percentile(0.5))
			emitGauge(ch, metricName+"_p99", snap.Percentile(0.99))
			emitCounter(ch, metricName+"_total", float64(snap.Count()))
		}
	})
}

func emitGauge(ch chan<- prometheus.Metric, name string, v float64) {
	desc := prometheus.NewDesc(name, fmt.Sprintf("%s (gauge)", name), nil, nil)
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
}

func emitCounter(ch chan<- prometheus.Metric, name string, v float64) {
	desc := prometheus.NewDesc(name, fmt.Sprintf("%s (counter)", name), nil, nil)
	ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v)
}
