package telemetry

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "contextual"

// Collector exposes call metrics to a Prometheus registry. Values are read
// from a fresh snapshot on every scrape.
type Collector struct {
	snapshot func() Snapshot

	calls    *prometheus.Desc
	failures *prometheus.Desc
	latency  *prometheus.Desc
	errors   *prometheus.Desc
}

// NewCollector creates a collector reading from snapshot, usually
// Client.Metrics.
func NewCollector(snapshot func() Snapshot) *Collector {
	return &Collector{
		snapshot: snapshot,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "calls_total"),
			"Backend calls by method.",
			[]string{"method"}, nil),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "call_failures_total"),
			"Failed backend calls by method.",
			[]string{"method"}, nil),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "call_latency_total"),
			"Backend calls by method and latency bucket.",
			[]string{"method", "bucket"}, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "errors_total"),
			"Failed backend calls by error code.",
			[]string{"code"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.calls
	ch <- c.failures
	ch <- c.latency
	ch <- c.errors
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	for _, m := range snap.Methods {
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(m.Calls), m.Method)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(m.Failures), m.Method)
		for bucket, n := range m.Latency {
			ch <- prometheus.MustNewConstMetric(c.latency, prometheus.CounterValue, float64(n), m.Method, string(bucket))
		}
	}
	for code, n := range snap.ErrorCodes {
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(n), code)
	}
}

// WriteText writes the metrics of snapshot in the Prometheus text format.
func WriteText(w io.Writer, snapshot func() Snapshot) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(snapshot)); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
