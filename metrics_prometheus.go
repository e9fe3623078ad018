package ublk

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusObserver implements Observer by feeding every I/O event into
// a set of prometheus collectors, mirroring the fields of Metrics. It is
// the ambient-stack analogue of MetricsObserver, for deployments that
// scrape rather than poll Snapshot().
type PrometheusObserver struct {
	ops        *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	errors     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

// NewPrometheusObserver registers its collectors with reg and returns an
// Observer ready to hand to Options.Observer. Pass prometheus.NewRegistry()
// for an isolated registry (tests, multiple devices in one process), or
// prometheus.DefaultRegisterer to expose on the process-wide endpoint.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ublkraid",
			Name:      "io_ops_total",
			Help:      "Total I/O operations by type.",
		}, []string{"op"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ublkraid",
			Name:      "io_bytes_total",
			Help:      "Total bytes transferred by operation type.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ublkraid",
			Name:      "io_errors_total",
			Help:      "Total I/O errors by operation type.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ublkraid",
			Name:      "io_latency_seconds",
			Help:      "I/O operation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ublkraid",
			Name:      "queue_depth",
			Help:      "Most recently observed queue depth.",
		}),
	}
	reg.MustRegister(o.ops, o.bytes, o.errors, o.latency, o.queueDepth)
	return o
}

func (o *PrometheusObserver) observe(op string, bytes, latencyNs uint64, success bool) {
	o.ops.WithLabelValues(op).Inc()
	o.bytes.WithLabelValues(op).Add(float64(bytes))
	if !success {
		o.errors.WithLabelValues(op).Inc()
	}
	o.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.observe("read", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.observe("write", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.observe("discard", bytes, latencyNs, success)
}

func (o *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.observe("flush", 0, latencyNs, success)
}

func (o *PrometheusObserver) ObserveQueueDepth(depth uint32) {
	o.queueDepth.Set(float64(depth))
}

// MetricsHandler returns an http.Handler serving reg's collectors in the
// Prometheus exposition format, for cmd/ublkraid's serve path to mount
// at /metrics.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

var _ Observer = (*PrometheusObserver)(nil)
