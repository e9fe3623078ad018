package ublk

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusObserverRecordsOps(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveRead(1024, 1_000_000, true)
	o.ObserveWrite(2048, 2_000_000, true)
	o.ObserveDiscard(4096, 500_000, false)
	o.ObserveFlush(100_000, true)
	o.ObserveQueueDepth(7)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`ublkraid_io_ops_total{op="read"} 1`,
		`ublkraid_io_ops_total{op="write"} 1`,
		`ublkraid_io_errors_total{op="discard"} 1`,
		`ublkraid_queue_depth 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestPrometheusObserverSatisfiesObserverInterface(t *testing.T) {
	var _ Observer = NewPrometheusObserver(prometheus.NewRegistry())
}
