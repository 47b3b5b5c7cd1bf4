package connectkit

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsCountsEvents(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	recorder.Increment(MetricStateIssued)
	recorder.Increment(MetricStateIssued)
	recorder.Add(MetricStatesSwept, 3)
	recorder.Add(MetricStatesSwept, 0)
	recorder.Add(MetricStatesSwept, -4)

	if value := testutil.ToFloat64(recorder.events.WithLabelValues(MetricStateIssued)); value != 2 {
		t.Fatalf("expected 2 issued events, got %v", value)
	}
	if value := testutil.ToFloat64(recorder.events.WithLabelValues(MetricStatesSwept)); value != 3 {
		t.Fatalf("expected 3 swept states, got %v", value)
	}
	if count := testutil.CollectAndCount(recorder.events, "tconnect_events_total"); count != 2 {
		t.Fatalf("expected 2 labelled series, got %d", count)
	}
	if _, err := NewPrometheusMetrics(registry); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestCounterMetricsSnapshot(t *testing.T) {
	t.Parallel()

	recorder := NewCounterMetrics()
	recorder.Increment(MetricConnectionUpserted)
	recorder.Add(MetricConnectionsStale, 4)

	snapshot := recorder.Snapshot()
	recorder.Increment(MetricConnectionUpserted)
	if snapshot[MetricConnectionUpserted] != 1 || snapshot[MetricConnectionsStale] != 4 {
		t.Fatalf("unexpected snapshot %v", snapshot)
	}
	if recorder.Count(MetricConnectionUpserted) != 2 {
		t.Fatalf("expected live counter to keep moving")
	}
}
