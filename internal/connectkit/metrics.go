package connectkit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric event names.
const (
	MetricStateIssued          = "state.issued"
	MetricStateConsumed        = "state.consumed"
	MetricStateRejected        = "state.rejected"
	MetricStateBound           = "state.bound"
	MetricStatesSwept          = "state.swept"
	MetricPrincipalResolved    = "principal.resolved"
	MetricPrincipalDeleted     = "principal.deleted"
	MetricConnectionUpserted   = "connection.upserted"
	MetricConnectionRevoked    = "connection.revoked"
	MetricConnectionDeleted    = "connection.deleted"
	MetricConnectionsStale     = "connection.stale_revoked"
	MetricSweepFailed          = "sweeper.failed"
	MetricOAuthCallbackFailed  = "oauth.callback.failed"
	MetricOAuthCallbackSuccess = "oauth.callback.succeeded"
)

// MetricsRecorder counts connection lifecycle events.
type MetricsRecorder interface {
	Increment(event string)
	Add(event string, delta int64)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string)  {}
func (noopMetrics) Add(string, int64) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.Add(event, 1)
}

// Add increases the counter for the given event by delta.
func (recorder *CounterMetrics) Add(event string, delta int64) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event] += delta
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports events as a labelled Prometheus counter.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tconnect",
			Name:      "events_total",
			Help:      "OAuth state and connection lifecycle events.",
		},
		[]string{"event"},
	)
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Add increases the counter for the given event by delta.
func (recorder *PrometheusMetrics) Add(event string, delta int64) {
	if delta <= 0 {
		return
	}
	recorder.events.WithLabelValues(event).Add(float64(delta))
}
