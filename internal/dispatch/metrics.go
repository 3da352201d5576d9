package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metricKind string

const (
	metricOffersSent metricKind = "offer_sent"
	metricAccepted   metricKind = "accepted"
	metricExhausted  metricKind = "exhausted"
	metricTimeouts   metricKind = "timeout"
)

var dispatchEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_engine_events_total",
	Help: "Total number of dispatch state-machine events by kind.",
}, []string{"event"})

// recordMetric increments the counter for a dispatch event. requestID is
// accepted for call-site symmetry with logging but intentionally not used
// as a label: per-request cardinality would blow up the metric.
func recordMetric(kind metricKind, requestID string) {
	dispatchEventsTotal.WithLabelValues(string(kind)).Inc()
}
