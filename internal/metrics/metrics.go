// Package metrics holds the Prometheus collectors of the ledger service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for ledger transitions and the event
// pipeline. All methods are safe on a nil receiver.
type Metrics struct {
	// Transition latency by operation
	OperationLatency *prometheus.HistogramVec

	// Transition outcomes by operation and error kind ("ok" on success)
	OperationOutcome *prometheus.CounterVec

	// Events committed to the log by type
	EventsCommitted *prometheus.CounterVec

	// Event fan-out failures by sink: "bus", "ws", "notify"
	PublishFailures *prometheus.CounterVec

	// Events uploaded to the archive
	EventsArchived prometheus.Counter

	// Collateral refunds issued after a failed commit
	CollateralRefunds prometheus.Counter

	// HTTP requests by route pattern and status
	HTTPRequests *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctfledger_operation_duration_seconds",
			Help:    "Duration of ledger transitions by operation",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"operation"}),

		OperationOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfledger_operations_total",
			Help: "Ledger transitions by operation and outcome",
		}, []string{"operation", "outcome"}),

		EventsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfledger_events_committed_total",
			Help: "Events appended to the ledger log by type",
		}, []string{"type"}),

		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfledger_publish_failures_total",
			Help: "Event fan-out failures by sink",
		}, []string{"sink"}),

		EventsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "ctfledger_events_archived_total",
			Help: "Events written to the object storage archive",
		}),

		CollateralRefunds: f.NewCounter(prometheus.CounterOpts{
			Name: "ctfledger_collateral_refunds_total",
			Help: "Collateral pulls refunded because the ledger commit failed",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ctfledger_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status"}),
	}
}

// ObserveOperation records one ledger transition.
func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(op).Observe(d.Seconds())
		m.OperationOutcome.WithLabelValues(op, outcome).Inc()
	}
}

// IncrementEvent records a committed event.
func (m *Metrics) IncrementEvent(eventType string) {
	if m != nil {
		m.EventsCommitted.WithLabelValues(eventType).Inc()
	}
}

// IncrementPublishFailure records a failed delivery to sink.
func (m *Metrics) IncrementPublishFailure(sink string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(sink).Inc()
	}
}

// AddArchived records n archived events.
func (m *Metrics) AddArchived(n int64) {
	if m != nil && n > 0 {
		m.EventsArchived.Add(float64(n))
	}
}

// IncrementRefund records a compensating collateral refund.
func (m *Metrics) IncrementRefund() {
	if m != nil {
		m.CollateralRefunds.Inc()
	}
}

// IncrementHTTPRequest records a served request.
func (m *Metrics) IncrementHTTPRequest(route, status string) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(route, status).Inc()
	}
}
