package redemption

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	created          *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	expired          *prometheus.CounterVec
	burnFailures     prometheus.Counter
	eventsDispatched prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redemption",
			Name:      "requests_created_total",
			Help:      "Redemption requests returned by create, split by whether an existing QR was reused.",
		}, []string{"existing"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redemption",
			Name:      "operation_outcomes_total",
			Help:      "Redemption operation results by operation and result code.",
		}, []string{"operation", "code"}),
		expired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redemption",
			Name:      "expired_total",
			Help:      "Redemption requests moved to EXPIRED, by detection source.",
		}, []string{"source"}),
		burnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "redemption",
			Name:      "token_burn_failures_total",
			Help:      "Token burns that failed after a committed confirmation.",
		}),
		eventsDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: "redemption",
			Name:      "events_dispatched_total",
			Help:      "Confirmed-redemption events processed by the worker.",
		}),
	}
}

// The methods below are nil-safe so a Service can run without metrics.

func (m *Metrics) requestCreated(existing bool) {
	if m == nil {
		return
	}
	label := "false"
	if existing {
		label = "true"
	}
	m.created.WithLabelValues(label).Inc()
}

func (m *Metrics) outcome(op string, code Code) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(op, string(code)).Inc()
}

func (m *Metrics) expiredBy(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) burnFailed() {
	if m == nil {
		return
	}
	m.burnFailures.Inc()
}

func (m *Metrics) eventDispatched() {
	if m == nil {
		return
	}
	m.eventsDispatched.Inc()
}
