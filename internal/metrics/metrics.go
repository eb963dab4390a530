// Package metrics exports Prometheus collectors for agreement flows and the
// notary.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/settlementd/internal/agreement"
	"github.com/mmynk/settlementd/internal/models"
)

const namespace = "settlement"

// Metrics holds the collectors. Register it once per process.
type Metrics struct {
	transitions   *prometheus.CounterVec
	flows         *prometheus.CounterVec
	flowDuration  *prometheus.HistogramVec
	notaryResults *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_state_transitions_total",
			Help:      "Agreement flow state changes, by role and target state.",
		}, []string{"role", "state"}),
		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Agreement flows that reached a terminal state, by role and outcome.",
		}, []string{"role", "outcome"}),
		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Time from flow start to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"role", "outcome"}),
		notaryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notary_submissions_total",
			Help:      "Notary submissions, by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finality_deliveries_total",
			Help:      "Deliveries of finalized transitions to counterparties, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.transitions, m.flows, m.flowDuration, m.notaryResults, m.deliveries)
	return m
}

// Observe records an agreement event. It satisfies agreement.Observer.
func (m *Metrics) Observe(e agreement.Event) {
	role := string(e.Role)
	m.transitions.WithLabelValues(role, e.To.String()).Inc()
	if !e.To.Terminal() {
		return
	}
	outcome := "committed"
	if e.To == agreement.StateFailed {
		outcome = "failed"
	}
	m.flows.WithLabelValues(role, outcome).Inc()
	m.flowDuration.WithLabelValues(role, outcome).Observe(e.Elapsed.Seconds())
}

// NotaryResult records a notary submission outcome.
func (m *Metrics) NotaryResult(result string) {
	m.notaryResults.WithLabelValues(result).Inc()
}

// Delivery records the result of sending a finalized transition to a peer.
func (m *Metrics) Delivery(err error) {
	if err != nil {
		m.deliveries.WithLabelValues("failed").Inc()
		return
	}
	m.deliveries.WithLabelValues("delivered").Inc()
}

// Session wraps s so that finality deliveries are counted.
func (m *Metrics) Session(s agreement.Session) agreement.Session {
	return &instrumentedSession{Session: s, m: m}
}

type instrumentedSession struct {
	agreement.Session
	m *Metrics
}

func (s *instrumentedSession) SendFinalized(ctx context.Context, peer models.Party, ntx *models.NotarisedTransition) error {
	err := s.Session.SendFinalized(ctx, peer, ntx)
	s.m.Delivery(err)
	return err
}
