// Package prometheus holds the Prometheus implementations of the metric
// interfaces defined next to the instrumented components.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/ntlmgate/pkg/handshake"
	"github.com/marmos91/ntlmgate/pkg/metrics"
)

func init() {
	metrics.RegisterHandshakeMetricsConstructor(NewHandshakeMetrics)
}

// handshakeMetrics is the Prometheus implementation of handshake.Metrics.
type handshakeMetrics struct {
	challenges    prometheus.Counter
	authenticated prometheus.Counter
	rejected      *prometheus.CounterVec
}

// NewHandshakeMetrics creates a new Prometheus-backed handshake.Metrics
// instance registered on the global registry.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewHandshakeMetrics(sessionCount func() int) handshake.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	if sessionCount != nil {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ntlmgate_handshake_sessions",
				Help: "Current number of live per-connection handshake sessions",
			},
			func() float64 { return float64(sessionCount()) },
		)
	}

	return &handshakeMetrics{
		challenges: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ntlmgate_handshake_challenges_total",
				Help: "Total number of 401 responses carrying an NTLM challenge",
			},
		),
		authenticated: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ntlmgate_handshake_authenticated_total",
				Help: "Total number of handshakes that completed successfully",
			},
		),
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntlmgate_handshake_rejected_total",
				Help: "Total number of failed handshakes by reason",
			},
			[]string{"reason"}, // "credentials", "veto", "bind_error"
		),
	}
}

func (m *handshakeMetrics) ChallengeIssued() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *handshakeMetrics) Authenticated() {
	if m == nil {
		return
	}
	m.authenticated.Inc()
}

func (m *handshakeMetrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
