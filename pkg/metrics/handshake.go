package metrics

import (
	"github.com/marmos91/ntlmgate/pkg/handshake"
)

// NewHandshakeMetrics creates a Prometheus-backed handshake.Metrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// When nil is returned, callers should pass nil to the handshake
// coordinator, which results in zero overhead.
//
// sessionCount, when non-nil, is sampled on every scrape for the live
// session gauge; pass the store's Len method.
func NewHandshakeMetrics(sessionCount func() int) handshake.Metrics {
	if !IsEnabled() || newPrometheusHandshakeMetrics == nil {
		return nil
	}
	return newPrometheusHandshakeMetrics(sessionCount)
}

// newPrometheusHandshakeMetrics is implemented in
// pkg/metrics/prometheus/handshake.go. The indirection avoids an import
// cycle while keeping the API in one place.
var newPrometheusHandshakeMetrics func(func() int) handshake.Metrics

// RegisterHandshakeMetricsConstructor registers the Prometheus handshake
// metrics constructor. Called by pkg/metrics/prometheus during package
// initialization.
func RegisterHandshakeMetricsConstructor(constructor func(func() int) handshake.Metrics) {
	newPrometheusHandshakeMetrics = constructor
}
