package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Federation Prometheus metrics. Defined in a standalone package to
// avoid import cycles between the flow orchestrator and HTTP packages.

var (
	LoginOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_login_outcomes_total",
		Help: "Callback outcomes by provider and status",
	}, []string{"provider", "status"})

	TokenExchangeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "federation_token_exchange_latency_ms",
		Help:    "Token endpoint round-trip latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"provider"})

	JWKSRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_jwks_refreshes_total",
		Help: "JWKS refresh attempts by provider and result",
	}, []string{"provider", "result"})

	ProviderDownMarks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "federation_provider_down_marks_total",
		Help: "Times a provider was marked unreachable",
	}, []string{"provider"})
)

// RegisterFederation registers the federation metrics on the given
// registry (or default if nil).
func RegisterFederation(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		LoginOutcomes,
		TokenExchangeLatency,
		JWKSRefreshes,
		ProviderDownMarks,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
