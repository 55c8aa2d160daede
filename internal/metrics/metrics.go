// Package metrics exposes prometheus counters for provider traffic, chain
// fan-out outcomes and produced bundles.
package metrics

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "defi_yield"

type Metrics struct {
	gatherer         prometheus.Gatherer
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	chainQueries     *prometheus.CounterVec
	bundles          *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider HTTP requests by outcome, counted once per logical request.",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Provider request latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		chainQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_queries_total",
			Help:      "Per-chain discovery queries by outcome.",
		}, []string{"chain", "outcome"}),
		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Transaction bundles assembled, by approval status.",
		}, []string{"approval"}),
	}
	reg.MustRegister(m.providerRequests, m.providerLatency, m.chainQueries, m.bundles)
	return m
}

// ObserveRequest satisfies httpx.Observer.
func (m *Metrics) ObserveRequest(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) ChainQuery(chain, outcome string) {
	if m == nil {
		return
	}
	m.chainQueries.WithLabelValues(chain, outcome).Inc()
}

func (m *Metrics) Bundle(approval string) {
	if m == nil {
		return
	}
	m.bundles.WithLabelValues(approval).Inc()
}

// WriteText dumps every collected family in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
