// Copyright 2025 Certen Protocol

package attestation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors the adapter layer populates.
// Registering a *Metrics is the caller's responsibility, matching the
// validator's preference for explicit registries over prometheus's
// global default one.
type Metrics struct {
	PCSFetchSeconds   prometheus.Histogram
	PCSCacheHits      prometheus.Counter
	PCSCacheMisses    prometheus.Counter
	RevocationVerdict *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PCSFetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "veribot",
			Subsystem: "attestation",
			Name:      "pcs_fetch_seconds",
			Help:      "Latency of Intel PCS/collateral fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
		PCSCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veribot",
			Subsystem: "attestation",
			Name:      "pcs_cache_hits_total",
			Help:      "PCS collateral lookups served from cache.",
		}),
		PCSCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veribot",
			Subsystem: "attestation",
			Name:      "pcs_cache_misses_total",
			Help:      "PCS collateral lookups that required a live fetch.",
		}),
		RevocationVerdict: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veribot",
			Subsystem: "attestation",
			Name:      "revocation_verdicts_total",
			Help:      "Revocation check outcomes by verdict.",
		}, []string{"verdict"}),
	}
	reg.MustRegister(m.PCSFetchSeconds, m.PCSCacheHits, m.PCSCacheMisses, m.RevocationVerdict)
	return m
}

// Observe records a revocation verdict in the appropriate counter bucket.
func (m *Metrics) Observe(v RevocationVerdict) {
	if m == nil {
		return
	}
	m.RevocationVerdict.WithLabelValues(v.String()).Inc()
}
