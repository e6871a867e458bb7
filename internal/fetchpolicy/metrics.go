package fetchpolicy

import "github.com/prometheus/client_golang/prometheus"

var (
	readsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexusstore_fetchpolicy_reads_total",
			Help: "Total get/getAll calls by policy and outcome (hit, miss, error, sync-error).",
		},
		[]string{"policy", "outcome"},
	)

	backgroundSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexusstore_fetchpolicy_background_syncs_total",
			Help: "Background sync() calls scheduled by cacheAndNetwork/staleWhileRevalidate.",
		},
		[]string{"policy", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(readsTotal)
	prometheus.MustRegister(backgroundSyncsTotal)
}
