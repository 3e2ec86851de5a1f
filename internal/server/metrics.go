package server

import "github.com/prometheus/client_golang/prometheus"

var (
	acceptedPatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "accepted_patches_total",
		Help:      "Patch messages accepted from clients per document.",
	}, []string{"document"})

	replayedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "replayed_records_total",
		Help:      "Log records replayed to reconnecting clients per document.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(acceptedPatches, replayedRecords)
}
