package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patchlog",
		Name:      "append_seconds",
		Help:      "Latency for appending patch messages to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "patchlog",
		Name:      "replay_seconds",
		Help:      "Latency for replaying log ranges per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	backlogEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "patchlog",
		Name:      "backlog_entries",
		Help:      "Log entries beyond the last snapshot per document.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlogEntries)
}
