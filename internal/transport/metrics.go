package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "flushes_total",
		Help:      "Outbound patch flushes by trigger.",
	}, []string{"trigger"})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "reconnects_total",
		Help:      "Successful reconnections to the collaboration server.",
	})

	inflightDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport",
		Name:      "inflight_messages",
		Help:      "Sent but unacknowledged patch messages.",
	})

	inboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "inbound_dropped_total",
		Help:      "Inbound frames dropped as malformed or unknown.",
	})
)

func init() {
	prometheus.MustRegister(flushes, reconnects, inflightDepth, inboundDropped)
}
