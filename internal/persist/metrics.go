package persist

import "github.com/prometheus/client_golang/prometheus"

var (
	writeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "persist",
		Name:      "writes_total",
		Help:      "Durable component writes by result.",
	}, []string{"result"})

	loadedComponents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "persist",
		Name:      "loaded_components",
		Help:      "Components replayed from the durable store at startup.",
	})
)

func init() {
	prometheus.MustRegister(writeResults, loadedComponents)
}
