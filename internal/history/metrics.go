package history

import "github.com/prometheus/client_golang/prometheus"

var (
	checkpointsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "checkpoints_total",
		Help:      "Number of undo checkpoints created.",
	})

	checkpointsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "checkpoints_evicted_total",
		Help:      "Number of undo checkpoints dropped to stay under capacity.",
	})

	undoOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "operations_total",
		Help:      "Undo and redo operations, including failed ones on empty stacks.",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(checkpointsCreated, checkpointsEvicted, undoOps)
}
