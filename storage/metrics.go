package storage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prometheusStorageErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chanmesh",
		Subsystem: "storage",
		Name:      "errors_total",
		Help:      "Counts the number of errors encountered by the storage driver",
	},
	[]string{"operation", "path"},
)

func init() {
	prometheus.MustRegister(prometheusStorageErrors)
}

func prometheusRecordStorageError(operation, path string) {
	prometheusStorageErrors.With(prometheus.Labels{"operation": operation, "path": path}).Inc()
}
