package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prometheusPacketsRouted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chanmesh",
		Subsystem: "router",
		Name:      "packets_total",
		Help:      "Counts packets routed by path and result",
	},
	[]string{"path", "result"},
)

func init() {
	prometheus.MustRegister(prometheusPacketsRouted)
}

func prometheusRecordRoute(path, result string) {
	prometheusPacketsRouted.With(prometheus.Labels{"path": path, "result": result}).Inc()
}
