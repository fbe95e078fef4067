package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prometheusPeerDials = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chanmesh",
		Subsystem: "transport",
		Name:      "peer_dials_total",
		Help:      "Counts connection builds for the peer pool by address and result",
	},
	[]string{"address", "result"},
)

func init() {
	prometheus.MustRegister(prometheusPeerDials)
}

func prometheusRecordDial(address string, ok bool) {
	result := "ok"

	if !ok {
		result = "error"
	}

	prometheusPeerDials.With(prometheus.Labels{"address": address, "result": result}).Inc()
}
