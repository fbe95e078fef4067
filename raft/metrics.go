package raft

import (
	"github.com/prometheus/client_golang/prometheus"
)

var prometheusRaftMessagesSent = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chanmesh",
		Subsystem: "raft",
		Name:      "messages_sent_total",
		Help:      "Counts raft messages sent to peers by rpc and result",
	},
	[]string{"rpc", "result"},
)

var prometheusRaftSnapshots = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chanmesh",
		Subsystem: "raft",
		Name:      "snapshots_total",
		Help:      "Counts snapshots taken by this node",
	},
)

func init() {
	prometheus.MustRegister(prometheusRaftMessagesSent)
	prometheus.MustRegister(prometheusRaftSnapshots)
}

func prometheusRecordRaftSend(kind RPCKind, result string) {
	prometheusRaftMessagesSent.With(prometheus.Labels{"rpc": kind.String(), "result": result}).Inc()
}
