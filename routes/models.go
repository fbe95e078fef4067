package routes

import (
	"github.com/PelionIoT/chanmesh/cluster"
)

type ClusterOverview struct {
	LocalNodeID uint64               `json:"localNodeID"`
	LeaderID    uint64               `json:"leaderID"`
	Nodes       []cluster.NodeConfig `json:"nodes"`
}

type AffectedChannels struct {
	Affected int `json:"affected"`
}
