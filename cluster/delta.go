package cluster

type ClusterStateDeltaType int

const (
	DeltaNodeAdd     ClusterStateDeltaType = iota
	DeltaNodeRemove  ClusterStateDeltaType = iota
	DeltaNodeUpdate  ClusterStateDeltaType = iota
	DeltaChannelLose ClusterStateDeltaType = iota
)

type ClusterStateDelta struct {
	Type  ClusterStateDeltaType
	Delta interface{}
}

type NodeAdd struct {
	NodeID     uint64
	NodeConfig NodeConfig
}

type NodeRemove struct {
	NodeID     uint64
	NodeConfig NodeConfig
}

type NodeUpdate struct {
	NodeID     uint64
	NodeConfig NodeConfig
}

// ChannelLose tells the local node that a channel it held a session for is
// now owned elsewhere or was closed by someone else.
type ChannelLose struct {
	ChannelID string
	NewOwner  uint64
	Status    ChannelStatus
}
