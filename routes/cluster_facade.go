package routes

import (
	"context"

	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/raft"
)

type ClusterFacade interface {
	LocalNodeID() uint64
	IsLeader() bool
	Leader() (raft.PeerAddress, bool)
	// Submit runs a command on this node. Only valid on the leader.
	Submit(ctx context.Context, command cluster.ClusterCommand) (cluster.ClusterCommandResponse, error)
	Owner(channelID string) (cluster.OwnershipRecord, bool)
	Owners() []cluster.OwnershipRecord
	Nodes() []cluster.NodeConfig
	NodeShutdown(ctx context.Context, nodeID uint64) (int, error)
	PurgeClosed(ctx context.Context) (int, error)
	RemoveNode(ctx context.Context, nodeID uint64) error
}
