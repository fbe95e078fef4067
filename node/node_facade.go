package node

import (
	"context"

	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/raft"
)

// ClusterNodeFacade exposes a running node to the cluster API
type ClusterNodeFacade struct {
	node *ClusterNode
}

func (clusterFacade *ClusterNodeFacade) LocalNodeID() uint64 {
	return clusterFacade.node.ID()
}

func (clusterFacade *ClusterNodeFacade) IsLeader() bool {
	return clusterFacade.node.configController.IsLeader()
}

func (clusterFacade *ClusterNodeFacade) Leader() (raft.PeerAddress, bool) {
	return clusterFacade.node.configController.Leader()
}

func (clusterFacade *ClusterNodeFacade) Submit(ctx context.Context, command cluster.ClusterCommand) (cluster.ClusterCommandResponse, error) {
	return clusterFacade.node.configController.Submit(ctx, command)
}

func (clusterFacade *ClusterNodeFacade) Owner(channelID string) (cluster.OwnershipRecord, bool) {
	return clusterFacade.node.clusterController.Owner(channelID)
}

func (clusterFacade *ClusterNodeFacade) Owners() []cluster.OwnershipRecord {
	return clusterFacade.node.clusterController.Owners()
}

func (clusterFacade *ClusterNodeFacade) Nodes() []cluster.NodeConfig {
	return clusterFacade.node.clusterController.Nodes()
}

func (clusterFacade *ClusterNodeFacade) NodeShutdown(ctx context.Context, nodeID uint64) (int, error) {
	return clusterFacade.node.client.NodeShutdown(ctx, nodeID)
}

func (clusterFacade *ClusterNodeFacade) PurgeClosed(ctx context.Context) (int, error) {
	return clusterFacade.node.client.PurgeClosed(ctx)
}

// RemoveNode of the local node starts leaving the cluster and returns once
// the process has begun.
func (clusterFacade *ClusterNodeFacade) RemoveNode(ctx context.Context, nodeID uint64) error {
	if nodeID == clusterFacade.node.ID() {
		err, _ := clusterFacade.node.LeaveCluster()

		return err
	}

	return clusterFacade.node.client.RemoveNode(ctx, nodeID)
}
