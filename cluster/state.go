package cluster

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/PelionIoT/chanmesh/raft"
)

type ChannelStatus int

// Status only ever moves forward. Closed is terminal and the channel id may
// not be used again.
const (
	ChannelEstablished ChannelStatus = iota
	ChannelClosing     ChannelStatus = iota
	ChannelClosed      ChannelStatus = iota
)

func (status ChannelStatus) String() string {
	switch status {
	case ChannelEstablished:
		return "established"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}

	return fmt.Sprintf("unknown(%d)", int(status))
}

func (status ChannelStatus) IsValid() bool {
	return status >= ChannelEstablished && status <= ChannelClosed
}

// OwnershipRecord says which node holds the live session for a channel.
type OwnershipRecord struct {
	ChannelID string        `json:"channelID"`
	NodeID    uint64        `json:"nodeID"`
	Status    ChannelStatus `json:"status"`
}

type NodeConfig struct {
	Address raft.PeerAddress `json:"address"`
}

type LogID struct {
	Term  uint64 `json:"term"`
	Index uint64 `json:"index"`
}

type ClusterState struct {
	// Cluster members and their addresses
	Nodes map[uint64]*NodeConfig `json:"nodes"`
	// Channel ID to ownership record
	Owners map[string]*OwnershipRecord `json:"owners"`
	// The last log entry folded into this state
	LastApplied LogID `json:"lastApplied"`
	// The log entry that last changed Nodes
	LastMembership LogID `json:"lastMembership"`
}

func NewClusterState() ClusterState {
	return ClusterState{
		Nodes:  make(map[uint64]*NodeConfig),
		Owners: make(map[string]*OwnershipRecord),
	}
}

func (clusterState *ClusterState) AddNode(nodeConfig NodeConfig) {
	clusterState.Nodes[nodeConfig.Address.NodeID] = &nodeConfig
}

func (clusterState *ClusterState) RemoveNode(node uint64) {
	delete(clusterState.Nodes, node)
}

func (clusterState *ClusterState) Owner(channelID string) (OwnershipRecord, bool) {
	record, ok := clusterState.Owners[channelID]

	if !ok {
		return OwnershipRecord{}, false
	}

	return *record, true
}

// OwnedBy lists the records owned by node sorted by channel id.
func (clusterState *ClusterState) OwnedBy(node uint64) []*OwnershipRecord {
	records := []*OwnershipRecord{}

	for _, record := range clusterState.Owners {
		if record.NodeID == node {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ChannelID < records[j].ChannelID
	})

	return records
}

// ClusterSnapshot is the blob stored in a raft snapshot. ID has the form
// <term>-<index>-<seq> where seq counts snapshots taken by the node.
type ClusterSnapshot struct {
	ID    string       `json:"id"`
	State ClusterState `json:"state"`
}

func SnapshotID(lastApplied LogID, seq uint64) string {
	return fmt.Sprintf("%d-%d-%d", lastApplied.Term, lastApplied.Index, seq)
}

func (clusterState *ClusterState) Snapshot(seq uint64) ([]byte, error) {
	return json.Marshal(ClusterSnapshot{
		ID:    SnapshotID(clusterState.LastApplied, seq),
		State: *clusterState,
	})
}

func (clusterState *ClusterState) Recover(snapshot []byte) error {
	var cs ClusterSnapshot
	err := json.Unmarshal(snapshot, &cs)

	if err != nil {
		return err
	}

	if cs.State.Nodes == nil {
		cs.State.Nodes = make(map[uint64]*NodeConfig)
	}

	if cs.State.Owners == nil {
		cs.State.Owners = make(map[string]*OwnershipRecord)
	}

	*clusterState = cs.State

	return nil
}
