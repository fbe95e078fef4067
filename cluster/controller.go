package cluster

import (
	"errors"
	"sort"
	"sync"

	"github.com/coreos/etcd/raft/raftpb"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/raft"
)

var ENoSuchCommand = errors.New("The cluster command type is not supported")
var ECouldNotParseCommand = errors.New("The cluster command data was not properly formatted. Unable to parse it.")
var EApplyOutOfOrder = errors.New("Log entries were not applied in contiguous index order")

type ClusterController struct {
	LocalNodeID  uint64
	State        ClusterState
	lock         sync.RWMutex
	snapshotSeq  uint64
	pending      []ClusterStateDelta
	localUpdates func([]ClusterStateDelta)
}

func NewClusterController(localNodeID uint64) *ClusterController {
	return &ClusterController{
		LocalNodeID: localNodeID,
		State:       NewClusterState(),
	}
}

// OnLocalUpdates registers a callback that receives the membership and
// ownership changes caused by each applied batch or installed snapshot.
func (clusterController *ClusterController) OnLocalUpdates(cb func([]ClusterStateDelta)) {
	clusterController.localUpdates = cb
}

// Apply folds a batch of committed entries into the state, strictly in index
// order. Readers see either none or all of the batch. The returned error is
// fatal: the log and the state no longer agree.
func (clusterController *ClusterController) Apply(entries []raftpb.Entry) ([]ClusterCommandResponse, error) {
	clusterController.lock.Lock()

	responses := make([]ClusterCommandResponse, 0, len(entries))
	var err error

	for _, entry := range entries {
		var response ClusterCommandResponse

		if response, err = clusterController.applyEntry(entry); err != nil {
			break
		}

		responses = append(responses, response)
	}

	deltas := clusterController.pending
	clusterController.pending = nil
	clusterController.lock.Unlock()

	clusterController.notifyLocalNode(deltas)

	return responses, err
}

func (clusterController *ClusterController) applyEntry(entry raftpb.Entry) (ClusterCommandResponse, error) {
	if entry.Index != clusterController.State.LastApplied.Index+1 {
		Log.Criticalf("Node %d was given entry %d to apply after entry %d", clusterController.LocalNodeID, entry.Index, clusterController.State.LastApplied.Index)

		return ClusterCommandResponse{}, EApplyOutOfOrder
	}

	clusterController.State.LastApplied = LogID{Term: entry.Term, Index: entry.Index}
	response := ClusterCommandResponse{Index: entry.Index}

	var encodedCommand []byte

	switch entry.Type {
	case raftpb.EntryConfChange:
		var confChange raftpb.ConfChange

		if err := confChange.Unmarshal(entry.Data); err != nil {
			return response, ECouldNotParseCommand
		}

		encodedCommand = confChange.Context
	case raftpb.EntryNormal:
		encodedCommand = entry.Data
	}

	if len(encodedCommand) == 0 {
		// leader election no-op
		return response, nil
	}

	clusterCommand, err := DecodeClusterCommand(encodedCommand)

	if err != nil {
		Log.Criticalf("Node %d could not decode the command at index %d: %v", clusterController.LocalNodeID, entry.Index, err.Error())

		return response, ECouldNotParseCommand
	}

	response.SubmitterID = clusterCommand.SubmitterID
	response.CommandID = clusterCommand.CommandID

	if err := clusterController.step(clusterCommand, &response); err != nil {
		return response, err
	}

	if clusterCommand.Type == ClusterAddNode || clusterCommand.Type == ClusterRemoveNode || clusterCommand.Type == ClusterUpdateNode {
		clusterController.State.LastMembership = clusterController.State.LastApplied
	}

	return response, nil
}

func (clusterController *ClusterController) step(clusterCommand ClusterCommand, response *ClusterCommandResponse) error {
	body, err := DecodeClusterCommandBody(clusterCommand)

	if err != nil {
		return ECouldNotParseCommand
	}

	switch clusterCommand.Type {
	case ClusterConnect:
		clusterController.Connect(body.(ClusterConnectBody), response)
	case ClusterDisconnect:
		clusterController.Disconnect(body.(ClusterDisconnectBody), response)
	case ClusterNodeShutdown:
		response.Affected = clusterController.closeChannelsOwnedBy(body.(ClusterNodeShutdownBody).NodeID)
	case ClusterAddNode:
		clusterController.AddNode(body.(ClusterAddNodeBody))
	case ClusterRemoveNode:
		response.Affected = clusterController.RemoveNode(body.(ClusterRemoveNodeBody))
	case ClusterUpdateNode:
		clusterController.UpdateNodeConfig(body.(ClusterUpdateNodeBody))
	case ClusterPurgeClosed:
		response.Affected = clusterController.PurgeClosed()
	default:
		return ENoSuchCommand
	}

	return nil
}

func refuse(response *ClusterCommandResponse, dbError DBerror) {
	response.Error = &dbError
}

// Connect records that the submitting node now holds the session for the
// channel. A previous owner loses it. Only an Established channel can change
// hands.
func (clusterController *ClusterController) Connect(clusterCommand ClusterConnectBody, response *ClusterCommandResponse) {
	if clusterCommand.ChannelID == "" {
		refuse(response, EInvalidChannelID)

		return
	}

	existing, ok := clusterController.State.Owners[clusterCommand.ChannelID]

	if ok && existing.Status != ChannelEstablished {
		refuse(response, EChannelIDReused)

		return
	}

	if ok && existing.NodeID != clusterCommand.NodeID && existing.NodeID == clusterController.LocalNodeID {
		clusterController.notify(DeltaChannelLose, ChannelLose{ChannelID: existing.ChannelID, NewOwner: clusterCommand.NodeID, Status: ChannelEstablished})
	}

	record := &OwnershipRecord{
		ChannelID: clusterCommand.ChannelID,
		NodeID:    clusterCommand.NodeID,
		Status:    ChannelEstablished,
	}

	clusterController.State.Owners[record.ChannelID] = record
	response.Record = copyRecord(record)
}

// Disconnect moves a channel towards Closed. A disconnect from a node that no
// longer owns the channel, or one that would move the status backwards, leaves
// the record unchanged.
func (clusterController *ClusterController) Disconnect(clusterCommand ClusterDisconnectBody, response *ClusterCommandResponse) {
	if clusterCommand.Status != ChannelClosing && clusterCommand.Status != ChannelClosed {
		refuse(response, ECommandBody)

		return
	}

	record, ok := clusterController.State.Owners[clusterCommand.ChannelID]

	if !ok {
		refuse(response, ENoSuchChannel)

		return
	}

	if (clusterCommand.NodeID == 0 || clusterCommand.NodeID == record.NodeID) && clusterCommand.Status > record.Status {
		record.Status = clusterCommand.Status
		response.Affected = 1

		if record.NodeID == clusterController.LocalNodeID && clusterCommand.NodeID != clusterController.LocalNodeID {
			clusterController.notify(DeltaChannelLose, ChannelLose{ChannelID: record.ChannelID, NewOwner: record.NodeID, Status: record.Status})
		}
	}

	response.Record = copyRecord(record)
}

func (clusterController *ClusterController) closeChannelsOwnedBy(nodeID uint64) int {
	closed := 0

	for _, record := range clusterController.State.OwnedBy(nodeID) {
		if record.Status == ChannelClosed {
			continue
		}

		record.Status = ChannelClosed
		closed++

		if nodeID == clusterController.LocalNodeID {
			clusterController.notify(DeltaChannelLose, ChannelLose{ChannelID: record.ChannelID, NewOwner: nodeID, Status: ChannelClosed})
		}
	}

	if closed > 0 {
		Log.Infof("Closed %d channels owned by node %d", closed, nodeID)
	}

	return closed
}

func (clusterController *ClusterController) PurgeClosed() int {
	purged := 0

	for channelID, record := range clusterController.State.Owners {
		if record.Status == ChannelClosed {
			delete(clusterController.State.Owners, channelID)
			purged++
		}
	}

	return purged
}

func (clusterController *ClusterController) AddNode(clusterCommand ClusterAddNodeBody) {
	if _, ok := clusterController.State.Nodes[clusterCommand.NodeID]; ok {
		return
	}

	clusterCommand.NodeConfig.Address.NodeID = clusterCommand.NodeID
	clusterController.State.AddNode(clusterCommand.NodeConfig)
	clusterController.notify(DeltaNodeAdd, NodeAdd{NodeID: clusterCommand.NodeID, NodeConfig: clusterCommand.NodeConfig})
}

// RemoveNode drops a member. Channels it owned can no longer be reached and
// are closed.
func (clusterController *ClusterController) RemoveNode(clusterCommand ClusterRemoveNodeBody) int {
	nodeConfig, ok := clusterController.State.Nodes[clusterCommand.NodeID]

	if !ok {
		return 0
	}

	closed := clusterController.closeChannelsOwnedBy(clusterCommand.NodeID)
	clusterController.State.RemoveNode(clusterCommand.NodeID)
	clusterController.notify(DeltaNodeRemove, NodeRemove{NodeID: clusterCommand.NodeID, NodeConfig: *nodeConfig})

	return closed
}

func (clusterController *ClusterController) UpdateNodeConfig(clusterCommand ClusterUpdateNodeBody) {
	currentNodeConfig, ok := clusterController.State.Nodes[clusterCommand.NodeID]

	if !ok {
		// No such node
		return
	}

	currentNodeConfig.Address.Host = clusterCommand.NodeConfig.Address.Host
	currentNodeConfig.Address.Port = clusterCommand.NodeConfig.Address.Port

	clusterController.notify(DeltaNodeUpdate, NodeUpdate{NodeID: clusterCommand.NodeID, NodeConfig: *currentNodeConfig})
}

// Snapshot encodes the current state. Each call gets the next sequence number.
func (clusterController *ClusterController) Snapshot() ([]byte, error) {
	clusterController.lock.Lock()
	defer clusterController.lock.Unlock()

	clusterController.snapshotSeq++

	return clusterController.State.Snapshot(clusterController.snapshotSeq)
}

// Apply a snapshot to the state and notify the local node of any relevant
// changes
func (clusterController *ClusterController) ApplySnapshot(snap []byte) error {
	clusterController.lock.Lock()

	previous := clusterController.State

	if err := clusterController.State.Recover(snap); err != nil {
		clusterController.lock.Unlock()

		return err
	}

	clusterController.diffAndNotify(previous)

	deltas := clusterController.pending
	clusterController.pending = nil
	clusterController.lock.Unlock()

	clusterController.notifyLocalNode(deltas)

	return nil
}

func (clusterController *ClusterController) diffAndNotify(previous ClusterState) {
	current := clusterController.State

	for _, nodeID := range sortedNodeIDs(previous.Nodes) {
		if _, ok := current.Nodes[nodeID]; !ok {
			clusterController.notify(DeltaNodeRemove, NodeRemove{NodeID: nodeID, NodeConfig: *previous.Nodes[nodeID]})
		}
	}

	for _, nodeID := range sortedNodeIDs(current.Nodes) {
		nodeConfig := current.Nodes[nodeID]
		previousConfig, ok := previous.Nodes[nodeID]

		if !ok {
			clusterController.notify(DeltaNodeAdd, NodeAdd{NodeID: nodeID, NodeConfig: *nodeConfig})
		} else if previousConfig.Address != nodeConfig.Address {
			clusterController.notify(DeltaNodeUpdate, NodeUpdate{NodeID: nodeID, NodeConfig: *nodeConfig})
		}
	}

	for _, record := range previous.OwnedBy(clusterController.LocalNodeID) {
		if record.Status == ChannelClosed {
			continue
		}

		now, ok := current.Owners[record.ChannelID]

		if !ok || now.NodeID != clusterController.LocalNodeID || now.Status != record.Status {
			lose := ChannelLose{ChannelID: record.ChannelID, Status: ChannelClosed}

			if ok {
				lose.NewOwner = now.NodeID
				lose.Status = now.Status
			}

			clusterController.notify(DeltaChannelLose, lose)
		}
	}
}

func sortedNodeIDs(nodes map[uint64]*NodeConfig) []uint64 {
	nodeIDs := make([]uint64, 0, len(nodes))

	for nodeID := range nodes {
		nodeIDs = append(nodeIDs, nodeID)
	}

	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	return nodeIDs
}

func (clusterController *ClusterController) notify(deltaType ClusterStateDeltaType, delta interface{}) {
	clusterController.pending = append(clusterController.pending, ClusterStateDelta{Type: deltaType, Delta: delta})
}

func (clusterController *ClusterController) notifyLocalNode(deltas []ClusterStateDelta) {
	if len(deltas) == 0 || clusterController.localUpdates == nil {
		return
	}

	clusterController.localUpdates(deltas)
}

func copyRecord(record *OwnershipRecord) *OwnershipRecord {
	r := *record

	return &r
}

// Owner is a local read. It may be stale with respect to the leader.
func (clusterController *ClusterController) Owner(channelID string) (OwnershipRecord, bool) {
	clusterController.lock.RLock()
	defer clusterController.lock.RUnlock()

	return clusterController.State.Owner(channelID)
}

func (clusterController *ClusterController) Owners() []OwnershipRecord {
	clusterController.lock.RLock()
	defer clusterController.lock.RUnlock()

	records := make([]OwnershipRecord, 0, len(clusterController.State.Owners))

	for _, record := range clusterController.State.Owners {
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ChannelID < records[j].ChannelID
	})

	return records
}

func (clusterController *ClusterController) Nodes() []NodeConfig {
	clusterController.lock.RLock()
	defer clusterController.lock.RUnlock()

	nodes := make([]NodeConfig, 0, len(clusterController.State.Nodes))

	for _, nodeID := range sortedNodeIDs(clusterController.State.Nodes) {
		nodes = append(nodes, *clusterController.State.Nodes[nodeID])
	}

	return nodes
}

func (clusterController *ClusterController) NodeAddress(nodeID uint64) (raft.PeerAddress, bool) {
	clusterController.lock.RLock()
	defer clusterController.lock.RUnlock()

	nodeConfig, ok := clusterController.State.Nodes[nodeID]

	if !ok {
		return raft.PeerAddress{}, false
	}

	return nodeConfig.Address, true
}

func (clusterController *ClusterController) IsMember(nodeID uint64) bool {
	_, ok := clusterController.NodeAddress(nodeID)

	return ok
}

func (clusterController *ClusterController) LastApplied() LogID {
	clusterController.lock.RLock()
	defer clusterController.lock.RUnlock()

	return clusterController.State.LastApplied
}
