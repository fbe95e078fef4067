// This module bridges the gap between the cluster configuration controller
// and the raft library
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	etcdRaft "github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/transport"
)

var ERaftNodeStartup = errors.New("Encountered an error while starting up raft controller")
var EStopped = errors.New("The config controller was stopped")

const SendTimeout = time.Second * 5

type ConfigController struct {
	raftNode          *raft.RaftNode
	raftTransport     *raft.TransportHub
	clusterController *ClusterController
	waiters           map[uint64]chan ClusterCommandResponse
	waitersLock       sync.Mutex
	onLocalUpdatesCB  func([]ClusterStateDelta)
	onErrorCB         func(error)
	stopped           chan int
	stopOnce          sync.Once
}

func NewConfigController(raftNode *raft.RaftNode, raftTransport *raft.TransportHub, clusterController *ClusterController) *ConfigController {
	return &ConfigController{
		raftNode:          raftNode,
		raftTransport:     raftTransport,
		clusterController: clusterController,
		waiters:           make(map[uint64]chan ClusterCommandResponse),
		stopped:           make(chan int),
	}
}

func (cc *ConfigController) ClusterController() *ClusterController {
	return cc.clusterController
}

func (cc *ConfigController) LocalNodeID() uint64 {
	return cc.clusterController.LocalNodeID
}

func (cc *ConfigController) IsLeader() bool {
	return cc.raftNode.IsLeader()
}

// Leader returns the address of the node believed to be the leader. ok is
// false if there is no known leader or its address is not known yet.
func (cc *ConfigController) Leader() (raft.PeerAddress, bool) {
	leader := cc.raftNode.Leader()

	if leader == etcdRaft.None {
		return raft.PeerAddress{}, false
	}

	if address, ok := cc.clusterController.NodeAddress(leader); ok {
		return address, true
	}

	return cc.raftTransport.PeerAddress(leader)
}

func (cc *ConfigController) OnLocalUpdates(cb func([]ClusterStateDelta)) {
	cc.onLocalUpdatesCB = cb
}

// OnError is called once if the consensus loop dies
func (cc *ConfigController) OnError(cb func(error)) {
	cc.onErrorCB = cb
}

// ClusterCommand submits commandBody to the log and waits until it has been
// applied, returning the state machine's response. It should be called on the
// leader.
func (cc *ConfigController) ClusterCommand(ctx context.Context, commandBody interface{}) (ClusterCommandResponse, error) {
	command, err := CreateClusterCommand(cc.LocalNodeID(), commandBody)

	if err != nil {
		return ClusterCommandResponse{}, err
	}

	return cc.Submit(ctx, command)
}

// Submit proposes an already built command. Commands forwarded from other
// nodes arrive here with their original submitter and id.
func (cc *ConfigController) Submit(ctx context.Context, command ClusterCommand) (ClusterCommandResponse, error) {
	if command.Type == ClusterAddNode {
		if response, done, err := cc.checkAddNode(command); done {
			return response, err
		}
	}

	// responses are only delivered to waiters on the submitting node
	command.SubmitterID = cc.LocalNodeID()

	encodedCommand, err := EncodeClusterCommand(command)

	if err != nil {
		return ClusterCommandResponse{}, err
	}

	wait := cc.registerWaiter(command.CommandID)
	defer cc.removeWaiter(command.CommandID)

	switch command.Type {
	case ClusterAddNode:
		body, _ := DecodeClusterCommandBody(command)
		err = cc.raftNode.AddNode(ctx, body.(ClusterAddNodeBody).NodeID, encodedCommand)
	case ClusterRemoveNode:
		body, _ := DecodeClusterCommandBody(command)
		err = cc.raftNode.RemoveNode(ctx, body.(ClusterRemoveNodeBody).NodeID, encodedCommand)
	default:
		err = cc.raftNode.Propose(ctx, encodedCommand)
	}

	if err != nil {
		Log.Warningf("Node %d was unable to propose command %d: %v", cc.LocalNodeID(), command.CommandID, err.Error())

		return ClusterCommandResponse{}, EProposalError
	}

	select {
	case response := <-wait:
		return response, response.Err()
	case <-ctx.Done():
		return ClusterCommandResponse{}, ctx.Err()
	case <-cc.stopped:
		return ClusterCommandResponse{}, EStopped
	}
}

// A node may retry joining after its add was committed. That retry succeeds
// without touching the log. An id that is taken by a node at another address
// is refused.
func (cc *ConfigController) checkAddNode(command ClusterCommand) (ClusterCommandResponse, bool, error) {
	body, err := DecodeClusterCommandBody(command)

	if err != nil {
		return ClusterCommandResponse{}, true, ECommandBody
	}

	addNodeBody := body.(ClusterAddNodeBody)
	address, ok := cc.clusterController.NodeAddress(addNodeBody.NodeID)

	if !ok {
		return ClusterCommandResponse{}, false, nil
	}

	if address.Host == addNodeBody.NodeConfig.Address.Host && address.Port == addNodeBody.NodeConfig.Address.Port {
		return ClusterCommandResponse{CommandID: command.CommandID, Index: cc.clusterController.LastApplied().Index}, true, nil
	}

	return ClusterCommandResponse{}, true, EDuplicateNodeID
}

func (cc *ConfigController) registerWaiter(commandID uint64) chan ClusterCommandResponse {
	cc.waitersLock.Lock()
	defer cc.waitersLock.Unlock()

	wait := make(chan ClusterCommandResponse, 1)
	cc.waiters[commandID] = wait

	return wait
}

func (cc *ConfigController) removeWaiter(commandID uint64) {
	cc.waitersLock.Lock()
	defer cc.waitersLock.Unlock()

	delete(cc.waiters, commandID)
}

func (cc *ConfigController) respond(response ClusterCommandResponse) {
	if response.SubmitterID != cc.LocalNodeID() {
		return
	}

	cc.waitersLock.Lock()
	defer cc.waitersLock.Unlock()

	if wait, ok := cc.waiters[response.CommandID]; ok {
		wait <- response
		delete(cc.waiters, response.CommandID)
	}
}

func (cc *ConfigController) sendMessages(messages []raftpb.Message) {
	// messages within one batch keep their order
	for _, msg := range messages {
		ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
		err := cc.raftTransport.Send(ctx, msg)
		cancel()

		if msg.Type == raftpb.MsgSnap {
			if err != nil {
				cc.raftNode.ReportSnapshot(msg.To, etcdRaft.SnapshotFailure)
			} else {
				cc.raftNode.ReportSnapshot(msg.To, etcdRaft.SnapshotFinish)
			}
		}

		if err == nil {
			continue
		}

		Log.Debugf("Node %d unable to send %s to node %d: %v", cc.LocalNodeID(), msg.Type.String(), msg.To, err.Error())

		if transport.IsNetworkError(err) || err == raft.EReceiverUnknown {
			cc.raftNode.ReportUnreachable(msg.To)
		}
	}
}

func (cc *ConfigController) applyLocalUpdates(deltas []ClusterStateDelta) {
	for _, delta := range deltas {
		switch delta.Type {
		case DeltaNodeAdd:
			cc.raftTransport.AddPeer(delta.Delta.(NodeAdd).NodeConfig.Address)
		case DeltaNodeUpdate:
			cc.raftTransport.UpdatePeer(delta.Delta.(NodeUpdate).NodeConfig.Address)
		case DeltaNodeRemove:
			cc.raftTransport.RemovePeer(delta.Delta.(NodeRemove).NodeConfig.Address)
		}
	}

	if cc.onLocalUpdatesCB != nil {
		cc.onLocalUpdatesCB(deltas)
	}
}

func (cc *ConfigController) Start() error {
	restored := make(chan int, 1)
	failed := make(chan error, 1)

	cc.clusterController.OnLocalUpdates(cc.applyLocalUpdates)

	cc.raftTransport.OnReceive(func(ctx context.Context, msg raftpb.Message) error {
		return cc.raftNode.Receive(ctx, msg)
	})

	cc.raftNode.OnMessages(func(messages []raftpb.Message) error {
		go cc.sendMessages(messages)

		return nil
	})

	cc.raftNode.OnSnapshot(func(snap raftpb.Snapshot) error {
		Log.Infof("Node %d installing snapshot at index %d", cc.LocalNodeID(), snap.Metadata.Index)

		return cc.clusterController.ApplySnapshot(snap.Data)
	})

	cc.raftNode.OnCommittedEntries(func(entries []raftpb.Entry) error {
		responses, err := cc.clusterController.Apply(entries)

		for _, response := range responses {
			cc.respond(response)
		}

		return err
	})

	cc.raftNode.OnError(func(err error) error {
		// indicates that raft node is shutting down
		Log.Criticalf("Raft node encountered an unrecoverable error and will now shut down: %v", err)

		failed <- err
		cc.stop()

		if cc.onErrorCB != nil {
			cc.onErrorCB(err)
		}

		return nil
	})

	cc.raftNode.OnReplayDone(func() error {
		Log.Debug("OnReplayDone() called")
		restored <- 1

		return nil
	})

	if err := cc.raftNode.Start(); err != nil {
		Log.Criticalf("Unable to start the config controller due to an error while starting up raft node: %v", err.Error())

		return ERaftNodeStartup
	}

	Log.Info("Config controller started up raft node. It is now waiting for log replay...")

	select {
	case <-restored:
	case err := <-failed:
		return err
	}

	Log.Info("Config controller log replay complete")

	return nil
}

func (cc *ConfigController) stop() {
	cc.stopOnce.Do(func() {
		close(cc.stopped)
	})
}

func (cc *ConfigController) Stop() {
	cc.stop()
	cc.raftNode.Stop()
}
