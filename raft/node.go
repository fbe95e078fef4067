package raft

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"

	. "github.com/PelionIoT/chanmesh/logging"
)

// Limit on the number of entries that can accumulate before a snapshot and compaction occurs
const DefaultLogCompactionSize = 1000

// Entries kept behind a snapshot so that slightly lagging followers can
// still be caught up from the log
const DefaultSnapshotCatchUpEntries = 100

const DefaultTickInterval = time.Millisecond * 100

type RaftNodeConfig struct {
	ID                      uint64
	CreateClusterIfNotExist bool
	// Context is attached to the configuration change that adds this node
	// when it creates a new cluster
	Context                []byte
	Storage                RaftNodeStorage
	GetSnapshot            func() ([]byte, error)
	TickInterval           time.Duration
	LogCompactionSize      uint64
	SnapshotCatchUpEntries uint64
}

type RaftNode struct {
	config               *RaftNodeConfig
	node                 raft.Node
	stop                 chan int
	done                 chan int
	lock                 sync.Mutex
	lastCommittedIndex   uint64
	replayTarget         uint64
	replayDone           bool
	onMessagesCB         func([]raftpb.Message) error
	onSnapshotCB         func(raftpb.Snapshot) error
	onEntriesCB          func([]raftpb.Entry) error
	onErrorCB            func(error) error
	onReplayDoneCB       func() error
	currentRaftConfState raftpb.ConfState
}

func NewRaftNode(config *RaftNodeConfig) *RaftNode {
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}

	if config.LogCompactionSize == 0 {
		config.LogCompactionSize = DefaultLogCompactionSize
	}

	if config.SnapshotCatchUpEntries == 0 {
		config.SnapshotCatchUpEntries = DefaultSnapshotCatchUpEntries
	}

	raftNode := &RaftNode{
		config: config,
		node:   nil,
	}

	return raftNode
}

func (raftNode *RaftNode) ID() uint64 {
	return raftNode.config.ID
}

func (raftNode *RaftNode) AddNode(ctx context.Context, nodeID uint64, confContext []byte) error {
	Log.Infof("Node %d proposing addition of node %d to its cluster", raftNode.config.ID, nodeID)

	err := raftNode.node.ProposeConfChange(ctx, raftpb.ConfChange{
		ID:      nodeID,
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  nodeID,
		Context: confContext,
	})

	if err != nil {
		Log.Errorf("Node %d was unable to propose addition of node %d to its cluster: %s", raftNode.config.ID, nodeID, err.Error())
	}

	return err
}

func (raftNode *RaftNode) RemoveNode(ctx context.Context, nodeID uint64, confContext []byte) error {
	Log.Infof("Node %d proposing removal of node %d from its cluster", raftNode.config.ID, nodeID)

	err := raftNode.node.ProposeConfChange(ctx, raftpb.ConfChange{
		ID:      nodeID,
		Type:    raftpb.ConfChangeRemoveNode,
		NodeID:  nodeID,
		Context: confContext,
	})

	if err != nil {
		Log.Errorf("Node %d was unable to propose removal of node %d from its cluster: %s", raftNode.config.ID, nodeID, err.Error())
	}

	return err
}

func (raftNode *RaftNode) Propose(ctx context.Context, proposition []byte) error {
	return raftNode.node.Propose(ctx, proposition)
}

func (raftNode *RaftNode) LastSnapshot() (raftpb.Snapshot, error) {
	return raftNode.config.Storage.Snapshot()
}

func (raftNode *RaftNode) CommittedIndex() uint64 {
	raftNode.lock.Lock()
	defer raftNode.lock.Unlock()

	return raftNode.lastCommittedIndex
}

// Leader returns the ID of the node this node believes is the leader or 0 if
// it does not know of one.
func (raftNode *RaftNode) Leader() uint64 {
	if raftNode.node == nil {
		return raft.None
	}

	return raftNode.node.Status().Lead
}

func (raftNode *RaftNode) IsLeader() bool {
	return raftNode.Leader() == raftNode.config.ID
}

func (raftNode *RaftNode) Start() error {
	if err := raftNode.config.Storage.Open(); err != nil {
		return err
	}

	raft.SetLogger(Log)

	config := &raft.Config{
		ID:              raftNode.config.ID,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         raftNode.config.Storage,
		MaxSizePerMsg:   math.MaxUint16,
		MaxInflightMsgs: 256,
		Logger:          Log,
	}

	hardState, _, err := raftNode.config.Storage.InitialState()

	if err != nil {
		return err
	}

	lastSnapshot, err := raftNode.LastSnapshot()

	if err != nil {
		return err
	}

	if !raftNode.config.Storage.IsEmpty() {
		// indicates that this node has already been run before. Entries kept
		// behind the snapshot for lagging followers are already folded into it
		config.Applied = lastSnapshot.Metadata.Index
		raftNode.node = raft.RestartNode(config)
	} else {
		// by default create a new cluster with one member (this node)
		peers := []raft.Peer{{ID: raftNode.config.ID, Context: raftNode.config.Context}}

		if !raftNode.config.CreateClusterIfNotExist {
			// indicates that this node should join an existing cluster
			peers = nil
		}

		raftNode.node = raft.StartNode(config, peers)
	}

	if !raft.IsEmptySnap(lastSnapshot) {
		// call onSnapshot callback to give initial state to system config
		if err := raftNode.onSnapshotCB(lastSnapshot); err != nil {
			return err
		}

		raftNode.lastCommittedIndex = lastSnapshot.Metadata.Index
		raftNode.currentRaftConfState = lastSnapshot.Metadata.ConfState
	}

	raftNode.replayTarget = hardState.Commit
	raftNode.replayDone = false
	raftNode.stop = make(chan int)
	raftNode.done = make(chan int)

	go raftNode.run()

	return nil
}

func (raftNode *RaftNode) Receive(ctx context.Context, msg raftpb.Message) error {
	return raftNode.node.Step(ctx, msg)
}

func (raftNode *RaftNode) notifyIfReplayDone() error {
	if raftNode.replayDone || raftNode.lastCommittedIndex < raftNode.replayTarget {
		return nil
	}

	raftNode.replayDone = true

	Log.Debugf("Node %d finished replaying its log up to %d", raftNode.config.ID, raftNode.lastCommittedIndex)

	if raftNode.onReplayDoneCB != nil {
		return raftNode.onReplayDoneCB()
	}

	return nil
}

func (raftNode *RaftNode) run() {
	ticker := time.NewTicker(raftNode.config.TickInterval)

	defer func() {
		// makes sure cleanup happens when the loop exits
		ticker.Stop()
		raftNode.config.Storage.Close()
		raftNode.node.Stop()
		raftNode.currentRaftConfState = raftpb.ConfState{}
		close(raftNode.done)
	}()

	if err := raftNode.notifyIfReplayDone(); err != nil {
		raftNode.onErrorCB(err)

		return
	}

	for {
		select {
		case <-ticker.C:
			raftNode.node.Tick()
		case rd := <-raftNode.node.Ready():
			// Saves raft state to persistent storage first. If the process dies or fails after this point
			// This ensures that there is a checkpoint to resume from on restart
			if err := raftNode.saveToStorage(rd.HardState, rd.Entries, rd.Snapshot); err != nil {
				raftNode.onErrorCB(err)

				return
			}

			// Messages must be sent after entries and hard state are saved to stable storage
			if len(rd.Messages) != 0 {
				raftNode.onMessagesCB(rd.Messages)
			}

			if !raft.IsEmptySnap(rd.Snapshot) {
				// snapshots received from other nodes.
				// Used to allow this node to catch up
				if err := raftNode.onSnapshotCB(rd.Snapshot); err != nil {
					raftNode.onErrorCB(err)

					return
				}

				raftNode.setCommittedIndex(rd.Snapshot.Metadata.Index)
				raftNode.currentRaftConfState = rd.Snapshot.Metadata.ConfState
			}

			if err := raftNode.applyCommittedEntries(rd.CommittedEntries); err != nil {
				raftNode.onErrorCB(err)

				return
			}

			if err := raftNode.notifyIfReplayDone(); err != nil {
				raftNode.onErrorCB(err)

				return
			}

			// Snapshot current state and perform a compaction of entries
			// if the number of entries exceeds a certain theshold
			if err := raftNode.takeSnapshotIfEnoughEntries(); err != nil {
				raftNode.onErrorCB(err)

				return
			}

			raftNode.node.Advance()
		case <-raftNode.stop:
			return
		}
	}
}

func (raftNode *RaftNode) setCommittedIndex(index uint64) {
	raftNode.lock.Lock()
	defer raftNode.lock.Unlock()

	raftNode.lastCommittedIndex = index
}

func (raftNode *RaftNode) saveToStorage(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	// Ensures that all updates get applied atomically to persistent storage: HardState, Entries, Snapshot.
	// If any part of the update fails then no change is applied. This is important so that the persistent state
	// remains consistent.
	if err := raftNode.config.Storage.ApplyAll(hs, ents, snap); err != nil {
		return err
	}

	return nil
}

// The state machine sees the whole batch before any configuration change in
// it takes effect inside the consensus core.
func (raftNode *RaftNode) applyCommittedEntries(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := raftNode.onEntriesCB(entries); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Type == raftpb.EntryConfChange {
			if err := raftNode.applyConfigurationChange(entry); err != nil {
				return err
			}
		}
	}

	raftNode.setCommittedIndex(entries[len(entries)-1].Index)

	return nil
}

func (raftNode *RaftNode) applyConfigurationChange(entry raftpb.Entry) error {
	var confChange raftpb.ConfChange

	if err := confChange.Unmarshal(entry.Data); err != nil {
		return err
	}

	raftNode.currentRaftConfState = *raftNode.node.ApplyConfChange(confChange)

	return nil
}

func (raftNode *RaftNode) takeSnapshotIfEnoughEntries() error {
	lastSnapshot, err := raftNode.config.Storage.Snapshot()

	if err != nil {
		return err
	}

	lastCommittedIndex := raftNode.CommittedIndex()

	if lastCommittedIndex < lastSnapshot.Metadata.Index {
		return nil
	}

	if lastCommittedIndex-lastSnapshot.Metadata.Index < raftNode.config.LogCompactionSize {
		return nil
	}

	// data is my config state snapshot
	data, err := raftNode.config.GetSnapshot()

	if err != nil {
		return err
	}

	Log.Infof("Node %d taking snapshot at %d", raftNode.config.ID, lastCommittedIndex)

	_, err = raftNode.config.Storage.CreateSnapshot(lastCommittedIndex, &raftNode.currentRaftConfState, data)

	if err != nil {
		return err
	}

	prometheusRaftSnapshots.Inc()

	if lastCommittedIndex <= raftNode.config.SnapshotCatchUpEntries {
		return nil
	}

	compactIndex := lastCommittedIndex - raftNode.config.SnapshotCatchUpEntries
	firstIndex, err := raftNode.config.Storage.FirstIndex()

	if err != nil {
		return err
	}

	if compactIndex < firstIndex {
		return nil
	}

	Log.Infof("Node %d compacting entries up to %d", raftNode.config.ID, compactIndex)

	return raftNode.config.Storage.Compact(compactIndex)
}

// Stop halts the consensus loop and waits for it to exit. Stopping a node
// that is not running is a no-op.
func (raftNode *RaftNode) Stop() {
	if raftNode.stop == nil {
		return
	}

	select {
	case <-raftNode.done:
		return
	default:
	}

	close(raftNode.stop)
	<-raftNode.done
}

func (raftNode *RaftNode) OnMessages(cb func([]raftpb.Message) error) {
	raftNode.onMessagesCB = cb
}

func (raftNode *RaftNode) OnSnapshot(cb func(raftpb.Snapshot) error) {
	raftNode.onSnapshotCB = cb
}

func (raftNode *RaftNode) OnCommittedEntries(cb func([]raftpb.Entry) error) {
	raftNode.onEntriesCB = cb
}

func (raftNode *RaftNode) OnError(cb func(error) error) {
	raftNode.onErrorCB = cb
}

func (raftNode *RaftNode) OnReplayDone(cb func() error) {
	raftNode.onReplayDoneCB = cb
}

func (raftNode *RaftNode) ReportUnreachable(id uint64) {
	raftNode.node.ReportUnreachable(id)
}

func (raftNode *RaftNode) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	raftNode.node.ReportSnapshot(id, status)
}
