package raft

import (
	"sync"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"
)

// RaftMemoryStorage satisfies RaftNodeStorage without touching disk. Nodes
// that use it lose their log when the process exits.
type RaftMemoryStorage struct {
	*raft.MemoryStorage
	lock             sync.Mutex
	isEmpty          bool
	isDecomissioning bool
	nodeID           uint64
}

func NewRaftMemoryStorage() *RaftMemoryStorage {
	return &RaftMemoryStorage{
		MemoryStorage: raft.NewMemoryStorage(),
		isEmpty:       true,
	}
}

func (raftStorage *RaftMemoryStorage) Open() error {
	return nil
}

func (raftStorage *RaftMemoryStorage) Close() error {
	return nil
}

func (raftStorage *RaftMemoryStorage) IsEmpty() bool {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	return raftStorage.isEmpty
}

func (raftStorage *RaftMemoryStorage) SetDecommissioningFlag() error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	raftStorage.isDecomissioning = true

	return nil
}

func (raftStorage *RaftMemoryStorage) IsDecommissioning() (bool, error) {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	return raftStorage.isDecomissioning, nil
}

func (raftStorage *RaftMemoryStorage) SetNodeID(id uint64) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	raftStorage.nodeID = id

	return nil
}

func (raftStorage *RaftMemoryStorage) NodeID() (uint64, error) {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	return raftStorage.nodeID, nil
}

func (raftStorage *RaftMemoryStorage) ApplyAll(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	if !raft.IsEmptySnap(snap) {
		if err := raftStorage.ApplySnapshot(snap); err != nil {
			return err
		}
	}

	if err := raftStorage.Append(ents); err != nil {
		return err
	}

	if !raft.IsEmptyHardState(hs) {
		if err := raftStorage.SetHardState(hs); err != nil {
			return err
		}
	}

	raftStorage.lock.Lock()
	raftStorage.isEmpty = false
	raftStorage.lock.Unlock()

	return nil
}
