package raft

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"

	. "github.com/PelionIoT/chanmesh/logging"
	. "github.com/PelionIoT/chanmesh/storage"
)

var (
	KeySnapshot       = []byte("snapshot")
	KeyHardState      = []byte("hardstate")
	KeyNodeID         = []byte("nodeid")
	KeyDecommission   = []byte("decommission")
	KeyPrefixEntry    = []byte("entries/")
	KeyPrefixEntryEnd = []byte("entries0")
)

var ECorrupt = errors.New("The raft log storage is corrupted")
var ECompactBackward = errors.New("Compaction index is lower than the previous compaction point")
var EIndexGap = errors.New("Appended entries would leave a gap in the log")

type RaftNodeStorage interface {
	raft.Storage
	Open() error
	Close() error
	IsEmpty() bool
	Append(entries []raftpb.Entry) error
	SetHardState(st raftpb.HardState) error
	ApplySnapshot(snap raftpb.Snapshot) error
	CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error)
	Compact(i uint64) error
	ApplyAll(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error
	SetDecommissioningFlag() error
	IsDecommissioning() (bool, error)
	SetNodeID(id uint64) error
	NodeID() (uint64, error)
}

// RaftStorage keeps the raft log on a StorageDriver. The log always holds a
// placeholder entry at the compaction point (index offset) whose only
// meaningful field is its term, so that Term(offset) can be answered after
// the entries before it are gone. Live entries are (offset, lastIndex].
type RaftStorage struct {
	storageDriver StorageDriver
	lock          sync.RWMutex
	isOpen        bool
	isEmpty       bool
	hardState     raftpb.HardState
	snapshot      raftpb.Snapshot
	offset        uint64
	lastIndex     uint64
}

func NewRaftStorage(storageDriver StorageDriver) *RaftStorage {
	return &RaftStorage{
		storageDriver: storageDriver,
	}
}

func entryKey(index uint64) []byte {
	key := make([]byte, len(KeyPrefixEntry)+8)

	copy(key, KeyPrefixEntry)
	binary.BigEndian.PutUint64(key[len(KeyPrefixEntry):], index)

	return key
}

func entryIndex(key []byte) (uint64, error) {
	if len(key) != len(KeyPrefixEntry)+8 {
		return 0, ECorrupt
	}

	return binary.BigEndian.Uint64(key[len(KeyPrefixEntry):]), nil
}

// Open loads the hard state and snapshot and locates the bounds of the log.
// The storage driver must already be open.
func (raftStorage *RaftStorage) Open() error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	values, err := raftStorage.storageDriver.Get([][]byte{KeySnapshot, KeyHardState})

	if err != nil {
		return err
	}

	raftStorage.snapshot = raftpb.Snapshot{}
	raftStorage.hardState = raftpb.HardState{}

	if values[0] != nil {
		if err := raftStorage.snapshot.Unmarshal(values[0]); err != nil {
			Log.Criticalf("Unable to decode raft snapshot: %v", err.Error())

			return ECorrupt
		}
	}

	if values[1] != nil {
		if err := raftStorage.hardState.Unmarshal(values[1]); err != nil {
			Log.Criticalf("Unable to decode raft hard state: %v", err.Error())

			return ECorrupt
		}
	}

	iter, err := raftStorage.storageDriver.GetRange(KeyPrefixEntry, KeyPrefixEntryEnd)

	if err != nil {
		return err
	}

	defer iter.Release()

	first := true

	for iter.Next() {
		index, err := entryIndex(iter.Key())

		if err != nil {
			return err
		}

		if first {
			raftStorage.offset = index
			first = false
		}

		raftStorage.lastIndex = index
	}

	if iter.Error() != nil {
		return iter.Error()
	}

	if first {
		// No entries at all. Lay down the placeholder at the snapshot point
		raftStorage.offset = raftStorage.snapshot.Metadata.Index
		raftStorage.lastIndex = raftStorage.snapshot.Metadata.Index

		if err := raftStorage.writePlaceholder(NewBatch(), raftStorage.offset, raftStorage.snapshot.Metadata.Term); err != nil {
			return err
		}
	}

	raftStorage.isEmpty = values[0] == nil && values[1] == nil && raftStorage.lastIndex == 0
	raftStorage.isOpen = true

	return nil
}

func (raftStorage *RaftStorage) writePlaceholder(batch *Batch, index uint64, term uint64) error {
	placeholder := raftpb.Entry{Index: index, Term: term}
	encoded, err := placeholder.Marshal()

	if err != nil {
		return err
	}

	batch.Put(entryKey(index), encoded)

	return raftStorage.storageDriver.Batch(batch)
}

func (raftStorage *RaftStorage) Close() error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	raftStorage.isOpen = false

	return nil
}

func (raftStorage *RaftStorage) IsEmpty() bool {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.isEmpty
}

// START raft.Storage interface methods
func (raftStorage *RaftStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.hardState, raftStorage.snapshot.Metadata.ConfState, nil
}

func (raftStorage *RaftStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	if lo <= raftStorage.offset {
		return nil, raft.ErrCompacted
	}

	if hi > raftStorage.lastIndex+1 {
		return nil, raft.ErrUnavailable
	}

	if lo >= hi {
		return []raftpb.Entry{}, nil
	}

	iter, err := raftStorage.storageDriver.GetRange(entryKey(lo), entryKey(hi))

	if err != nil {
		return nil, err
	}

	defer iter.Release()

	entries := make([]raftpb.Entry, 0, hi-lo)
	var size uint64

	for iter.Next() {
		var entry raftpb.Entry

		if err := entry.Unmarshal(iter.Value()); err != nil {
			Log.Criticalf("Unable to decode raft log entry: %v", err.Error())

			return nil, ECorrupt
		}

		size += uint64(entry.Size())

		// always return at least one entry even if it exceeds maxSize
		if len(entries) > 0 && size > maxSize {
			break
		}

		entries = append(entries, entry)
	}

	if iter.Error() != nil {
		return nil, iter.Error()
	}

	return entries, nil
}

func (raftStorage *RaftStorage) Term(i uint64) (uint64, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.term(i)
}

func (raftStorage *RaftStorage) term(i uint64) (uint64, error) {
	if i < raftStorage.offset {
		return 0, raft.ErrCompacted
	}

	if i > raftStorage.lastIndex {
		return 0, raft.ErrUnavailable
	}

	values, err := raftStorage.storageDriver.Get([][]byte{entryKey(i)})

	if err != nil {
		return 0, err
	}

	if values[0] == nil {
		Log.Criticalf("Raft log entry %d is missing", i)

		return 0, ECorrupt
	}

	var entry raftpb.Entry

	if err := entry.Unmarshal(values[0]); err != nil {
		return 0, ECorrupt
	}

	return entry.Term, nil
}

func (raftStorage *RaftStorage) LastIndex() (uint64, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.lastIndex, nil
}

func (raftStorage *RaftStorage) FirstIndex() (uint64, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.offset + 1, nil
}

func (raftStorage *RaftStorage) Snapshot() (raftpb.Snapshot, error) {
	raftStorage.lock.RLock()
	defer raftStorage.lock.RUnlock()

	return raftStorage.snapshot, nil
}

// END raft.Storage interface methods

func (raftStorage *RaftStorage) SetHardState(st raftpb.HardState) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	batch := NewBatch()

	if err := raftStorage.stageHardState(batch, st); err != nil {
		return err
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	raftStorage.hardState = st
	raftStorage.isEmpty = false

	return nil
}

func (raftStorage *RaftStorage) stageHardState(batch *Batch, st raftpb.HardState) error {
	encoded, err := st.Marshal()

	if err != nil {
		return err
	}

	batch.Put(KeyHardState, encoded)

	return nil
}

// Append writes entries to the log. An entry at an index that is already
// present replaces it and every entry after it is discarded.
func (raftStorage *RaftStorage) Append(entries []raftpb.Entry) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	batch := NewBatch()
	lastIndex, err := raftStorage.stageAppend(batch, entries)

	if err != nil {
		return err
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	raftStorage.lastIndex = lastIndex

	if len(entries) > 0 {
		raftStorage.isEmpty = false
	}

	return nil
}

func (raftStorage *RaftStorage) stageAppend(batch *Batch, entries []raftpb.Entry) (uint64, error) {
	if len(entries) == 0 {
		return raftStorage.lastIndex, nil
	}

	first := raftStorage.offset + 1
	last := entries[0].Index + uint64(len(entries)) - 1

	// everything being appended is already compacted
	if last < first {
		return raftStorage.lastIndex, nil
	}

	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	if entries[0].Index > raftStorage.lastIndex+1 {
		Log.Errorf("Append of entry %d to a log ending at %d would leave a gap", entries[0].Index, raftStorage.lastIndex)

		return 0, EIndexGap
	}

	// truncate the conflicting suffix
	for i := entries[0].Index; i <= raftStorage.lastIndex; i++ {
		batch.Delete(entryKey(i))
	}

	for _, entry := range entries {
		encoded, err := entry.Marshal()

		if err != nil {
			return 0, err
		}

		batch.Put(entryKey(entry.Index), encoded)
	}

	return last, nil
}

// DeleteFrom removes every entry at or after index.
func (raftStorage *RaftStorage) DeleteFrom(index uint64) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	if index <= raftStorage.offset {
		return raft.ErrCompacted
	}

	if index > raftStorage.lastIndex {
		return nil
	}

	batch := NewBatch()

	for i := index; i <= raftStorage.lastIndex; i++ {
		batch.Delete(entryKey(i))
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	raftStorage.lastIndex = index - 1

	return nil
}

// Compact discards every entry before compactIndex, leaving compactIndex as
// the new placeholder.
func (raftStorage *RaftStorage) Compact(compactIndex uint64) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	if compactIndex == raftStorage.offset {
		return nil
	}

	if compactIndex < raftStorage.offset {
		Log.Criticalf("Refusing to compact raft log to %d which is before the previous compaction point %d", compactIndex, raftStorage.offset)

		return ECompactBackward
	}

	if compactIndex > raftStorage.lastIndex {
		return raft.ErrUnavailable
	}

	batch := NewBatch()

	for i := raftStorage.offset; i < compactIndex; i++ {
		batch.Delete(entryKey(i))
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	raftStorage.offset = compactIndex

	return nil
}

// CreateSnapshot records data as the state machine contents at index i. The
// log itself is left alone. Call Compact to discard the covered entries.
func (raftStorage *RaftStorage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	if i <= raftStorage.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}

	term, err := raftStorage.term(i)

	if err != nil {
		return raftpb.Snapshot{}, err
	}

	snapshot := raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index: i,
			Term:  term,
		},
	}

	if cs != nil {
		snapshot.Metadata.ConfState = *cs
	}

	batch := NewBatch()

	if err := raftStorage.stageSnapshot(batch, snapshot); err != nil {
		return raftpb.Snapshot{}, err
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return raftpb.Snapshot{}, err
	}

	raftStorage.snapshot = snapshot

	return snapshot, nil
}

func (raftStorage *RaftStorage) stageSnapshot(batch *Batch, snapshot raftpb.Snapshot) error {
	encoded, err := snapshot.Marshal()

	if err != nil {
		return err
	}

	batch.Put(KeySnapshot, encoded)

	return nil
}

// ApplySnapshot installs a snapshot received from the leader. The whole log is
// replaced by a placeholder at the snapshot index.
func (raftStorage *RaftStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	batch := NewBatch()

	if err := raftStorage.stageApplySnapshot(batch, snap); err != nil {
		return err
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	raftStorage.commitApplySnapshot(snap)

	return nil
}

func (raftStorage *RaftStorage) stageApplySnapshot(batch *Batch, snap raftpb.Snapshot) error {
	if snap.Metadata.Index <= raftStorage.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}

	if err := raftStorage.stageSnapshot(batch, snap); err != nil {
		return err
	}

	for i := raftStorage.offset; i <= raftStorage.lastIndex; i++ {
		batch.Delete(entryKey(i))
	}

	placeholder := raftpb.Entry{Index: snap.Metadata.Index, Term: snap.Metadata.Term}
	encoded, err := placeholder.Marshal()

	if err != nil {
		return err
	}

	batch.Put(entryKey(snap.Metadata.Index), encoded)

	return nil
}

func (raftStorage *RaftStorage) commitApplySnapshot(snap raftpb.Snapshot) {
	raftStorage.snapshot = snap
	raftStorage.offset = snap.Metadata.Index
	raftStorage.lastIndex = snap.Metadata.Index
	raftStorage.isEmpty = false
}

// ApplyAll persists everything a single Ready carries in one batch so that a
// crash leaves either all of it or none of it on disk.
func (raftStorage *RaftStorage) ApplyAll(hs raftpb.HardState, ents []raftpb.Entry, snap raftpb.Snapshot) error {
	raftStorage.lock.Lock()
	defer raftStorage.lock.Unlock()

	batch := NewBatch()
	snapshotApplied := false

	if !raft.IsEmptySnap(snap) {
		if err := raftStorage.stageApplySnapshot(batch, snap); err != nil {
			return err
		}

		snapshotApplied = true
	}

	// Entries are staged against the post-snapshot bounds
	savedOffset, savedLastIndex := raftStorage.offset, raftStorage.lastIndex

	if snapshotApplied {
		raftStorage.offset = snap.Metadata.Index
		raftStorage.lastIndex = snap.Metadata.Index
	}

	lastIndex, err := raftStorage.stageAppend(batch, ents)

	raftStorage.offset, raftStorage.lastIndex = savedOffset, savedLastIndex

	if err != nil {
		return err
	}

	if !raft.IsEmptyHardState(hs) {
		if err := raftStorage.stageHardState(batch, hs); err != nil {
			return err
		}
	}

	if err := raftStorage.storageDriver.Batch(batch); err != nil {
		return err
	}

	if snapshotApplied {
		raftStorage.commitApplySnapshot(snap)
	}

	raftStorage.lastIndex = lastIndex

	if !raft.IsEmptyHardState(hs) {
		raftStorage.hardState = hs
		raftStorage.isEmpty = false
	}

	if len(ents) > 0 {
		raftStorage.isEmpty = false
	}

	return nil
}

func (raftStorage *RaftStorage) SetDecommissioningFlag() error {
	batch := NewBatch()
	batch.Put(KeyDecommission, []byte{1})

	return raftStorage.storageDriver.Batch(batch)
}

func (raftStorage *RaftStorage) IsDecommissioning() (bool, error) {
	values, err := raftStorage.storageDriver.Get([][]byte{KeyDecommission})

	if err != nil {
		return false, err
	}

	return values[0] != nil, nil
}

func (raftStorage *RaftStorage) SetNodeID(id uint64) error {
	encoded := make([]byte, 8)
	binary.BigEndian.PutUint64(encoded, id)

	batch := NewBatch()
	batch.Put(KeyNodeID, encoded)

	return raftStorage.storageDriver.Batch(batch)
}

// NodeID returns 0 if no id has been stored yet.
func (raftStorage *RaftStorage) NodeID() (uint64, error) {
	values, err := raftStorage.storageDriver.Get([][]byte{KeyNodeID})

	if err != nil {
		return 0, err
	}

	if values[0] == nil {
		return 0, nil
	}

	if len(values[0]) != 8 {
		return 0, ECorrupt
	}

	return binary.BigEndian.Uint64(values[0]), nil
}
