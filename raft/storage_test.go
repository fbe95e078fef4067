package raft_test

import (
	"os"

	"github.com/coreos/etcd/raft"
	"github.com/coreos/etcd/raft/raftpb"

	. "github.com/PelionIoT/chanmesh/raft"
	. "github.com/PelionIoT/chanmesh/storage"
	. "github.com/PelionIoT/chanmesh/util"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func entries(term uint64, indices ...uint64) []raftpb.Entry {
	result := make([]raftpb.Entry, 0, len(indices))

	for _, index := range indices {
		result = append(result, raftpb.Entry{Term: term, Index: index, Data: []byte{byte(index), byte(term)}})
	}

	return result
}

var _ = Describe("RaftStorage", func() {
	var file string
	var driver *LevelDBStorageDriver
	var raftStore *RaftStorage

	BeforeEach(func() {
		file = "/tmp/testraftstore-" + RandomString()
		driver = NewLevelDBStorageDriver(file, nil)

		Expect(driver.Open()).Should(BeNil())

		raftStore = NewRaftStorage(NewPrefixedStorageDriver([]byte{0}, driver))

		Expect(raftStore.Open()).Should(BeNil())
	})

	AfterEach(func() {
		raftStore.Close()
		driver.Close()
		os.RemoveAll(file)
	})

	It("should start out empty", func() {
		Expect(raftStore.IsEmpty()).Should(BeTrue())

		firstIndex, _ := raftStore.FirstIndex()
		lastIndex, _ := raftStore.LastIndex()

		Expect(firstIndex).Should(Equal(uint64(1)))
		Expect(lastIndex).Should(Equal(uint64(0)))
	})

	It("should return appended entries", func() {
		Expect(raftStore.Append(entries(1, 1, 2, 3))).Should(BeNil())

		ents, err := raftStore.Entries(1, 4, 1<<20)

		Expect(err).Should(BeNil())
		Expect(ents).Should(Equal(entries(1, 1, 2, 3)))
		Expect(raftStore.IsEmpty()).Should(BeFalse())

		term, err := raftStore.Term(2)

		Expect(err).Should(BeNil())
		Expect(term).Should(Equal(uint64(1)))
	})

	It("should overwrite a conflicting entry and drop every entry after it", func() {
		Expect(raftStore.Append(entries(1, 1, 2, 3, 4))).Should(BeNil())
		Expect(raftStore.Append(entries(2, 2))).Should(BeNil())

		lastIndex, _ := raftStore.LastIndex()

		Expect(lastIndex).Should(Equal(uint64(2)))

		ents, err := raftStore.Entries(1, 3, 1<<20)

		Expect(err).Should(BeNil())
		Expect(ents).Should(Equal(append(entries(1, 1), entries(2, 2)...)))

		_, err = raftStore.Entries(1, 4, 1<<20)

		Expect(err).Should(Equal(raft.ErrUnavailable))
	})

	It("should treat re-appending the same entries as a no-op", func() {
		Expect(raftStore.Append(entries(1, 1, 2, 3))).Should(BeNil())
		Expect(raftStore.Append(entries(1, 1, 2, 3))).Should(BeNil())

		ents, _ := raftStore.Entries(1, 4, 1<<20)

		Expect(ents).Should(Equal(entries(1, 1, 2, 3)))
	})

	It("should refuse to append past the end of the log", func() {
		Expect(raftStore.Append(entries(1, 1, 2))).Should(BeNil())
		Expect(raftStore.Append(entries(1, 4))).Should(Equal(EIndexGap))
	})

	It("should always return at least one entry regardless of maxSize", func() {
		Expect(raftStore.Append(entries(1, 1, 2, 3))).Should(BeNil())

		ents, err := raftStore.Entries(1, 4, 0)

		Expect(err).Should(BeNil())
		Expect(len(ents)).Should(Equal(1))
	})

	It("should delete every entry from an index on", func() {
		Expect(raftStore.Append(entries(1, 1, 2, 3, 4))).Should(BeNil())
		Expect(raftStore.DeleteFrom(3)).Should(BeNil())

		lastIndex, _ := raftStore.LastIndex()

		Expect(lastIndex).Should(Equal(uint64(2)))
	})

	Describe("Compact", func() {
		BeforeEach(func() {
			Expect(raftStore.Append(entries(1, 1, 2, 3, 4, 5))).Should(BeNil())
		})

		It("should purge entries before the compaction point", func() {
			Expect(raftStore.Compact(3)).Should(BeNil())

			firstIndex, _ := raftStore.FirstIndex()

			Expect(firstIndex).Should(Equal(uint64(4)))

			_, err := raftStore.Entries(2, 4, 1<<20)

			Expect(err).Should(Equal(raft.ErrCompacted))

			term, err := raftStore.Term(3)

			Expect(err).Should(BeNil())
			Expect(term).Should(Equal(uint64(1)))
		})

		It("should treat compacting to the same point twice as a no-op", func() {
			Expect(raftStore.Compact(3)).Should(BeNil())
			Expect(raftStore.Compact(3)).Should(BeNil())
		})

		It("should refuse to move the compaction point backwards", func() {
			Expect(raftStore.Compact(3)).Should(BeNil())
			Expect(raftStore.Compact(2)).Should(Equal(ECompactBackward))
		})
	})

	Describe("Snapshots", func() {
		It("should create a snapshot at a committed index", func() {
			Expect(raftStore.Append(entries(2, 1, 2, 3))).Should(BeNil())

			cs := raftpb.ConfState{Nodes: []uint64{1, 2}}
			snap, err := raftStore.CreateSnapshot(2, &cs, []byte("state"))

			Expect(err).Should(BeNil())
			Expect(snap.Metadata.Index).Should(Equal(uint64(2)))
			Expect(snap.Metadata.Term).Should(Equal(uint64(2)))

			_, err = raftStore.CreateSnapshot(2, &cs, []byte("state"))

			Expect(err).Should(Equal(raft.ErrSnapOutOfDate))

			_, confState, _ := raftStore.InitialState()

			Expect(confState.Nodes).Should(Equal([]uint64{1, 2}))
		})

		It("should replace the log when a snapshot is installed", func() {
			Expect(raftStore.Append(entries(1, 1, 2, 3))).Should(BeNil())

			snap := raftpb.Snapshot{
				Data:     []byte("state"),
				Metadata: raftpb.SnapshotMetadata{Index: 10, Term: 3, ConfState: raftpb.ConfState{Nodes: []uint64{1}}},
			}

			Expect(raftStore.ApplySnapshot(snap)).Should(BeNil())

			firstIndex, _ := raftStore.FirstIndex()
			lastIndex, _ := raftStore.LastIndex()
			term, _ := raftStore.Term(10)

			Expect(firstIndex).Should(Equal(uint64(11)))
			Expect(lastIndex).Should(Equal(uint64(10)))
			Expect(term).Should(Equal(uint64(3)))

			Expect(raftStore.Append(entries(3, 11))).Should(BeNil())

			ents, err := raftStore.Entries(11, 12, 1<<20)

			Expect(err).Should(BeNil())
			Expect(ents).Should(Equal(entries(3, 11)))
		})
	})

	Describe("ApplyAll", func() {
		It("should persist a snapshot, entries and hard state together", func() {
			snap := raftpb.Snapshot{
				Data:     []byte("state"),
				Metadata: raftpb.SnapshotMetadata{Index: 5, Term: 2},
			}
			hs := raftpb.HardState{Term: 2, Vote: 1, Commit: 6}

			Expect(raftStore.ApplyAll(hs, entries(2, 6, 7), snap)).Should(BeNil())

			// reopen from disk
			reopened := NewRaftStorage(NewPrefixedStorageDriver([]byte{0}, driver))

			Expect(reopened.Open()).Should(BeNil())
			Expect(reopened.IsEmpty()).Should(BeFalse())

			hardState, _, _ := reopened.InitialState()
			firstIndex, _ := reopened.FirstIndex()
			lastIndex, _ := reopened.LastIndex()
			lastSnap, _ := reopened.Snapshot()

			Expect(hardState).Should(Equal(hs))
			Expect(firstIndex).Should(Equal(uint64(6)))
			Expect(lastIndex).Should(Equal(uint64(7)))
			Expect(lastSnap.Data).Should(Equal([]byte("state")))
		})
	})

	Describe("Node identity", func() {
		It("should store the node id and decommissioning flag", func() {
			id, err := raftStore.NodeID()

			Expect(err).Should(BeNil())
			Expect(id).Should(Equal(uint64(0)))

			Expect(raftStore.SetNodeID(42)).Should(BeNil())

			id, _ = raftStore.NodeID()

			Expect(id).Should(Equal(uint64(42)))

			decommissioning, _ := raftStore.IsDecommissioning()

			Expect(decommissioning).Should(BeFalse())
			Expect(raftStore.SetDecommissioningFlag()).Should(BeNil())

			decommissioning, _ = raftStore.IsDecommissioning()

			Expect(decommissioning).Should(BeTrue())
		})
	})
})
