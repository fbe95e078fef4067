package cluster_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/mux"

	. "github.com/PelionIoT/chanmesh/cluster"
	. "github.com/PelionIoT/chanmesh/error"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/transport"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type testNode struct {
	id      uint64
	address raft.PeerAddress
	server  *httptest.Server
	config  *ConfigController
}

func newTestNode(id uint64, createCluster bool) *testNode {
	router := mux.NewRouter()
	server := httptest.NewServer(router)
	address, err := raft.ParsePeerAddress(id, strings.TrimPrefix(server.URL, "http://"))

	Expect(err).Should(BeNil())

	peerPool := transport.NewPeerPool(transport.PeerClientConfig{
		Timeout: time.Second,
		Headers: map[string]string{raft.HeaderSenderAddress: address.Address()},
	})

	hub := raft.NewTransportHub(id, peerPool)
	clusterController := NewClusterController(id)
	addSelf, err := CreateClusterCommand(id, ClusterAddNodeBody{NodeID: id, NodeConfig: NodeConfig{Address: address}})

	Expect(err).Should(BeNil())

	encodedAddSelf, _ := EncodeClusterCommand(addSelf)

	raftNode := raft.NewRaftNode(&raft.RaftNodeConfig{
		ID:                      id,
		CreateClusterIfNotExist: createCluster,
		Context:                 encodedAddSelf,
		Storage:                 raft.NewRaftMemoryStorage(),
		GetSnapshot:             clusterController.Snapshot,
		TickInterval:            time.Millisecond * 10,
	})

	hub.Attach(router)

	return &testNode{
		id:      id,
		address: address,
		server:  server,
		config:  NewConfigController(raftNode, hub, clusterController),
	}
}

func (node *testNode) stop() {
	node.config.Stop()
	node.server.Close()
}

func submit(node *testNode, body interface{}) (ClusterCommandResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	return node.config.ClusterCommand(ctx, body)
}

var _ = Describe("ConfigController", func() {
	Context("a single node cluster", func() {
		var node *testNode

		BeforeEach(func() {
			node = newTestNode(1, true)

			Expect(node.config.Start()).Should(BeNil())
			Eventually(node.config.IsLeader, time.Second*5).Should(BeTrue())
		})

		AfterEach(func() {
			node.stop()
		})

		It("should list itself as the only member", func() {
			Eventually(node.config.ClusterController().Nodes).Should(Equal([]NodeConfig{{Address: node.address}}))

			leader, ok := node.config.Leader()

			Expect(ok).Should(BeTrue())
			Expect(leader).Should(Equal(node.address))
		})

		It("should wait for a command to be applied and return its response", func() {
			response, err := submit(node, ClusterConnectBody{ChannelID: "c1", NodeID: 1})

			Expect(err).Should(BeNil())
			Expect(*response.Record).Should(Equal(OwnershipRecord{ChannelID: "c1", NodeID: 1, Status: ChannelEstablished}))

			record, ok := node.config.ClusterController().Owner("c1")

			Expect(ok).Should(BeTrue())
			Expect(record.Status).Should(Equal(ChannelEstablished))
		})

		It("should return the refusal of the state machine as an error", func() {
			_, err := submit(node, ClusterConnectBody{ChannelID: "c1", NodeID: 1})

			Expect(err).Should(BeNil())

			_, err = submit(node, ClusterDisconnectBody{ChannelID: "c1", NodeID: 1, Status: ChannelClosed})

			Expect(err).Should(BeNil())

			_, err = submit(node, ClusterConnectBody{ChannelID: "c1", NodeID: 1})

			Expect(err).Should(Equal(EChannelIDReused))
		})

		It("should refuse to add a node id that is taken by another address", func() {
			other := node.address
			other.Port++

			_, err := submit(node, ClusterAddNodeBody{NodeID: 1, NodeConfig: NodeConfig{Address: other}})

			Expect(err).Should(Equal(EDuplicateNodeID))
		})
	})

	Context("a three node cluster", func() {
		var nodes []*testNode

		BeforeEach(func() {
			nodes = []*testNode{newTestNode(1, true), newTestNode(2, false), newTestNode(3, false)}

			Expect(nodes[0].config.Start()).Should(BeNil())
			Eventually(nodes[0].config.IsLeader, time.Second*5).Should(BeTrue())

			for _, node := range nodes[1:] {
				Expect(node.config.Start()).Should(BeNil())

				_, err := submit(nodes[0], ClusterAddNodeBody{NodeID: node.id, NodeConfig: NodeConfig{Address: node.address}})

				Expect(err).Should(BeNil())
			}
		})

		AfterEach(func() {
			for _, node := range nodes {
				node.stop()
			}
		})

		It("should replicate ownership records to every member", func() {
			_, err := submit(nodes[0], ClusterConnectBody{ChannelID: "c2", NodeID: 2})

			Expect(err).Should(BeNil())

			for _, node := range nodes {
				Eventually(func() OwnershipRecord {
					record, _ := node.config.ClusterController().Owner("c2")

					return record
				}, time.Second*5).Should(Equal(OwnershipRecord{ChannelID: "c2", NodeID: 2, Status: ChannelEstablished}))

				Eventually(func() int {
					return len(node.config.ClusterController().Nodes())
				}, time.Second*5).Should(Equal(3))
			}
		})

		It("should let followers locate the leader", func() {
			for _, node := range nodes[1:] {
				Eventually(func() raft.PeerAddress {
					leader, _ := node.config.Leader()

					return leader
				}, time.Second*5).Should(Equal(nodes[0].address))
			}
		})
	})
})
