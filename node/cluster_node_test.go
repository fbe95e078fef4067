package node_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PelionIoT/chanmesh/cluster"
	. "github.com/PelionIoT/chanmesh/node"
	"github.com/PelionIoT/chanmesh/protocol"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/server"
	"github.com/PelionIoT/chanmesh/storage"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type runningNode struct {
	node        *ClusterNode
	dir         string
	initialized chan int
	result      chan error
}

func startNode(seed *runningNode) *runningNode {
	return startNodeWith(seed, nil)
}

func startNodeWith(seed *runningNode, configure func(node *ClusterNode)) *runningNode {
	dir, err := ioutil.TempDir("", "chanmesh-node")

	Expect(err).Should(BeNil())

	options := NodeInitializationOptions{
		ClusterHost:  "127.0.0.1",
		TickInterval: time.Millisecond * 10,
	}

	if seed != nil {
		options.SeedNodeHost = seed.node.Address().Host
		options.SeedNodePort = seed.node.Address().Port
	}

	running := &runningNode{
		node: New(ClusterNodeConfig{
			StorageDriver: storage.NewLevelDBStorageDriver(dir, nil),
			Server:        server.NewServer(server.ServerConfig{Host: "127.0.0.1"}),
		}),
		dir:         dir,
		initialized: make(chan int, 1),
		result:      make(chan error, 1),
	}

	if configure != nil {
		configure(running.node)
	}

	running.node.OnInitialized(func() {
		running.initialized <- 1
	})

	go func() {
		running.result <- running.node.Start(options)
	}()

	Eventually(running.initialized, time.Second*10).Should(Receive())

	return running
}

func (running *runningNode) stop() error {
	running.node.Stop()

	var err error

	Eventually(running.result, time.Second*15).Should(Receive(&err))
	os.RemoveAll(running.dir)

	return err
}

func signIn(running *runningNode, clientID string) *websocket.Conn {
	url := fmt.Sprintf("ws://%s/channels", running.node.Address().Address())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)

	Expect(err).Should(BeNil())

	encoded, _ := protocol.Write(protocol.SignIn{ClientID: clientID, Username: "user", Password: "pass"})

	Expect(conn.WriteMessage(websocket.TextMessage, []byte(encoded))).Should(Succeed())
	Expect(receivePacket(conn)).Should(Equal(protocol.SignInAck{Code: "0"}))

	return conn
}

func receivePacket(conn *websocket.Conn) protocol.Packet {
	conn.SetReadDeadline(time.Now().Add(time.Second * 5))
	_, frame, err := conn.ReadMessage()

	Expect(err).Should(BeNil())

	packet, err := protocol.Read(string(frame))

	Expect(err).Should(BeNil())

	return packet
}

func ownedChannels(running *runningNode) func() []cluster.OwnershipRecord {
	return func() []cluster.OwnershipRecord {
		return running.node.ClusterConfigController().ClusterController().Owners()
	}
}

var _ = Describe("ClusterNode", func() {
	Context("a node that creates a new cluster", func() {
		var seed *runningNode

		BeforeEach(func() {
			seed = startNode(nil)
		})

		AfterEach(func() {
			if seed != nil {
				seed.stop()
			}
		})

		It("should be the only member and the leader", func() {
			Expect(seed.node.ID()).ShouldNot(Equal(uint64(0)))
			Expect(seed.node.ClusterConfigController().ClusterController().Nodes()).Should(Equal([]cluster.NodeConfig{{Address: seed.node.Address()}}))
			Eventually(seed.node.ClusterConfigController().IsLeader, time.Second*5).Should(BeTrue())
		})

		It("should record ownership of a client channel and echo its heart beats", func() {
			conn := signIn(seed, "client-1")
			defer conn.Close()

			Eventually(ownedChannels(seed), time.Second*5).Should(HaveLen(1))

			record := ownedChannels(seed)()[0]

			Expect(record.NodeID).Should(Equal(seed.node.ID()))
			Expect(record.Status).Should(Equal(cluster.ChannelEstablished))

			encoded, _ := protocol.Write(protocol.HeartBeat{Seq: 3})

			Expect(conn.WriteMessage(websocket.TextMessage, []byte(encoded))).Should(Succeed())
			Expect(receivePacket(conn)).Should(Equal(protocol.HeartBeat{Seq: 3}))
		})

		It("should mark a channel closed when its client goes away", func() {
			conn := signIn(seed, "client-1")

			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()

			Eventually(func() cluster.ChannelStatus {
				owners := ownedChannels(seed)()

				if len(owners) != 1 {
					return cluster.ChannelEstablished
				}

				return owners[0].Status
			}, time.Second*5).Should(Equal(cluster.ChannelClosed))
		})

		It("should return nil from Start after a graceful stop", func() {
			err := seed.stop()
			seed = nil

			Expect(err).Should(BeNil())
		})
	})

	Context("a node whose raft log is kept in memory", func() {
		var raftStore *raft.RaftMemoryStorage
		var seed *runningNode

		BeforeEach(func() {
			raftStore = raft.NewRaftMemoryStorage()
			seed = startNodeWith(nil, func(node *ClusterNode) {
				node.UseRaftStore(raftStore)
			})
		})

		AfterEach(func() {
			seed.stop()
		})

		It("should keep its node id and log in that store", func() {
			nodeID, err := raftStore.NodeID()

			Expect(err).Should(BeNil())
			Expect(nodeID).Should(Equal(seed.node.ID()))

			conn := signIn(seed, "client-1")
			defer conn.Close()

			Eventually(ownedChannels(seed), time.Second*5).Should(HaveLen(1))

			lastIndex, err := raftStore.LastIndex()

			Expect(err).Should(BeNil())
			Expect(lastIndex).Should(BeNumerically(">=", uint64(2)))
		})
	})

	Context("a three node cluster", func() {
		var nodes []*runningNode

		BeforeEach(func() {
			seed := startNode(nil)
			nodes = []*runningNode{seed, startNode(seed), startNode(seed)}
		})

		AfterEach(func() {
			for i := len(nodes) - 1; i >= 0; i-- {
				nodes[i].stop()
			}
		})

		It("should agree on the membership", func() {
			for _, running := range nodes {
				Eventually(running.node.ClusterConfigController().ClusterController().Nodes, time.Second*10).Should(HaveLen(3))
			}
		})

		It("should route a packet for a remote channel to the node that owns it", func() {
			conn := signIn(nodes[1], "client-2")
			defer conn.Close()

			Eventually(ownedChannels(nodes[2]), time.Second*10).Should(HaveLen(1))

			channelID := ownedChannels(nodes[2])()[0].ChannelID
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()

			_, err := nodes[2].node.Router().Route(ctx, channelID, protocol.HeartBeat{Seq: 9})

			Expect(err).Should(BeNil())
			Expect(receivePacket(conn)).Should(Equal(protocol.HeartBeat{Seq: 9}))
		})

		It("should close the channels of a node that stops", func() {
			conn := signIn(nodes[2], "client-3")
			defer conn.Close()

			Eventually(ownedChannels(nodes[0]), time.Second*10).Should(HaveLen(1))

			Expect(nodes[2].stop()).Should(BeNil())
			nodes = nodes[:2]

			Eventually(func() cluster.ChannelStatus {
				return ownedChannels(nodes[0])()[0].Status
			}, time.Second*10).Should(Equal(cluster.ChannelClosed))
		})
	})
})
