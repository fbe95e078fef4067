// Package node wires the components of one cluster member together and runs
// them.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PelionIoT/chanmesh/broker"
	"github.com/PelionIoT/chanmesh/client"
	"github.com/PelionIoT/chanmesh/cluster"
	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/router"
	"github.com/PelionIoT/chanmesh/routes"
	"github.com/PelionIoT/chanmesh/server"
	"github.com/PelionIoT/chanmesh/session"
	"github.com/PelionIoT/chanmesh/storage"
	"github.com/PelionIoT/chanmesh/transport"
	"github.com/PelionIoT/chanmesh/util"
)

const (
	RaftStoreStoragePrefix = iota
)

// Seconds between attempts to join through the seed node
const ClusterJoinRetryTimeout = 5

// How long a stopping node waits for its channels to be marked closed
const ShutdownTimeout = time.Second * 10

var ERemoved = errors.New("The local node was removed from the cluster")

type ClusterNodeConfig struct {
	StorageDriver storage.StorageDriver
	Server        *server.Server
}

type ClusterNode struct {
	storageDriver     storage.StorageDriver
	server            *server.Server
	raftStore         raft.RaftNodeStorage
	raftTransport     *raft.TransportHub
	clusterController *cluster.ClusterController
	configController  *cluster.ConfigController
	client            *client.Client
	router            *router.Router
	session           *session.Session
	broker            *broker.Broker
	nodeID            uint64
	address           raft.PeerAddress
	joinedCluster     chan int
	shutdown          chan int
	isRunning         bool
	stopResult        error
	leftClusterResult chan error
	initializedCB     func()
	lock              sync.Mutex
}

func New(config ClusterNodeConfig) *ClusterNode {
	return &ClusterNode{
		storageDriver: config.StorageDriver,
		server:        config.Server,
		raftStore:     raft.NewRaftStorage(storage.NewPrefixedStorageDriver([]byte{RaftStoreStoragePrefix}, config.StorageDriver)),
		session:       session.NewSession(),
	}
}

func (node *ClusterNode) UseRaftStore(raftStore raft.RaftNodeStorage) {
	node.raftStore = raftStore
}

func (node *ClusterNode) getNodeID() (uint64, error) {
	if err := node.raftStore.Open(); err != nil {
		Log.Criticalf("Local node unable to open raft store: %v", err.Error())

		return 0, err
	}

	nodeID, err := node.raftStore.NodeID()

	if err != nil {
		Log.Criticalf("Local node unable to obtain node ID from raft store: %v", err.Error())

		return 0, err
	}

	if nodeID == 0 {
		nodeID = util.UUID64()

		Log.Infof("Local node initializing with ID %d", nodeID)

		if err := node.raftStore.SetNodeID(nodeID); err != nil {
			Log.Criticalf("Local node unable to store new node ID: %v", err.Error())

			return 0, err
		}
	}

	return nodeID, nil
}

// Start runs the node until Stop is called or it fails. It returns nil after
// a graceful stop or after the node left the cluster on request.
func (node *ClusterNode) Start(options NodeInitializationOptions) error {
	node.lock.Lock()
	node.isRunning = true
	node.stopResult = nil
	node.shutdown = make(chan int)
	node.joinedCluster = make(chan int, 1)
	node.lock.Unlock()

	if err := node.openStorageDriver(); err != nil {
		node.fail(err)

		return err
	}

	defer node.Stop()

	nodeID, err := node.getNodeID()

	if err != nil {
		node.fail(err)

		return err
	}

	node.nodeID = nodeID

	Log.Infof("Local node (id = %d) starting up...", nodeID)

	if err := node.server.Listen(); err != nil {
		node.fail(err)

		return err
	}

	clusterHost, clusterPort := options.ClusterAddress()

	if clusterPort == 0 {
		clusterPort = node.server.Port()
	}

	node.address = raft.PeerAddress{NodeID: nodeID, Host: clusterHost, Port: clusterPort}

	if err := node.initializeComponents(options); err != nil {
		node.fail(err)

		return err
	}

	wasEmpty := node.raftStore.IsEmpty()

	if err := node.configController.Start(); err != nil {
		Log.Criticalf("Local node (id = %d) unable to start consensus: %v", nodeID, err.Error())

		node.fail(err)

		return err
	}

	if err := node.server.Start(); err != nil {
		node.fail(err)

		return err
	}

	decommission, err := node.raftStore.IsDecommissioning()

	if err != nil {
		Log.Criticalf("Local node (id = %d) unable to start up since it could not check the decomissioning flag: %v", nodeID, err.Error())

		node.fail(err)

		return err
	}

	if decommission {
		Log.Infof("Local node (id = %d) will resume decommissioning process", nodeID)

		if err, _ := node.LeaveCluster(); err != nil {
			node.fail(err)

			return err
		}
	} else if err := node.ensureMembership(options, wasEmpty); err == cluster.EStopped {
		return node.result()
	} else if err != nil {
		node.fail(err)

		return err
	}

	node.notifyInitialized()

	<-node.shutdown

	return node.result()
}

func (node *ClusterNode) result() error {
	node.lock.Lock()
	defer node.lock.Unlock()

	return node.stopResult
}

func (node *ClusterNode) ensureMembership(options NodeInitializationOptions, wasEmpty bool) error {
	if currentAddress, ok := node.clusterController.NodeAddress(node.nodeID); ok {
		if currentAddress == node.address {
			return nil
		}

		Log.Infof("Local node (id = %d) moved from %s to %s", node.nodeID, currentAddress.Address(), node.address.Address())

		return node.updateAddress()
	}

	if options.ShouldJoinCluster() {
		seedHost, seedPort := options.SeedNode()

		Log.Infof("Local node (id = %d) joining existing cluster. Seed node at %s:%d", node.nodeID, seedHost, seedPort)

		if err := node.joinCluster(); err != nil {
			Log.Criticalf("Local node (id = %d) unable to join cluster: %v", node.nodeID, err.Error())

			return err
		}

		return nil
	}

	if !wasEmpty {
		Log.Errorf("Local node (id = %d) unable to start because it was removed from the cluster", node.nodeID)

		return ERemoved
	}

	Log.Infof("Local node (id = %d) creating new cluster...", node.nodeID)

	select {
	case <-node.joinedCluster:
		return nil
	case <-node.shutdown:
		return cluster.EStopped
	}
}

func (node *ClusterNode) initializeComponents(options NodeInitializationOptions) error {
	peerPool := transport.NewPeerPool(transport.PeerClientConfig{
		Headers: map[string]string{raft.HeaderSenderAddress: node.address.Address()},
	})

	node.raftTransport = raft.NewTransportHub(node.nodeID, peerPool)
	node.clusterController = cluster.NewClusterController(node.nodeID)

	addSelf, err := cluster.CreateClusterCommand(node.nodeID, cluster.ClusterAddNodeBody{NodeID: node.nodeID, NodeConfig: cluster.NodeConfig{Address: node.address}})

	if err != nil {
		return err
	}

	encodedAddSelf, err := cluster.EncodeClusterCommand(addSelf)

	if err != nil {
		return err
	}

	raftNode := raft.NewRaftNode(&raft.RaftNodeConfig{
		ID:                      node.nodeID,
		CreateClusterIfNotExist: options.ShouldStartCluster(),
		Context:                 encodedAddSelf,
		Storage:                 node.raftStore,
		GetSnapshot:             node.clusterController.Snapshot,
		TickInterval:            options.TickInterval,
		LogCompactionSize:       options.LogCompactionSize,
	})

	node.configController = cluster.NewConfigController(raftNode, node.raftTransport, node.clusterController)
	node.configController.OnLocalUpdates(node.processClusterUpdates)
	node.configController.OnError(func(err error) {
		go node.fail(err)
	})

	seed := node.address

	if options.ShouldJoinCluster() {
		seed = raft.PeerAddress{Host: options.SeedNodeHost, Port: options.SeedNodePort}
	}

	node.client = client.NewClient(client.ClientConfig{
		LocalNodeID: node.nodeID,
		Seed:        seed,
		Locator:     node.configController,
		Pool:        peerPool,
		Reader:      node.clusterController,
		Retries:     options.WriteRetries,
	})

	node.router = router.New(router.RouterConfig{
		LocalNodeID: node.nodeID,
		Owners:      node.client,
		Nodes:       node.clusterController,
		Session:     node.session,
		Pool:        router.NewForwarderPool(peerPool),
	})

	node.broker = broker.NewBroker(broker.BrokerConfig{
		Session:    node.session,
		Owners:     node.client,
		Router:     node.router,
		OutboxSize: options.ChannelBufferSize,
	})

	r := node.server.Router()
	clusterEndpoint := &routes.ClusterEndpoint{ClusterFacade: &ClusterNodeFacade{node: node}}
	routerEndpoint := &router.RouterEndpoint{Session: node.session}

	node.raftTransport.Attach(r)
	clusterEndpoint.Attach(r)
	routerEndpoint.Attach(r)
	node.broker.Attach(r)

	return nil
}

func (node *ClusterNode) processClusterUpdates(deltas []cluster.ClusterStateDelta) {
	for _, delta := range deltas {
		switch delta.Type {
		case cluster.DeltaNodeAdd:
			if delta.Delta.(cluster.NodeAdd).NodeID != node.nodeID {
				continue
			}

			select {
			case node.joinedCluster <- 1:
			default:
			}
		case cluster.DeltaNodeRemove:
			if delta.Delta.(cluster.NodeRemove).NodeID != node.nodeID {
				continue
			}

			Log.Infof("Local node (id = %d) was removed from the cluster", node.nodeID)

			go node.removed()
		case cluster.DeltaChannelLose:
			node.broker.ChannelLost(delta.Delta.(cluster.ChannelLose).ChannelID)
		}
	}
}

func (node *ClusterNode) notifyInitialized() {
	if node.initializedCB != nil {
		node.initializedCB()
	}
}

// OnInitialized is called once the node is a member of the cluster and
// accepting connections
func (node *ClusterNode) OnInitialized(cb func()) {
	node.initializedCB = cb
}

func (node *ClusterNode) ClusterConfigController() *cluster.ConfigController {
	return node.configController
}

func (node *ClusterNode) Client() *client.Client {
	return node.client
}

func (node *ClusterNode) Session() *session.Session {
	return node.session
}

func (node *ClusterNode) Address() raft.PeerAddress {
	return node.address
}

func (node *ClusterNode) ID() uint64 {
	return node.nodeID
}

func (node *ClusterNode) openStorageDriver() error {
	if err := node.storageDriver.Open(); err != nil {
		if err != ECorrupted {
			Log.Criticalf("Error opening storage driver: %v", err.Error())

			return EStorage
		}

		Log.Error("Database is corrupted. Attempting automatic recovery now...")

		recoverError := node.recover()

		if recoverError != nil {
			Log.Criticalf("Unable to recover corrupted database. Reason: %v", recoverError.Error())
			Log.Critical("Node will now exit")

			return EStorage
		}
	}

	return nil
}

func (node *ClusterNode) recover() error {
	recoverError := node.storageDriver.Recover()

	if recoverError != nil {
		Log.Criticalf("Unable to recover corrupted database. Reason: %v", recoverError.Error())

		return EStorage
	}

	return nil
}

// shutdownContext is cancelled when the node stops
func (node *ClusterNode) shutdownContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-ctx.Done():
		case <-node.shutdown:
			cancel()
		}
	}()

	return ctx, cancel
}

func (node *ClusterNode) joinCluster() error {
	newMemberConfig := cluster.NodeConfig{Address: node.address}

	for {
		ctx, cancel := node.shutdownContext()

		Log.Infof("Local node (id = %d) is trying to join a cluster through %s", node.nodeID, node.client.Leader().Address())

		err := node.client.AddNode(ctx, newMemberConfig)
		cancel()

		if err == nil {
			break
		}

		if err == EDuplicateNodeID {
			Log.Criticalf("Local node (id = %d) request to join the cluster failed because its ID is used by a node at another address", node.nodeID)

			return err
		}

		Log.Errorf("Local node (id = %d) encountered an error while trying to join cluster: %v", node.nodeID, err.Error())
		Log.Infof("Local node (id = %d) will try to join the cluster again in %d seconds", node.nodeID, ClusterJoinRetryTimeout)

		select {
		case <-node.joinedCluster:
			// the add went through even though the reply was lost
			return nil
		case <-node.shutdown:
			return cluster.EStopped
		case <-time.After(time.Second * ClusterJoinRetryTimeout):
		}
	}

	// the leader has applied the add. Wait until this node has too.
	select {
	case <-node.joinedCluster:
		return nil
	case <-node.shutdown:
		return cluster.EStopped
	}
}

func (node *ClusterNode) updateAddress() error {
	ctx, cancel := node.shutdownContext()
	defer cancel()

	_, err := node.client.Write(ctx, cluster.ClusterUpdateNodeBody{NodeID: node.nodeID, NodeConfig: cluster.NodeConfig{Address: node.address}})

	if err != nil {
		Log.Errorf("Local node (id = %d) unable to record its new address: %v", node.nodeID, err.Error())
	}

	return err
}

// LeaveCluster closes every channel owned by this node and removes it from the
// cluster. The process resumes after a restart until it completes. The
// returned channel receives the outcome.
func (node *ClusterNode) LeaveCluster() (error, <-chan error) {
	node.lock.Lock()
	defer node.lock.Unlock()

	// allow at most one decommissioner
	if node.leftClusterResult != nil {
		return nil, node.leftClusterResult
	}

	if err := node.raftStore.SetDecommissioningFlag(); err != nil {
		Log.Criticalf("Local node (id = %d) unable to set the decommissioning flag: %v", node.nodeID, err.Error())

		return err, nil
	}

	node.leftClusterResult = make(chan error, 1)

	go func(result chan error) {
		result <- node.decommission()
	}(node.leftClusterResult)

	return nil, node.leftClusterResult
}

func (node *ClusterNode) IsLeavingCluster() bool {
	node.lock.Lock()
	defer node.lock.Unlock()

	return node.leftClusterResult != nil
}

func (node *ClusterNode) decommission() error {
	ctx, cancel := node.shutdownContext()
	defer cancel()

	Log.Infof("Local node (id = %d) is leaving the cluster", node.nodeID)

	node.closeSessions()

	for {
		closed, err := node.client.NodeShutdown(ctx, node.nodeID)

		if err == nil {
			Log.Infof("Local node (id = %d) closed %d channels before leaving", node.nodeID, closed)

			err = node.client.RemoveNode(ctx, node.nodeID)
		}

		if err == nil {
			return nil
		}

		Log.Warningf("Local node (id = %d) unable to leave the cluster yet: %v", node.nodeID, err.Error())

		select {
		case <-ctx.Done():
			return cluster.EStopped
		case <-time.After(time.Second * ClusterJoinRetryTimeout):
		}
	}
}

func (node *ClusterNode) removed() {
	if node.IsLeavingCluster() {
		node.halt(nil)

		return
	}

	node.fail(ERemoved)
}

func (node *ClusterNode) closeSessions() {
	for _, channelID := range node.session.ChannelIDs() {
		node.session.Close(channelID)
	}
}

// Stop marks the channels owned by this node closed if it can reach the
// leader in time, then shuts the node down.
func (node *ClusterNode) Stop() {
	node.lock.Lock()
	defer node.lock.Unlock()

	if !node.isRunning {
		return
	}

	if node.client != nil && node.clusterController.IsMember(node.nodeID) {
		node.closeSessions()

		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		closed, err := node.client.NodeShutdown(ctx, node.nodeID)
		cancel()

		if err != nil {
			Log.Warningf("Local node (id = %d) unable to close its channels before stopping: %v", node.nodeID, err.Error())
		} else {
			Log.Infof("Local node (id = %d) closed %d channels before stopping", node.nodeID, closed)
		}
	}

	node.stop()
}

func (node *ClusterNode) fail(err error) {
	if err != nil {
		Log.Errorf("Local node (id = %d) stopping: %v", node.nodeID, err.Error())
	}

	node.halt(err)
}

func (node *ClusterNode) halt(err error) {
	node.lock.Lock()
	defer node.lock.Unlock()

	if !node.isRunning {
		return
	}

	node.stopResult = err
	node.stop()
}

func (node *ClusterNode) stop() {
	if !node.isRunning {
		return
	}

	node.isRunning = false
	node.closeSessions()
	node.server.Stop()

	if node.configController != nil {
		node.configController.Stop()
	}

	node.storageDriver.Close()
	close(node.shutdown)
}

func (node *ClusterNode) Router() *router.Router {
	return node.router
}
