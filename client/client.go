package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/pool"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/transport"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
)

// Number of times a write follows a redirect or waits out an election
// before giving up
const DefaultWriteRetries = 3

const DefaultRetryBackoff = time.Millisecond * 200

type OwnershipReader interface {
	Owner(channelID string) (cluster.OwnershipRecord, bool)
}

// LeaderLocator reports the leader as this node's consensus core sees it.
type LeaderLocator interface {
	Leader() (raft.PeerAddress, bool)
}

type ClientConfig struct {
	LocalNodeID uint64
	// Where writes go until a node tells us who the leader is
	Seed raft.PeerAddress
	// Consulted when the cached leader stops answering. May be nil.
	Locator      LeaderLocator
	Pool         *pool.Pool[*transport.PeerClient]
	Reader       OwnershipReader
	Retries      int
	RetryBackoff time.Duration
}

// Client sends writes to the leader and answers reads from the local state.
// It remembers the last leader it was pointed at.
type Client struct {
	localNodeID  uint64
	seed         raft.PeerAddress
	leader       raft.PeerAddress
	locator      LeaderLocator
	lock         sync.Mutex
	pool         *pool.Pool[*transport.PeerClient]
	reader       OwnershipReader
	retries      int
	retryBackoff time.Duration
}

func NewClient(config ClientConfig) *Client {
	if config.Retries == 0 {
		config.Retries = DefaultWriteRetries
	}

	if config.RetryBackoff == 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	return &Client{
		localNodeID:  config.LocalNodeID,
		seed:         config.Seed,
		leader:       config.Seed,
		locator:      config.Locator,
		pool:         config.Pool,
		reader:       config.Reader,
		retries:      config.Retries,
		retryBackoff: config.RetryBackoff,
	}
}

func (client *Client) Leader() raft.PeerAddress {
	client.lock.Lock()
	defer client.lock.Unlock()

	return client.leader
}

func (client *Client) setLeader(leader raft.PeerAddress) {
	client.lock.Lock()
	defer client.lock.Unlock()

	if client.leader != leader {
		Log.Infof("Node %d now sends writes to node %d at %s", client.localNodeID, leader.NodeID, leader.Address())
	}

	client.leader = leader
}

// relocateLeader replaces an unreachable cached leader with the one the local
// consensus core knows about, or with the seed when it knows of none.
func (client *Client) relocateLeader(unreachable raft.PeerAddress) {
	next := client.seed

	if client.locator != nil {
		if leader, ok := client.locator.Leader(); ok && leader.Address() != unreachable.Address() {
			next = leader
		}
	}

	client.lock.Lock()
	defer client.lock.Unlock()

	// another writer already moved on
	if client.leader != unreachable {
		return
	}

	if client.leader != next {
		Log.Infof("Node %d cannot reach node %d at %s, sending writes to node %d at %s", client.localNodeID, unreachable.NodeID, unreachable.Address(), next.NodeID, next.Address())
	}

	client.leader = next
}

// Write submits commandBody to the cluster and returns the applied response.
//
// Return Values:
//
//	ENoLeader: No leader accepted the write within the retry budget
//	*transport.NetworkError: No leader could be reached within the retry budget
//	DBerror: The state machine refused the command
func (client *Client) Write(ctx context.Context, commandBody interface{}) (cluster.ClusterCommandResponse, error) {
	command, err := cluster.CreateClusterCommand(client.localNodeID, commandBody)

	if err != nil {
		return cluster.ClusterCommandResponse{}, err
	}

	encodedCommand, err := cluster.EncodeClusterCommand(command)

	if err != nil {
		return cluster.ClusterCommandResponse{}, err
	}

	var networkError error

	for attempt := 0; attempt < client.retries; attempt++ {
		leader := client.Leader()
		networkError = nil
		peerClient, err := client.pool.Get(ctx, leader.Address())

		if err == nil {
			var responseBody []byte

			responseBody, err = peerClient.Post(ctx, "/cluster/commands", encodedCommand)

			if err == nil {
				return client.decodeResponse(leader, responseBody)
			}
		}

		if transport.IsNetworkError(err) {
			Log.Warningf("Unable to reach node %d at %s with a write: %v", leader.NodeID, leader.Address(), err.Error())

			networkError = err
			client.relocateLeader(leader)

			if attempt == client.retries-1 {
				break
			}

			if err := client.backoff(ctx, attempt); err != nil {
				return cluster.ClusterCommandResponse{}, err
			}

			continue
		}

		remoteError, ok := err.(*transport.RemoteError)

		if !ok {
			return cluster.ClusterCommandResponse{}, err
		}

		switch remoteError.StatusCode {
		case http.StatusMisdirectedRequest:
			var redirect cluster.ForwardToLeader

			if err := json.Unmarshal(remoteError.Body, &redirect); err != nil || redirect.LeaderID == 0 {
				Log.Debugf("Node at %s does not know the leader", leader.Address())

				if err := client.backoff(ctx, attempt); err != nil {
					return cluster.ClusterCommandResponse{}, err
				}

				continue
			}

			client.setLeader(redirect.Address)
		case http.StatusServiceUnavailable:
			// election in progress
			if err := client.backoff(ctx, attempt); err != nil {
				return cluster.ClusterCommandResponse{}, err
			}
		default:
			if dbError, ok := remoteError.DBError(); ok {
				return cluster.ClusterCommandResponse{}, dbError
			}

			return cluster.ClusterCommandResponse{}, err
		}
	}

	if networkError != nil {
		return cluster.ClusterCommandResponse{}, networkError
	}

	return cluster.ClusterCommandResponse{}, ENoLeader
}

func (client *Client) decodeResponse(leader raft.PeerAddress, responseBody []byte) (cluster.ClusterCommandResponse, error) {
	var response cluster.ClusterCommandResponse

	if err := json.Unmarshal(responseBody, &response); err != nil {
		Log.Warningf("Unable to decode write response from %s: %v", leader.Address(), err.Error())

		return cluster.ClusterCommandResponse{}, err
	}

	return response, response.Err()
}

func (client *Client) backoff(ctx context.Context, attempt int) error {
	select {
	case <-time.After(client.retryBackoff * time.Duration(attempt+1)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read answers from this node's copy of the state. It may lag the leader.
func (client *Client) Read(channelID string) (cluster.OwnershipRecord, error) {
	record, ok := client.reader.Owner(channelID)

	if !ok {
		return cluster.OwnershipRecord{}, ENoSuchChannel
	}

	return record, nil
}

func (client *Client) Connect(ctx context.Context, channelID string) (cluster.OwnershipRecord, error) {
	response, err := client.Write(ctx, cluster.ClusterConnectBody{ChannelID: channelID, NodeID: client.localNodeID})

	if err != nil {
		return cluster.OwnershipRecord{}, err
	}

	return *response.Record, nil
}

func (client *Client) Disconnect(ctx context.Context, channelID string, status cluster.ChannelStatus) error {
	_, err := client.Write(ctx, cluster.ClusterDisconnectBody{ChannelID: channelID, NodeID: client.localNodeID, Status: status})

	return err
}

// NodeShutdown closes every channel owned by nodeID and returns how many were
// closed.
func (client *Client) NodeShutdown(ctx context.Context, nodeID uint64) (int, error) {
	response, err := client.Write(ctx, cluster.ClusterNodeShutdownBody{NodeID: nodeID})

	if err != nil {
		return 0, err
	}

	return response.Affected, nil
}

func (client *Client) PurgeClosed(ctx context.Context) (int, error) {
	response, err := client.Write(ctx, cluster.ClusterPurgeClosedBody{})

	if err != nil {
		return 0, err
	}

	return response.Affected, nil
}

func (client *Client) AddNode(ctx context.Context, nodeConfig cluster.NodeConfig) error {
	_, err := client.Write(ctx, cluster.ClusterAddNodeBody{NodeID: nodeConfig.Address.NodeID, NodeConfig: nodeConfig})

	return err
}

func (client *Client) RemoveNode(ctx context.Context, nodeID uint64) error {
	_, err := client.Write(ctx, cluster.ClusterRemoveNodeBody{NodeID: nodeID})

	return err
}
