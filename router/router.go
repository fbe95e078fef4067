package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/pool"
	"github.com/PelionIoT/chanmesh/protocol"
	"github.com/PelionIoT/chanmesh/raft"
	"github.com/PelionIoT/chanmesh/transport"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
)

const PacketsEndpoint = "/router/packets"

var EUnknownNode = errors.New("The owning node is not a known cluster member")

// ChannelConnectError means the node owning a channel could not be reached.
type ChannelConnectError struct {
	ChannelID string
	NodeID    uint64
	Address   string
	Err       error
}

func (connectError *ChannelConnectError) Error() string {
	return fmt.Sprintf("Unable to reach node %d at %s owning channel %s: %v", connectError.NodeID, connectError.Address, connectError.ChannelID, connectError.Err)
}

// ReplyError means the owning node was reached but refused the packet.
type ReplyError struct {
	ChannelID  string
	NodeID     uint64
	StatusCode int
	Code       int
	Message    string
}

func (replyError *ReplyError) Error() string {
	return fmt.Sprintf("Node %d refused packet for channel %s: (%d) %s", replyError.NodeID, replyError.ChannelID, replyError.StatusCode, replyError.Message)
}

type RouterRequest struct {
	ChannelID string `json:"channel_id"`
	Packet    string `json:"packet"`
}

type RouterResponse struct {
	Packet string `json:"packet"`
}

// Forwarder sends a request to one peer. *transport.PeerClient is one.
type Forwarder interface {
	Post(ctx context.Context, endpoint string, body []byte) ([]byte, error)
}

type OwnershipReader interface {
	Read(channelID string) (cluster.OwnershipRecord, error)
}

type AddressBook interface {
	NodeAddress(nodeID uint64) (raft.PeerAddress, bool)
}

type LocalSession interface {
	Send(channelID string, packet protocol.Packet) error
}

// NewForwarderPool shares connections with an existing peer pool.
func NewForwarderPool(peerPool *pool.Pool[*transport.PeerClient]) *pool.Pool[Forwarder] {
	return pool.New[Forwarder](func(ctx context.Context, address string) (Forwarder, error) {
		peerClient, err := peerPool.Get(ctx, address)

		if err != nil {
			return nil, err
		}

		return peerClient, nil
	})
}

type RouterConfig struct {
	LocalNodeID uint64
	Owners      OwnershipReader
	Nodes       AddressBook
	Session     LocalSession
	Pool        *pool.Pool[Forwarder]
}

type Router struct {
	localNodeID uint64
	owners      OwnershipReader
	nodes       AddressBook
	session     LocalSession
	pool        *pool.Pool[Forwarder]
}

func New(config RouterConfig) *Router {
	return &Router{
		localNodeID: config.LocalNodeID,
		owners:      config.Owners,
		nodes:       config.Nodes,
		session:     config.Session,
		pool:        config.Pool,
	}
}

// Route delivers packet to the channel wherever its session lives and
// returns the packet as delivered. Local channels never touch the network.
// Remote channels cost one hop to the owning node.
func (router *Router) Route(ctx context.Context, channelID string, packet protocol.Packet) (protocol.Packet, error) {
	record, err := router.owners.Read(channelID)

	if err != nil {
		prometheusRecordRoute("lookup", "no_such_channel")

		return nil, err
	}

	if record.Status == cluster.ChannelClosed {
		prometheusRecordRoute("lookup", "no_such_channel")

		return nil, ENoSuchChannel
	}

	if record.NodeID == router.localNodeID {
		if err := router.session.Send(channelID, packet); err != nil {
			prometheusRecordRoute("local", "error")

			return nil, err
		}

		prometheusRecordRoute("local", "ok")

		return packet, nil
	}

	reply, err := router.forward(ctx, record, packet)

	if err != nil {
		prometheusRecordRoute("remote", "error")

		return nil, err
	}

	prometheusRecordRoute("remote", "ok")

	return reply, nil
}

func (router *Router) forward(ctx context.Context, record cluster.OwnershipRecord, packet protocol.Packet) (protocol.Packet, error) {
	peerAddress, ok := router.nodes.NodeAddress(record.NodeID)

	if !ok {
		return nil, &ChannelConnectError{ChannelID: record.ChannelID, NodeID: record.NodeID, Err: EUnknownNode}
	}

	encodedPacket, err := protocol.Write(packet)

	if err != nil {
		return nil, err
	}

	encodedRequest, err := json.Marshal(RouterRequest{ChannelID: record.ChannelID, Packet: encodedPacket})

	if err != nil {
		return nil, err
	}

	forwarder, err := router.pool.Get(ctx, peerAddress.Address())

	if err != nil {
		Log.Warningf("Unable to connect to node %d at %s to deliver a packet for channel %s: %v", record.NodeID, peerAddress.Address(), record.ChannelID, err.Error())

		return nil, &ChannelConnectError{ChannelID: record.ChannelID, NodeID: record.NodeID, Address: peerAddress.Address(), Err: err}
	}

	responseBody, err := forwarder.Post(ctx, PacketsEndpoint, encodedRequest)

	if err != nil {
		remoteError, ok := err.(*transport.RemoteError)

		if !ok {
			return nil, &ChannelConnectError{ChannelID: record.ChannelID, NodeID: record.NodeID, Address: peerAddress.Address(), Err: err}
		}

		if dbError, ok := remoteError.DBError(); ok && dbError.Code() == EUnknownChannel.Code() {
			// the owner no longer holds the session. The caller can re-resolve
			return nil, EUnknownChannel
		}

		return nil, &ReplyError{
			ChannelID:  record.ChannelID,
			NodeID:     record.NodeID,
			StatusCode: remoteError.StatusCode,
			Code:       remoteError.Code,
			Message:    remoteError.Message,
		}
	}

	var response RouterResponse

	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, &ReplyError{ChannelID: record.ChannelID, NodeID: record.NodeID, Code: -1, Message: err.Error()}
	}

	reply, err := protocol.Read(response.Packet)

	if err != nil {
		return nil, &ReplyError{ChannelID: record.ChannelID, NodeID: record.NodeID, Code: EInvalidPacket.Code(), Message: err.Error()}
	}

	return reply, nil
}
