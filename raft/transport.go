package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/coreos/etcd/raft/raftpb"
	"github.com/gorilla/mux"

	. "github.com/PelionIoT/chanmesh/error"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/pool"
	"github.com/PelionIoT/chanmesh/transport"
)

var EReceiverUnknown = errors.New("The sender does not know the receiver")

// HeaderSenderAddress carries the host:port a node can be reached at. A
// receiver that has never heard of the sender learns its address from it.
const HeaderSenderAddress = "X-Chanmesh-Sender-Address"

type PeerAddress struct {
	NodeID uint64 `json:"nodeID"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

func (peerAddress PeerAddress) Address() string {
	return net.JoinHostPort(peerAddress.Host, strconv.Itoa(peerAddress.Port))
}

func (peerAddress PeerAddress) ToHTTPURL(endpoint string) string {
	return fmt.Sprintf("http://%s%s", peerAddress.Address(), endpoint)
}

func (peerAddress PeerAddress) IsEmpty() bool {
	return peerAddress.Host == "" && peerAddress.Port == 0
}

func ParsePeerAddress(nodeID uint64, address string) (PeerAddress, error) {
	host, portString, err := net.SplitHostPort(address)

	if err != nil {
		return PeerAddress{}, err
	}

	port, err := strconv.Atoi(portString)

	if err != nil {
		return PeerAddress{}, err
	}

	return PeerAddress{NodeID: nodeID, Host: host, Port: port}, nil
}

type TransportHub struct {
	localPeerID uint64
	peers       map[uint64]PeerAddress
	peerPool    *pool.Pool[*transport.PeerClient]
	onReceiveCB func(context.Context, raftpb.Message) error
	lock        sync.Mutex
}

func NewTransportHub(localPeerID uint64, peerPool *pool.Pool[*transport.PeerClient]) *TransportHub {
	return &TransportHub{
		localPeerID: localPeerID,
		peers:       make(map[uint64]PeerAddress),
		peerPool:    peerPool,
	}
}

func (hub *TransportHub) SetLocalPeerID(id uint64) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	hub.localPeerID = id
}

func (hub *TransportHub) AddPeer(peerAddress PeerAddress) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	hub.peers[peerAddress.NodeID] = peerAddress
}

func (hub *TransportHub) RemovePeer(peerAddress PeerAddress) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	delete(hub.peers, peerAddress.NodeID)
}

func (hub *TransportHub) UpdatePeer(peerAddress PeerAddress) {
	hub.AddPeer(peerAddress)
}

func (hub *TransportHub) PeerAddress(nodeID uint64) (PeerAddress, bool) {
	hub.lock.Lock()
	defer hub.lock.Unlock()

	peerAddress, ok := hub.peers[nodeID]

	return peerAddress, ok
}

func (hub *TransportHub) OnReceive(cb func(context.Context, raftpb.Message) error) {
	hub.onReceiveCB = cb
}

// Send delivers msg to its recipient over the RPC its type maps to. The
// returned error is a *transport.NetworkError if the peer could not be reached.
func (hub *TransportHub) Send(ctx context.Context, msg raftpb.Message) error {
	hub.lock.Lock()
	peerAddress, ok := hub.peers[msg.To]
	hub.lock.Unlock()

	if !ok {
		return EReceiverUnknown
	}

	kind := ClassifyMessage(msg)
	encodedMessage, err := EncodeRaftRequest(msg)

	if err != nil {
		return err
	}

	peerClient, err := hub.peerPool.Get(ctx, peerAddress.Address())

	if err != nil {
		prometheusRecordRaftSend(kind, "unreachable")

		return err
	}

	_, err = peerClient.Post(ctx, kind.Endpoint(), encodedMessage)

	if err != nil {
		if remoteError, ok := err.(*transport.RemoteError); ok {
			prometheusRecordRaftSend(kind, "rejected")

			if remoteError.StatusCode == http.StatusForbidden {
				return ESenderUnknown
			}

			return err
		}

		prometheusRecordRaftSend(kind, "unreachable")

		return err
	}

	prometheusRecordRaftSend(kind, "ok")

	return nil
}

func (hub *TransportHub) Attach(router *mux.Router) {
	for _, kind := range []RPCKind{RPCAppendEntries, RPCInstallSnapshot, RPCVote} {
		router.HandleFunc(kind.Endpoint(), hub.receiveHandler(kind)).Methods("POST")
	}
}

func (hub *TransportHub) receiveHandler(kind RPCKind) http.HandlerFunc {
	endpoint := kind.Endpoint()

	return func(w http.ResponseWriter, r *http.Request) {
		raftMessage, err := ioutil.ReadAll(r.Body)

		if err != nil {
			Log.Warningf("POST %s: Unable to read message body", endpoint)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, string(EReadBody.JSON())+"\n")

			return
		}

		msg, err := DecodeRaftRequest(kind, raftMessage)

		if err != nil {
			Log.Warningf("POST %s: Unable to parse message body: %v", endpoint, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, string(ERaftMessage.JSON())+"\n")

			return
		}

		if !hub.knowsSender(msg.From, r.Header.Get(HeaderSenderAddress)) {
			Log.Warningf("POST %s: Sender node (%d) is not known by this node", endpoint, msg.From)

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, string(ESenderUnknown.JSON())+"\n")

			return
		}

		err = hub.onReceiveCB(r.Context(), msg)

		if err != nil {
			Log.Warningf("POST %s: Unable to receive message: %v", endpoint, err.Error())

			w.Header().Set("Content-Type", "application/json; charset=utf8")
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, string(ERaftReceive.JSON())+"\n")

			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "\n")
	}
}

func (hub *TransportHub) knowsSender(nodeID uint64, advertisedAddress string) bool {
	if _, ok := hub.PeerAddress(nodeID); ok {
		return true
	}

	if advertisedAddress == "" {
		return false
	}

	peerAddress, err := ParsePeerAddress(nodeID, advertisedAddress)

	if err != nil {
		Log.Warningf("Node %d advertised an invalid address %s: %v", nodeID, advertisedAddress, err.Error())

		return false
	}

	Log.Infof("Learned address %s for node %d", peerAddress.Address(), nodeID)

	hub.AddPeer(peerAddress)

	return true
}
