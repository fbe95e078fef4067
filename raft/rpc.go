package raft

import (
	"errors"

	"github.com/coreos/etcd/raft/raftpb"
)

var EWrongRPC = errors.New("The raft message does not belong to this RPC")

// RPCKind is one of the three peer-to-peer calls the consensus core makes.
type RPCKind int

const (
	RPCAppendEntries RPCKind = iota
	RPCInstallSnapshot
	RPCVote
)

func (kind RPCKind) String() string {
	switch kind {
	case RPCAppendEntries:
		return "appendentries"
	case RPCInstallSnapshot:
		return "installsnapshot"
	case RPCVote:
		return "vote"
	}

	return "unknown"
}

func (kind RPCKind) Endpoint() string {
	return "/raft/" + kind.String()
}

// ClassifyMessage picks the RPC that carries msg. Anything that is neither an
// election message nor a snapshot travels as replication traffic.
func ClassifyMessage(msg raftpb.Message) RPCKind {
	switch msg.Type {
	case raftpb.MsgSnap:
		return RPCInstallSnapshot
	case raftpb.MsgVote, raftpb.MsgVoteResp, raftpb.MsgPreVote, raftpb.MsgPreVoteResp:
		return RPCVote
	default:
		return RPCAppendEntries
	}
}

func EncodeRaftRequest(msg raftpb.Message) ([]byte, error) {
	return msg.Marshal()
}

// DecodeRaftRequest decodes a payload received on the endpoint for kind. A
// message that decodes but was sent to the wrong endpoint is rejected.
func DecodeRaftRequest(kind RPCKind, payload []byte) (raftpb.Message, error) {
	var msg raftpb.Message

	if err := msg.Unmarshal(payload); err != nil {
		return raftpb.Message{}, err
	}

	if ClassifyMessage(msg) != kind {
		return raftpb.Message{}, EWrongRPC
	}

	return msg, nil
}
