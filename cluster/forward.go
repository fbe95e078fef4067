package cluster

import (
	"github.com/PelionIoT/chanmesh/raft"
)

// ForwardToLeader is the body of a 421 Misdirected Request reply from a
// node that is not the leader. LeaderID is 0 if it does not know the leader.
type ForwardToLeader struct {
	LeaderID uint64           `json:"leaderID"`
	Address  raft.PeerAddress `json:"address"`
}
