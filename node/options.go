package node

import (
	"time"
)

type NodeInitializationOptions struct {
	// Address other nodes and clients use to reach this node. Port 0 means
	// the port the server was bound to.
	ClusterHost string
	ClusterPort int
	// Empty when this node starts a new cluster
	SeedNodeHost      string
	SeedNodePort      int
	ChannelBufferSize int
	WriteRetries      int
	LogCompactionSize uint64
	TickInterval      time.Duration
}

func (options NodeInitializationOptions) ShouldStartCluster() bool {
	return len(options.SeedNodeHost) == 0
}

func (options NodeInitializationOptions) ShouldJoinCluster() bool {
	return !options.ShouldStartCluster()
}

func (options NodeInitializationOptions) ClusterAddress() (host string, port int) {
	return options.ClusterHost, options.ClusterPort
}

func (options NodeInitializationOptions) SeedNode() (host string, port int) {
	return options.SeedNodeHost, options.SeedNodePort
}
