package main

import (
	"fmt"
)

var templateConfig string = `# The db field specifies the directory where node state is stored on disk.
# If it doesn't exist it will be created. A relative path is resolved against
# the directory of this file.
# **REQUIRED**
db: /var/lib/chanmesh

# The host and port other nodes and clients use to reach this node. The
# server listens on this port on all interfaces.
# **REQUIRED**
host: 127.0.0.1
port: 8080

# The address of any existing member of the cluster. Leave seedHost empty on
# the first node to start a new cluster.
#seedHost: 127.0.0.1
#seedPort: 8080

# The number of concurrent connections the server accepts
maxConnections: 1024

# The number of packets that can be queued for a client before new packets
# for it are dropped
channelBufferSize: 64

# The number of times a write follows a leader redirect or waits out an
# election before it fails
writeRetries: 3

# The number of log entries that may accumulate before the log is compacted
logCompactionSize: 1000

# The log level. One of debug, info, notice, warning, error, critical
logLevel: info
`

func init() {
	registerCommand("conf", generateConfig, confUsage)
}

var confUsage string = `Usage: chanmesh conf > path/to/output.yaml
`

func generateConfig() {
	fmt.Print(templateConfig)
}
