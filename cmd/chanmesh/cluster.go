package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/routes"
	"github.com/PelionIoT/chanmesh/transport"
)

const requestTimeout = time.Second * 15

func init() {
	registerCommand("owners", listOwners, ownersUsage)
	registerCommand("nodes", listNodes, nodesUsage)
	registerCommand("shutdown", shutdownNode, shutdownUsage)
	registerCommand("purge", purgeClosed, purgeUsage)
	registerCommand("remove", removeNode, removeUsage)
}

var ownersUsage string = `Usage: chanmesh owners -host=[host] -port=[port]
Lists the ownership record of every channel known to the node
`

var nodesUsage string = `Usage: chanmesh nodes -host=[host] -port=[port]
Lists the members of the cluster
`

var shutdownUsage string = `Usage: chanmesh shutdown -host=[host] -port=[port] -node=[node id]
Marks every channel owned by a node as closed
`

var purgeUsage string = `Usage: chanmesh purge -host=[host] -port=[port]
Forgets every closed channel
`

var removeUsage string = `Usage: chanmesh remove -host=[host] -port=[port] -node=[node id]
Removes a node from the cluster. A node removing itself closes its channels first
`

func request(method string, endpoint string) []byte {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	address := net.JoinHostPort(*optHost, strconv.Itoa(*optPort))
	peerClient, err := transport.Dial(ctx, address, transport.PeerClientConfig{Timeout: requestTimeout})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to reach node at %s: %s\n", address, err.Error())

		os.Exit(1)
	}

	var body []byte

	switch method {
	case "GET":
		body, err = peerClient.Get(ctx, endpoint)
	case "POST":
		body, err = peerClient.Post(ctx, endpoint, nil)
	case "DELETE":
		body, err = peerClient.Delete(ctx, endpoint)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %s\n", err.Error())

		os.Exit(1)
	}

	return body
}

func decode(body []byte, v interface{}) {
	if err := json.Unmarshal(body, v); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to parse response: %s\n", err.Error())

		os.Exit(1)
	}
}

func listOwners() {
	var owners []cluster.OwnershipRecord

	decode(request("GET", "/cluster/owners"), &owners)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Channel", "Node", "Status"})

	for _, record := range owners {
		table.Append([]string{record.ChannelID, strconv.FormatUint(record.NodeID, 10), record.Status.String()})
	}

	table.Render()
}

func listNodes() {
	var overview routes.ClusterOverview

	decode(request("GET", "/cluster/nodes"), &overview)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Node", "Address", "Role"})

	for _, nodeConfig := range overview.Nodes {
		role := "follower"

		if nodeConfig.Address.NodeID == overview.LeaderID {
			role = "leader"
		}

		if nodeConfig.Address.NodeID == overview.LocalNodeID {
			role += " (queried)"
		}

		table.Append([]string{strconv.FormatUint(nodeConfig.Address.NodeID, 10), nodeConfig.Address.Address(), role})
	}

	table.Render()
}

func shutdownNode() {
	var result routes.AffectedChannels

	decode(request("POST", "/cluster/nodes/"+strconv.FormatUint(*optNodeID, 10)+"/shutdown"), &result)

	fmt.Printf("Closed %d channels\n", result.Affected)
}

func purgeClosed() {
	var result routes.AffectedChannels

	decode(request("DELETE", "/cluster/owners"), &result)

	fmt.Printf("Purged %d channels\n", result.Affected)
}

func removeNode() {
	if *optNodeID == 0 {
		fmt.Fprintf(os.Stderr, "A node ID is required\n")

		os.Exit(1)
	}

	request("DELETE", "/cluster/nodes/"+strconv.FormatUint(*optNodeID, 10))

	fmt.Printf("Removed node %d\n", *optNodeID)
}
