package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/node"
	"github.com/PelionIoT/chanmesh/server"
	"github.com/PelionIoT/chanmesh/shared"
	"github.com/PelionIoT/chanmesh/storage"
)

func init() {
	registerCommand("start", startNode, startUsage)
}

var startUsage string = `Usage: chanmesh start -conf=[config file]
`

func startNode() {
	var sc shared.YAMLServerConfig

	if err := sc.LoadFromFile(*optConfigFile); err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config file: %s\n", err.Error())

		os.Exit(1)
	}

	clusterNode := node.New(node.ClusterNodeConfig{
		StorageDriver: storage.NewLevelDBStorageDriver(sc.DBFile, nil),
		Server: server.NewServer(server.ServerConfig{
			Port:           sc.Port,
			MaxConnections: sc.MaxConnections,
		}),
	})

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-signals

		Log.Info("Received shutdown signal. Stopping node...")

		clusterNode.Stop()
	}()

	err := clusterNode.Start(node.NodeInitializationOptions{
		ClusterHost:       sc.Host,
		ClusterPort:       sc.Port,
		SeedNodeHost:      sc.SeedHost,
		SeedNodePort:      sc.SeedPort,
		ChannelBufferSize: sc.ChannelBufferSize,
		WriteRetries:      sc.WriteRetries,
		LogCompactionSize: uint64(sc.LogCompactionSize),
	})

	if err != nil {
		fmt.Fprintf(os.Stderr, "Node stopped: %s\n", err.Error())

		os.Exit(1)
	}
}
