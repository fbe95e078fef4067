package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
)

type command struct {
	run   func()
	usage string
}

var commands = map[string]command{}

var optConfigFile *string
var optHost *string
var optPort *int
var optNodeID *uint64

func registerCommand(name string, run func(), usage string) {
	commands[name] = command{run: run, usage: usage}
}

func printUsage() {
	names := make([]string, 0, len(commands))

	for name := range commands {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Fprintf(os.Stderr, "Usage: chanmesh <command> [options]\n\nCommands:\n")

	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()

		os.Exit(1)
	}

	cmd, ok := commands[os.Args[1]]

	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()

		os.Exit(1)
	}

	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	optConfigFile = flags.String("conf", "", "Config file to use")
	optHost = flags.String("host", "localhost", "Host of the node to query")
	optPort = flags.Int("port", 8080, "Port of the node to query")
	optNodeID = flags.Uint64("node", 0, "ID of the node to act on. 0 means the queried node")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, cmd.usage)
		flags.PrintDefaults()
	}

	flags.Parse(os.Args[2:])

	cmd.run()
}
