// Package main provides the fleet CLI.
package main

import (
	"fmt"
	"os"
)

var (
	version = "dev"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "clients":
		clientsCmd(args)
	case "init":
		initCmd(args)
	case "events":
		eventsCmd(args)
	case "reset":
		resetCmd(args)
	case "version":
		fmt.Printf("fleet %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Fleet - multi-tenant Docker host manager

Usage:
  fleet <command> [options]

Commands:
  serve     Start the REST, SSE and WebSocket API server
  clients   List clients of a running server
  init      Write a starter fleet.yaml
  events    Show or prune the event log
  reset     Delete all stored clients, hosts and events
  version   Print version information
  help      Show this help message

Examples:
  fleet init
  fleet serve --config fleet.yaml
  fleet clients --server http://localhost:3002

Run 'fleet <command> --help' for more information on a command.`)
}
