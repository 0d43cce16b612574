package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/everydev1618/fleet"
)

// clientsCmd lists the clients of a running server.
func clientsCmd(args []string) {
	fs := flag.NewFlagSet("clients", flag.ExitOnError)
	server := fs.String("server", "http://localhost:3002", "Server base URL")
	stored := fs.Bool("stored", false, "Include stored clients without a worker")
	asJSON := fs.Bool("json", false, "Print raw JSON")

	fs.Usage = func() {
		fmt.Println(`Usage: fleet clients [options]

List the clients of a running fleet server.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	url := strings.TrimRight(*server, "/") + "/api/clients"
	if *stored {
		url += "?stored=true"
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: server returned %s\n", resp.Status)
		os.Exit(1)
	}

	var clients []fleet.ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding response: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(clients)
		return
	}
	printClients(clients)
}

func printClients(clients []fleet.ClientInfo) {
	if len(clients) == 0 {
		fmt.Println("No clients.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tHOSTS\tERRORS\tCREATED")
	for _, c := range clients {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.Name, state(c), len(c.HostIDs),
			humanize.Comma(int64(c.ErrorCount)), humanize.Time(c.CreatedAt))
	}
	tw.Flush()
}

func state(c fleet.ClientInfo) string {
	switch {
	case !c.Active:
		return "stored"
	case !c.Initialized:
		return "starting"
	case c.Busy:
		return "busy"
	}
	return "ready"
}
