package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/everydev1618/fleet/store"
)

// eventsCmd shows recent events or prunes old ones from the database.
func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dbPath := fs.String("db", ".fleet.db", "SQLite database path")
	client := fs.Int64("client", 0, "Only events of this client")
	limit := fs.Int("limit", 20, "Number of events to show")
	prune := fs.Duration("prune", 0, "Delete events older than this age instead of listing")

	fs.Usage = func() {
		fmt.Println(`Usage: fleet events [options]

Show the most recent events, or prune old ones.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  fleet events --client 3
  fleet events --prune 720h`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	st := openStore(*dbPath)
	defer st.Close()
	ctx := context.Background()

	if *prune > 0 {
		n, err := st.PruneEvents(ctx, time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Pruned %s events older than %s.\n", humanize.Comma(n), *prune)
		return
	}

	events, err := st.ListEvents(ctx, *client, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCLIENT\tTYPE\tDATA")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", humanize.Time(e.Timestamp), e.ClientID, e.Type, abbreviate(e.Data, 80))
	}
	tw.Flush()
}

func openStore(path string) *store.SQLiteStore {
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := st.Init(); err != nil {
		st.Close()
		fmt.Fprintf(os.Stderr, "Error initializing database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func abbreviate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
