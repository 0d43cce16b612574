package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/everydev1618/fleet/store"
)

func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	dbPath := fs.String("db", ".fleet.db", "SQLite database path")
	yes := fs.Bool("yes", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Println(`Usage: fleet reset [options]

Delete every stored client, its hosts and the event log. Run it while the
server is stopped; a running server keeps its workers until restart.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  fleet reset
  fleet reset --yes --db /var/lib/fleet/fleet.db`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dbAbs, _ := filepath.Abs(*dbPath)
	st := openStore(*dbPath)
	defer st.Close()
	ctx := context.Background()

	fmt.Println("The following data will be deleted:")
	fmt.Println()
	total := 0
	for _, table := range store.Tables {
		n, err := st.Count(ctx, table)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  Error counting %s: %v\n", table, err)
			continue
		}
		total += n
		if n > 0 {
			fmt.Printf("  %-10s %s records\n", table, humanize.Comma(int64(n)))
		}
	}
	fmt.Println()
	fmt.Printf("  Database: %s\n", dbAbs)
	fmt.Println()

	if total == 0 {
		fmt.Println("Nothing to reset, already clean.")
		return
	}

	if !*yes && !confirm("Are you sure you want to delete all of the above?") {
		fmt.Println("Aborted.")
		return
	}

	if err := st.Reset(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Reset complete.")
}
