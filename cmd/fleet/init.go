package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/fleet/config"
)

// initCmd writes a starter configuration file.
func initCmd(args []string) {
	fset := flag.NewFlagSet("init", flag.ExitOnError)
	path := fset.String("config", "fleet.yaml", "Configuration file to write")
	force := fset.Bool("force", false, "Overwrite without asking")

	if err := fset.Parse(args); err != nil {
		os.Exit(1)
	}

	if _, err := os.Stat(*path); err == nil && !*force {
		fmt.Printf("\n  Found existing configuration at %s\n", *path)
		if !confirm("  Overwrite?") {
			fmt.Println("\n  Keeping existing configuration.")
			printNextSteps(*path)
			return
		}
		fmt.Println()
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, err := yaml.Marshal(config.Default())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding configuration: %v\n", err)
		os.Exit(1)
	}

	var b strings.Builder
	b.WriteString("# Fleet configuration, managed by 'fleet init'.\n")
	b.WriteString("# ${VAR} references are expanded from the environment.\n")
	b.Write(data)
	if err := os.WriteFile(*path, []byte(b.String()), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *path, err)
		os.Exit(1)
	}

	fmt.Printf("\n  Configuration saved to %s\n", *path)
	printNextSteps(*path)
}

func printNextSteps(path string) {
	fmt.Printf(`
  Next steps:
    fleet serve --config %s   Start the API server
    fleet clients                   List registered clients
`, path)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
		return ans == "y" || ans == "yes"
	}
	return false
}
