// Command escrowsim replays YAML escrow scenarios against an in-memory
// registry and arbitrator and reports whether each one held.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"arbescrow/observability/logging"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("escrowsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	printEvents := fs.Bool("events", false, "print emitted events as JSON lines")
	verbose := fs.Bool("v", false, "log escrow and arbitrator activity to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: escrowsim [-events] [-v] scenario.yaml...")
		return 2
	}

	var logger *slog.Logger
	if *verbose {
		logger = slog.New(logging.NewHandler(stderr, slog.LevelDebug))
	}

	failed := 0
	for _, path := range fs.Args() {
		sc, err := LoadScenario(path)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		result, err := Run(sc, logger)
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		if *printEvents {
			enc := json.NewEncoder(stdout)
			for _, rec := range result.Events {
				if err := enc.Encode(rec); err != nil {
					fmt.Fprintf(stderr, "encode event: %v\n", err)
					return 1
				}
			}
		}
		if result.Passed() {
			fmt.Fprintf(stdout, "PASS %s\n", result.Name)
			continue
		}
		failed++
		fmt.Fprintf(stdout, "FAIL %s\n", result.Name)
		for _, failure := range result.Failures {
			fmt.Fprintf(stdout, "  %s\n", failure)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}
