// Package app wires configuration, storage, the webhook receiver, the
// reconciliation sweep, and the operator API into the recondo binary.
package app

import (
	"fmt"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp()
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "sweep":
		return sweepCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp()
		return 2
	}
}

func printHelp() {
	fmt.Fprintln(os.Stdout, "recondo")
	fmt.Fprintln(os.Stdout, "")
	fmt.Fprintln(os.Stdout, "Usage:")
	fmt.Fprintln(os.Stdout, "  recondo run --config ./recondo.yaml [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(os.Stdout, "  recondo sweep --config ./recondo.yaml [--batch-limit 100] [--json]")
	fmt.Fprintln(os.Stdout, "  recondo config validate --config ./recondo.yaml [--json]")
	fmt.Fprintln(os.Stdout, "  recondo version [--long] [--json]")
}
