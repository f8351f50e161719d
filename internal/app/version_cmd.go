package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func versionCmd(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	long := fs.Bool("long", false, "")
	asJSON := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "version: %v\n", err)
		return 2
	}

	payload := versionPayload{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	switch {
	case *asJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			fmt.Fprintf(os.Stderr, "version: %v\n", err)
			return 1
		}
	case *long:
		fmt.Fprintf(os.Stdout, "recondo %s (commit %s, built %s, %s, %s)\n",
			payload.Version, payload.Commit, payload.BuildDate, payload.GoVersion, payload.Platform)
	default:
		fmt.Fprintln(os.Stdout, payload.Version)
	}
	return 0
}
