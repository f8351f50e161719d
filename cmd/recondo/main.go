// Command recondo runs the notification delivery status reconciliation engine.
//
// recondo receives provider delivery webhooks, stores per-message delivery
// records durably, and periodically reconciles each record's canonical
// lifecycle state against the raw evidence the provider left behind.
//
// Install:
//
//	go install github.com/recondohq/recondo/cmd/recondo@latest
//
// Usage:
//
//	recondo run --config ./recondo.yaml --watch
package main

import (
	"os"

	"github.com/recondohq/recondo/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
