package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/recondohq/recondo/internal/audit"
	"github.com/recondohq/recondo/internal/config"
	"github.com/recondohq/recondo/internal/sweep"
)

// sweepCmd runs a single reconciliation pass against the configured store
// and prints the report. Useful from cron and for manual backfills.
func sweepCmd(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "recondo.yaml", "")
	batchLimit := fs.Int("batch-limit", 0, "")
	asJSON := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}

	logger, _, err := newLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: open store: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	sweeper := &sweep.Sweeper{
		Store:  st,
		Audit:  audit.NewLogEmitter(logger),
		Logger: logger,
	}

	limit := *batchLimit
	if limit <= 0 {
		limit = cfg.Sweep.BatchLimit
	}

	report, err := sweeper.Run(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(os.Stdout, "sweep %s: checked=%d corrected=%d anomalies=%d errors=%d duration=%s\n",
		report.SweepID, report.Checked, report.Corrected, len(report.Anomalies), len(report.Errors), report.Duration)
	for _, u := range report.Updates {
		fmt.Fprintf(os.Stdout, "  corrected %s: %s -> %s\n", u.RecordID, u.PreviousStatus, u.NewStatus)
	}
	return 0
}
