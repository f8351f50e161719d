package app

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/recondohq/recondo/internal/config"
)

func configCmd(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "config: expected subcommand (validate)")
		return 2
	}
	switch args[0] {
	case "validate":
		return configValidateCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "config: unknown subcommand %q\n", args[0])
		return 2
	}
}

func configValidateCmd(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "recondo.yaml", "")
	asJSON := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "config validate: %v\n", err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *asJSON {
			_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
				"valid": false,
				"error": err.Error(),
			})
		} else {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		}
		return 1
	}

	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"valid":           true,
			"listen":          cfg.Listen,
			"store_backend":   cfg.Store.Backend,
			"sweep_interval":  cfg.Sweep.Interval.Std().String(),
			"sweep_batch":     cfg.Sweep.BatchLimit,
			"probe_enabled":   cfg.Probe.Enabled,
			"webhook_path":    cfg.Webhook.Path,
			"webhook_secrets": len(cfg.Webhook.Secrets),
			"nats_audit":      cfg.Audit.NATS.Enabled,
			"traces_enabled":  cfg.Observability.Traces.Enabled,
			"metrics_enabled": cfg.Observability.Metrics.Enabled,
		})
		return 0
	}

	fmt.Fprintf(os.Stdout, "valid: %s\n", *configPath)
	fmt.Fprintf(os.Stdout, "  listen: %s\n", cfg.Listen)
	fmt.Fprintf(os.Stdout, "  store: %s\n", cfg.Store.Backend)
	fmt.Fprintf(os.Stdout, "  sweep: every %s, batch %d\n", cfg.Sweep.Interval.Std(), cfg.Sweep.BatchLimit)
	fmt.Fprintf(os.Stdout, "  webhook: %s (%d secrets)\n", cfg.Webhook.Path, len(cfg.Webhook.Secrets))
	return 0
}
