package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/recondohq/recondo/internal/api"
	"github.com/recondohq/recondo/internal/audit"
	"github.com/recondohq/recondo/internal/config"
	"github.com/recondohq/recondo/internal/ingest"
	"github.com/recondohq/recondo/internal/probe"
	"github.com/recondohq/recondo/internal/store"
	"github.com/recondohq/recondo/internal/sweep"
)

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "recondo.yaml", "")
	logLevel := fs.String("log-level", "", "")
	dotenvPath := fs.String("dotenv", "", "")
	watch := fs.Bool("watch", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 2
	}

	if *dotenvPath != "" {
		if err := loadDotenv(*dotenvPath); err != nil {
			fmt.Fprintf(os.Stderr, "run: load dotenv: %v\n", err)
			return 1
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}

	level := cfg.Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger, levelVar, err := newLogger(level, cfg.Log.Format, cfg.Log.Sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	if err := runService(cfg, *configPath, *watch, logger, levelVar); err != nil {
		logger.Error("service_failed", slog.Any("err", err))
		return 1
	}
	return 0
}

func runService(cfg config.Config, configPath string, watch bool, logger *slog.Logger, levelVar *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	rm := newRuntimeMetrics()

	if cfg.Observability.Traces.Enabled {
		shutdown, err := initTracing(ctx, cfg.Observability.Traces, func(err error) {
			rm.incTracingExportErrors()
			logger.Warn("tracing_export_error", slog.Any("err", err))
		})
		if err != nil {
			// Tracing is optional; the service runs without it.
			rm.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
		} else {
			rm.setTracingEnabled(true)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	rm.recordStore = st
	logger.Info("store_opened", slog.String("backend", cfg.Store.Backend))

	secretSet, err := cfg.WebhookSecretSet()
	if err != nil {
		return fmt.Errorf("webhook secrets: %w", err)
	}
	var hmacAuth *ingest.HMACAuth
	if len(secretSet.Versions) > 0 {
		hmacAuth = ingest.NewHMACAuth(secretSet.ValuesAt)
		if tol := cfg.Webhook.Tolerance.Std(); tol > 0 {
			hmacAuth.Tolerance = tol
		}
	} else {
		logger.Warn("webhook_auth_disabled")
	}

	tokens, err := cfg.APITokens()
	if err != nil {
		return fmt.Errorf("api tokens: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("api_auth_disabled")
	}

	emitters := audit.MultiEmitter{audit.NewLogEmitter(logger)}
	if cfg.Audit.NATS.Enabled {
		natsCfg := audit.DefaultNATSConfig()
		natsCfg.URL = cfg.Audit.NATS.URL
		if cfg.Audit.NATS.Stream != "" {
			natsCfg.StreamName = cfg.Audit.NATS.Stream
		}
		if cfg.Audit.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.Audit.NATS.SubjectPrefix
		}
		if maxAge := cfg.Audit.NATS.MaxAge.Std(); maxAge > 0 {
			natsCfg.MaxAge = maxAge
		}
		natsEmitter, err := audit.NewNATSEmitter(natsCfg, logger)
		if err != nil {
			return fmt.Errorf("nats audit: %w", err)
		}
		defer natsEmitter.Close()
		emitters = append(emitters, natsEmitter)
		logger.Info("nats_audit_enabled", slog.String("stream", natsCfg.StreamName))
	}

	var prober *probe.Prober
	if cfg.Probe.Enabled {
		prober, err = probe.New(probe.Config{
			URL:      cfg.Probe.URL,
			Provider: cfg.Probe.Provider,
			Interval: cfg.Probe.Interval.Std(),
			Timeout:  cfg.Probe.Timeout.Std(),
		}, logger)
		if err != nil {
			return fmt.Errorf("prober: %w", err)
		}
		if err := prober.Start(ctx); err != nil {
			return fmt.Errorf("start prober: %w", err)
		}
		defer func() { _ = prober.Stop() }()
		rm.probeLast = prober.Last
	}

	sweeper := &sweep.Sweeper{
		Store:   st,
		Audit:   emitters,
		Logger:  logger,
		Observe: rm.observeSweep,
	}
	if prober != nil {
		sweeper.ProviderReachable = prober.Reachable
	}

	scheduler := sweep.NewScheduler(sweeper, sweep.SchedulerConfig{
		Interval:   cfg.Sweep.Interval.Std(),
		BatchLimit: cfg.Sweep.BatchLimit,
	}, clockwork.NewRealClock(), logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start sweep scheduler: %w", err)
	}
	defer func() { _ = scheduler.Stop() }()

	webhookSrv := ingest.NewServer(st)
	webhookSrv.Auth = hmacAuth
	webhookSrv.Logger = logger
	webhookSrv.ObserveResult = rm.observeWebhookResult
	webhookSrv.ObserveReject = rm.observeWebhookReject

	apiSrv := api.NewServer(st)
	apiSrv.Logger = logger
	apiSrv.Authorize = api.BearerTokenAuthorizer(tokens)
	apiSrv.RunSweep = func(r *http.Request, batchLimit int) (sweep.Report, error) {
		return sweeper.Run(r.Context(), batchLimit)
	}
	if prober != nil {
		apiSrv.ProbeLast = prober.Last
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Webhook.Path, webhookSrv)
	mux.Handle("/v1/", apiSrv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
	})
	if cfg.Observability.Metrics.Enabled {
		mux.Handle("/metrics", newMetricsHandler(version, start, rm))
	}

	handler := withAccessLog(logger,
		wrapTracingHandler(cfg.Observability.Traces.Enabled, "recondo", mux))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveOnListener(logger, "main", srv, ln, cancel)
	logger.Info("listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("webhook_path", cfg.Webhook.Path),
		slog.String("version", version))

	reload := func() { applyConfigReload(configPath, logger, levelVar, scheduler) }
	if watch {
		go watchConfig(ctx, configPath, logger, reload)
	}

	// SIGHUP always triggers a reload, watch mode or not.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("sighup_received")
				reload()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_incomplete", slog.Any("err", err))
	}
	return nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// applyConfigReload re-reads the config and applies the settings that can
// change at runtime: sweep interval, sweep batch limit, and log level.
// Everything else requires a restart.
func applyConfigReload(path string, logger *slog.Logger, levelVar *slog.LevelVar, scheduler *sweep.Scheduler) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err))
		return
	}

	scheduler.SetInterval(cfg.Sweep.Interval.Std())
	scheduler.SetBatchLimit(cfg.Sweep.BatchLimit)

	if lvl, err := parseLogLevel(cfg.Log.Level); err == nil && levelVar != nil {
		levelVar.Set(lvl)
	}

	logger.Info("config_reloaded",
		slog.Duration("sweep_interval", cfg.Sweep.Interval.Std()),
		slog.Int("sweep_batch_limit", cfg.Sweep.BatchLimit),
		slog.String("log_level", cfg.Log.Level))
}

func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	if logger == nil {
		logger = slog.Default()
	}
	if reload == nil {
		return
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}

	logger.Info("watching_config", slog.String("path", path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}
