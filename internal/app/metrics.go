package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/probe"
	"github.com/recondohq/recondo/internal/store"
	"github.com/recondohq/recondo/internal/sweep"
)

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	sweepRunsTotal       atomic.Int64
	sweepSkippedTotal    atomic.Int64
	sweepCheckedTotal    atomic.Int64
	sweepCorrectedTotal  atomic.Int64
	sweepAnomaliesTotal  atomic.Int64
	sweepErrorsTotal     atomic.Int64
	lastSweepUnixSeconds atomic.Int64

	webhookMatchedTotal   atomic.Int64
	webhookUnmatchedTotal atomic.Int64
	webhookRejectedTotal  atomic.Int64
	webhookRejectMu       sync.Mutex
	webhookRejectByReason map[string]int64

	// probeLast reads the prober's latest result at scrape time.
	probeLast func() (probe.Result, bool)

	// recordStore backs the on-scrape delivery state gauge. Stats are cached
	// briefly so a scrape storm does not hammer the store.
	recordStore store.Store
	statsMu     sync.Mutex
	statsCached store.Stats
	statsAt     time.Time
	statsOK     bool
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		webhookRejectByReason: make(map[string]int64),
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
	} else {
		m.tracingEnabled.Store(0)
	}
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m != nil {
		m.tracingInitFailuresTotal.Add(1)
	}
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m != nil {
		m.tracingExportErrorsTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeSweep(report sweep.Report) {
	if m == nil {
		return
	}
	m.sweepRunsTotal.Add(1)
	if report.Skipped {
		m.sweepSkippedTotal.Add(1)
		return
	}
	m.sweepCheckedTotal.Add(int64(report.Checked))
	m.sweepCorrectedTotal.Add(int64(report.Corrected))
	m.sweepAnomaliesTotal.Add(int64(len(report.Anomalies)))
	m.sweepErrorsTotal.Add(int64(len(report.Errors)))
	m.lastSweepUnixSeconds.Store(report.StartedAt.Unix())
}

func (m *runtimeMetrics) observeWebhookResult(matched bool) {
	if m == nil {
		return
	}
	if matched {
		m.webhookMatchedTotal.Add(1)
	} else {
		m.webhookUnmatchedTotal.Add(1)
	}
}

func (m *runtimeMetrics) observeWebhookReject(_ int, reason string) {
	if m == nil {
		return
	}
	m.webhookRejectedTotal.Add(1)
	m.webhookRejectMu.Lock()
	if m.webhookRejectByReason == nil {
		m.webhookRejectByReason = make(map[string]int64)
	}
	m.webhookRejectByReason[reason]++
	m.webhookRejectMu.Unlock()
}

func (m *runtimeMetrics) webhookRejectSnapshot() map[string]int64 {
	if m == nil {
		return nil
	}
	m.webhookRejectMu.Lock()
	defer m.webhookRejectMu.Unlock()
	out := make(map[string]int64, len(m.webhookRejectByReason))
	for reason, n := range m.webhookRejectByReason {
		out[reason] = n
	}
	return out
}

func (m *runtimeMetrics) deliveryStatsSnapshot() (store.Stats, bool) {
	if m == nil || m.recordStore == nil {
		return store.Stats{}, false
	}

	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	if m.statsOK && time.Since(m.statsAt) <= time.Second {
		return m.statsCached, true
	}
	stats, err := m.recordStore.Stats()
	if err != nil {
		if m.statsOK {
			return m.statsCached, true
		}
		return store.Stats{}, false
	}
	m.statsCached = stats
	m.statsAt = time.Now()
	m.statsOK = true
	return stats, true
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		_, _ = fmt.Fprintf(w, "# HELP recondo_up Whether the recondo process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_up gauge\n")
		_, _ = fmt.Fprintf(w, "recondo_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP recondo_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "recondo_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP recondo_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "recondo_start_time_seconds %d\n", start.Unix())

		if rm == nil {
			return
		}

		_, _ = fmt.Fprintf(w, "# HELP recondo_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "recondo_tracing_enabled %d\n", rm.tracingEnabled.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_tracing_init_failures_total %d\n", rm.tracingInitFailuresTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_tracing_export_errors_total Total number of tracing exporter errors.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_tracing_export_errors_total %d\n", rm.tracingExportErrorsTotal.Load())

		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_runs_total Total number of reconciliation sweep invocations.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_runs_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_runs_total %d\n", rm.sweepRunsTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_skipped_total Total number of sweeps skipped because the provider was unreachable.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_skipped_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_skipped_total %d\n", rm.sweepSkippedTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_checked_total Total number of delivery records examined by sweeps.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_checked_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_checked_total %d\n", rm.sweepCheckedTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_corrected_total Total number of delivery records corrected by sweeps.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_corrected_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_corrected_total %d\n", rm.sweepCorrectedTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_anomalies_total Total number of data anomalies flagged by sweeps.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_anomalies_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_anomalies_total %d\n", rm.sweepAnomaliesTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_errors_total Total number of per-record sweep failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_errors_total %d\n", rm.sweepErrorsTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_sweep_last_run_seconds Unix time of the last completed sweep.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_sweep_last_run_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "recondo_sweep_last_run_seconds %d\n", rm.lastSweepUnixSeconds.Load())

		_, _ = fmt.Fprintf(w, "# HELP recondo_webhook_matched_total Total number of webhook events applied to a known record.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_webhook_matched_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_webhook_matched_total %d\n", rm.webhookMatchedTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_webhook_unmatched_total Total number of webhook events for unknown provider message ids.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_webhook_unmatched_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_webhook_unmatched_total %d\n", rm.webhookUnmatchedTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP recondo_webhook_rejected_total Total number of rejected webhook requests, partitioned by reason.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_webhook_rejected_total counter\n")
		rejects := rm.webhookRejectSnapshot()
		reasons := make([]string, 0, len(rejects))
		for reason := range rejects {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			_, _ = fmt.Fprintf(w, "recondo_webhook_rejected_total{reason=%q} %d\n", reason, rejects[reason])
		}
		_, _ = fmt.Fprintf(w, "# HELP recondo_webhook_rejected_all_total Total number of rejected webhook requests.\n")
		_, _ = fmt.Fprintf(w, "# TYPE recondo_webhook_rejected_all_total counter\n")
		_, _ = fmt.Fprintf(w, "recondo_webhook_rejected_all_total %d\n", rm.webhookRejectedTotal.Load())

		if rm.probeLast != nil {
			if res, ok := rm.probeLast(); ok {
				reachable := 0
				if res.Reachable {
					reachable = 1
				}
				_, _ = fmt.Fprintf(w, "# HELP recondo_provider_reachable Whether the last provider probe succeeded.\n")
				_, _ = fmt.Fprintf(w, "# TYPE recondo_provider_reachable gauge\n")
				_, _ = fmt.Fprintf(w, "recondo_provider_reachable{provider=%q} %d\n", res.Provider, reachable)
				_, _ = fmt.Fprintf(w, "# HELP recondo_provider_probe_latency_seconds Latency of the last provider probe.\n")
				_, _ = fmt.Fprintf(w, "# TYPE recondo_provider_probe_latency_seconds gauge\n")
				_, _ = fmt.Fprintf(w, "recondo_provider_probe_latency_seconds{provider=%q} %.6f\n", res.Provider, res.Latency.Seconds())
			}
		}

		if stats, ok := rm.deliveryStatsSnapshot(); ok {
			_, _ = fmt.Fprintf(w, "# HELP recondo_delivery_records Current number of delivery records by canonical status.\n")
			_, _ = fmt.Fprintf(w, "# TYPE recondo_delivery_records gauge\n")
			for _, status := range []delivery.Status{
				delivery.StatusQueued,
				delivery.StatusSent,
				delivery.StatusDelivered,
				delivery.StatusRead,
				delivery.StatusFailed,
			} {
				_, _ = fmt.Fprintf(w, "recondo_delivery_records{status=%q} %d\n", status, stats.ByStatus[status])
			}
		}
	})
}
