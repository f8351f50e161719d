// Package sweep runs the scheduled reconciliation pass that re-derives each
// delivery record's canonical state from its raw evidence and persists the
// minimal correction, leaving an audit entry for every change.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/recondohq/recondo/internal/audit"
	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/store"
)

const DefaultBatchLimit = 100

// Store is what the sweeper needs from the delivery record store.
type Store interface {
	ListReconcileCandidates(limit int) ([]delivery.Record, error)
	ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error
}

// Update is one applied correction, old canonical state to new.
type Update struct {
	RecordID       string          `json:"record_id"`
	PreviousStatus delivery.Status `json:"previous_status"`
	NewStatus      delivery.Status `json:"new_status"`
}

// Anomaly is a data inconsistency the sweep observed but did not touch.
type Anomaly struct {
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
}

// Report summarizes one sweep invocation.
type Report struct {
	SweepID    string        `json:"sweep_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Checked    int           `json:"checked"`
	Corrected  int           `json:"corrected"`
	Updates    []Update      `json:"updates,omitempty"`
	Anomalies  []Anomaly     `json:"anomalies,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
}

// Sweeper reconciles batches of delivery records. Safe for concurrent and
// repeated invocation: an already-consistent record normalizes to a no-op,
// so overlapping sweeps converge instead of oscillating.
type Sweeper struct {
	Store  Store
	Audit  audit.Emitter
	Logger *slog.Logger

	// ProviderReachable reports the prober's last known result. known is
	// false when no probe has completed yet, in which case the sweep runs.
	ProviderReachable func() (reachable bool, known bool)

	// Observe is called once per completed (or skipped) run.
	Observe func(Report)

	Now func() time.Time
}

func NewSweeper(st Store) *Sweeper {
	return &Sweeper{Store: st}
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run executes one reconciliation pass over at most batchLimit candidate
// records. A failing single-record update is logged, counted, and skipped;
// only a failure to fetch candidates fails the invocation as a whole.
func (s *Sweeper) Run(ctx context.Context, batchLimit int) (Report, error) {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}

	started := s.now()
	report := Report{
		SweepID:   uuid.NewString(),
		StartedAt: started,
	}
	log := s.logger().With(slog.String("sweep_id", report.SweepID))

	defer func() {
		report.Duration = s.now().Sub(started)
		if s.Observe != nil {
			s.Observe(report)
		}
	}()

	if s.ProviderReachable != nil {
		if reachable, known := s.ProviderReachable(); known && !reachable {
			report.Skipped = true
			report.SkipReason = "provider_unreachable"
			log.Info("sweep_skipped", slog.String("reason", report.SkipReason))
			return report, nil
		}
	}

	candidates, err := s.Store.ListReconcileCandidates(batchLimit)
	if err != nil {
		log.Error("sweep_fetch_failed", slog.Any("err", err))
		return report, fmt.Errorf("fetch reconcile candidates: %w", err)
	}

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			// A cut-short batch leaves corrected records valid and the
			// rest for the next scheduled run.
			log.Warn("sweep_cancelled",
				slog.Int("checked", report.Checked),
				slog.Int("corrected", report.Corrected))
			return report, nil
		}
		report.Checked++

		for _, kind := range delivery.Inspect(rec) {
			report.Anomalies = append(report.Anomalies, Anomaly{RecordID: rec.ID, Kind: kind})
			log.Warn("delivery_anomaly",
				slog.String("record_id", rec.ID),
				slog.String("kind", kind))
		}

		canonical, corr := delivery.Normalize(rec)
		if corr.Empty() {
			continue
		}

		previous := rec.RawStatus
		if previous == "" {
			previous = delivery.StatusSent
		}
		if delivery.Regresses(previous, canonical) {
			// Normalize never produces these; guard stays as a tripwire.
			report.Errors = append(report.Errors,
				fmt.Sprintf("record %s: refusing regression %s -> %s", rec.ID, previous, canonical))
			continue
		}

		if err := s.Store.ApplyCorrections(rec.ID, rec.RawStatus, corr); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Lost a race with the webhook ingestor; next run converges.
				log.Info("sweep_update_conflict", slog.String("record_id", rec.ID))
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("record %s: %v", rec.ID, err))
			log.Error("sweep_update_failed",
				slog.String("record_id", rec.ID),
				slog.Any("err", err))
			continue
		}

		report.Corrected++
		report.Updates = append(report.Updates, Update{
			RecordID:       rec.ID,
			PreviousStatus: previous,
			NewStatus:      canonical,
		})
		log.Info("delivery_status_corrected",
			slog.String("record_id", rec.ID),
			slog.String("previous_status", string(previous)),
			slog.String("new_status", string(canonical)))

		if s.Audit != nil {
			entry := audit.Entry{
				SweepID:        report.SweepID,
				RecordID:       rec.ID,
				PreviousStatus: string(previous),
				NewStatus:      string(canonical),
				CorrectedAt:    s.now(),
			}
			if err := s.Audit.Emit(ctx, entry); err != nil {
				// The correction is already durable; a lost audit entry is
				// reported but does not undo it.
				report.Errors = append(report.Errors, fmt.Sprintf("audit %s: %v", rec.ID, err))
				log.Error("audit_emit_failed",
					slog.String("record_id", rec.ID),
					slog.Any("err", err))
			}
		}
	}

	log.Info("sweep_complete",
		slog.Int("checked", report.Checked),
		slog.Int("corrected", report.Corrected),
		slog.Int("anomalies", len(report.Anomalies)),
		slog.Int("errors", len(report.Errors)),
		slog.Duration("duration", s.now().Sub(started)))

	return report, nil
}
