// Package audit emits one structured entry per delivery record correction,
// so every change the reconciliation sweep makes leaves a trail.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry records one canonical-status correction applied by a sweep.
type Entry struct {
	SweepID        string    `json:"sweep_id"`
	RecordID       string    `json:"record_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	CorrectedAt    time.Time `json:"corrected_at"`
}

type Emitter interface {
	Emit(ctx context.Context, entry Entry) error
}

// LogEmitter writes audit entries to the structured log. Always configured;
// the log is the baseline audit trail.
type LogEmitter struct {
	Logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{Logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, entry Entry) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("delivery_status_audit",
		slog.String("sweep_id", entry.SweepID),
		slog.String("record_id", entry.RecordID),
		slog.String("previous_status", entry.PreviousStatus),
		slog.String("new_status", entry.NewStatus),
		slog.Time("corrected_at", entry.CorrectedAt),
	)
	return nil
}

// MultiEmitter fans an entry out to every configured emitter. All emitters
// are attempted; errors are joined.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, entry Entry) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
