package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/recondohq/recondo/internal/audit"
	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, now time.Time) *store.MemoryStore {
	t.Helper()
	return store.NewMemoryStore(
		store.WithNowFunc(func() time.Time { return now }),
	)
}

type recordingEmitter struct {
	entries []audit.Entry
	err     error
}

func (e *recordingEmitter) Emit(_ context.Context, entry audit.Entry) error {
	e.entries = append(e.entries, entry)
	return e.err
}

// flakyStore fails ApplyCorrections for selected record ids so one broken
// record cannot be allowed to poison the rest of the batch.
type flakyStore struct {
	Store
	failIDs map[string]error
}

func (s *flakyStore) ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error {
	if err, ok := s.failIDs[id]; ok {
		return err
	}
	return s.Store.ApplyCorrections(id, expectRaw, corr)
}

type failingLister struct{}

func (failingLister) ListReconcileCandidates(int) ([]delivery.Record, error) {
	return nil, errors.New("store offline")
}

func (failingLister) ApplyCorrections(string, delivery.Status, delivery.Corrections) error {
	return errors.New("store offline")
}

func TestSweeperCorrectsStaleRecords(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	readAt := now.Add(-5 * time.Minute)

	// One of each scenario: read evidence with no delivered_at, delivered
	// evidence only, terminal failure, and no evidence at all.
	seed := []delivery.Record{
		{ID: "msg_read", RawStatus: delivery.StatusSent, SentAt: now.Add(-time.Hour), ReadAt: &readAt},
		{ID: "msg_delivered", RawStatus: delivery.StatusSent, SentAt: now.Add(-time.Hour), DeliveredAt: &deliveredAt},
		{ID: "msg_failed", RawStatus: delivery.StatusFailed, SentAt: now.Add(-time.Hour)},
		{ID: "msg_plain", RawStatus: delivery.StatusSent, SentAt: now.Add(-time.Hour)},
	}
	for _, rec := range seed {
		if _, err := st.CreateRecord(rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	emitter := &recordingEmitter{}
	sweeper := &Sweeper{
		Store:  st,
		Audit:  emitter,
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	}

	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Skipped {
		t.Fatalf("unexpected skip: %s", report.SkipReason)
	}
	if report.Checked != 3 {
		// msg_failed is terminal raw=failed, not a candidate.
		t.Fatalf("checked=%d, want 3", report.Checked)
	}
	if report.Corrected != 2 {
		t.Fatalf("corrected=%d, want 2 (updates=%v)", report.Corrected, report.Updates)
	}
	if len(report.Errors) != 0 {
		t.Fatalf("errors=%v", report.Errors)
	}

	got, err := st.GetRecord("msg_read")
	if err != nil {
		t.Fatalf("get msg_read: %v", err)
	}
	if got.RawStatus != delivery.StatusRead {
		t.Fatalf("msg_read raw=%q, want read", got.RawStatus)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(readAt) {
		t.Fatalf("msg_read delivered_at=%v, want backfilled %v", got.DeliveredAt, readAt)
	}

	got, err = st.GetRecord("msg_delivered")
	if err != nil {
		t.Fatalf("get msg_delivered: %v", err)
	}
	if got.RawStatus != delivery.StatusDelivered {
		t.Fatalf("msg_delivered raw=%q, want delivered", got.RawStatus)
	}

	got, err = st.GetRecord("msg_plain")
	if err != nil {
		t.Fatalf("get msg_plain: %v", err)
	}
	if got.RawStatus != delivery.StatusSent {
		t.Fatalf("msg_plain raw=%q, want sent untouched", got.RawStatus)
	}

	if len(emitter.entries) != 2 {
		t.Fatalf("audit entries=%d, want 2", len(emitter.entries))
	}
	for _, entry := range emitter.entries {
		if entry.SweepID != report.SweepID {
			t.Fatalf("audit entry sweep_id=%q, want %q", entry.SweepID, report.SweepID)
		}
		if !entry.CorrectedAt.Equal(now) {
			t.Fatalf("audit corrected_at=%v, want %v", entry.CorrectedAt, now)
		}
	}
}

func TestSweeperIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	readAt := now.Add(-5 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:        "msg_1",
		RawStatus: delivery.StatusSent,
		SentAt:    now.Add(-time.Hour),
		ReadAt:    &readAt,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := &Sweeper{Store: st, Logger: discardLogger(), Now: func() time.Time { return now }}

	first, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Corrected != 1 {
		t.Fatalf("first corrected=%d, want 1", first.Corrected)
	}

	second, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Corrected != 0 {
		t.Fatalf("second corrected=%d, want 0", second.Corrected)
	}
	if len(second.Errors) != 0 {
		t.Fatalf("second errors=%v", second.Errors)
	}
}

func TestSweeperIsolatesPerRecordFailures(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	for _, id := range []string{"msg_ok_1", "msg_broken", "msg_ok_2"} {
		if _, err := st.CreateRecord(delivery.Record{
			ID:          id,
			RawStatus:   delivery.StatusSent,
			SentAt:      now.Add(-time.Hour),
			DeliveredAt: &deliveredAt,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	sweeper := &Sweeper{
		Store: &flakyStore{
			Store:   st,
			failIDs: map[string]error{"msg_broken": errors.New("row locked")},
		},
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	}

	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Checked != 3 {
		t.Fatalf("checked=%d, want 3", report.Checked)
	}
	if report.Corrected != 2 {
		t.Fatalf("corrected=%d, want 2", report.Corrected)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "msg_broken") {
		t.Fatalf("errors=%v, want one for msg_broken", report.Errors)
	}

	for _, id := range []string{"msg_ok_1", "msg_ok_2"} {
		got, err := st.GetRecord(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.RawStatus != delivery.StatusDelivered {
			t.Fatalf("%s raw=%q, want delivered", id, got.RawStatus)
		}
	}
}

func TestSweeperTreatsConflictAsBenign(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:          "msg_1",
		RawStatus:   delivery.StatusSent,
		SentAt:      now.Add(-time.Hour),
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := &Sweeper{
		Store: &flakyStore{
			Store:   st,
			failIDs: map[string]error{"msg_1": store.ErrConflict},
		},
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	}

	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Corrected != 0 {
		t.Fatalf("corrected=%d, want 0", report.Corrected)
	}
	// A lost race is not an error; the next run converges.
	if len(report.Errors) != 0 {
		t.Fatalf("errors=%v, want none", report.Errors)
	}
}

func TestSweeperSkipsWhenProviderUnreachable(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	readAt := now.Add(-5 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:        "msg_1",
		RawStatus: delivery.StatusSent,
		SentAt:    now.Add(-time.Hour),
		ReadAt:    &readAt,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var observed []Report
	sweeper := &Sweeper{
		Store:             st,
		Logger:            discardLogger(),
		ProviderReachable: func() (bool, bool) { return false, true },
		Observe:           func(r Report) { observed = append(observed, r) },
		Now:               func() time.Time { return now },
	}

	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Skipped || report.SkipReason != "provider_unreachable" {
		t.Fatalf("report=%+v, want skipped provider_unreachable", report)
	}
	if report.Checked != 0 {
		t.Fatalf("checked=%d, want 0", report.Checked)
	}

	// The record stays stale until a later run.
	got, err := st.GetRecord("msg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RawStatus != delivery.StatusSent {
		t.Fatalf("raw=%q, want sent (untouched)", got.RawStatus)
	}

	if len(observed) != 1 || !observed[0].Skipped {
		t.Fatalf("observed=%v, want one skipped report", observed)
	}

	// No probe result yet means the sweep runs normally.
	sweeper.ProviderReachable = func() (bool, bool) { return false, false }
	report, err = sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run without probe result: %v", err)
	}
	if report.Skipped {
		t.Fatalf("skipped without a known probe result")
	}
	if report.Corrected != 1 {
		t.Fatalf("corrected=%d, want 1", report.Corrected)
	}
}

func TestSweeperFetchFailureFailsTheRun(t *testing.T) {
	sweeper := &Sweeper{Store: failingLister{}, Logger: discardLogger()}

	report, err := sweeper.Run(context.Background(), 10)
	if err == nil {
		t.Fatalf("expected error when candidates cannot be fetched")
	}
	if report.Checked != 0 || report.Corrected != 0 {
		t.Fatalf("report=%+v, want empty", report)
	}
}

func TestSweeperAuditFailureDoesNotUndoCorrection(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:          "msg_1",
		RawStatus:   delivery.StatusSent,
		SentAt:      now.Add(-time.Hour),
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	emitter := &recordingEmitter{err: errors.New("broker down")}
	sweeper := &Sweeper{
		Store:  st,
		Audit:  emitter,
		Logger: discardLogger(),
		Now:    func() time.Time { return now },
	}

	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Corrected != 1 {
		t.Fatalf("corrected=%d, want 1", report.Corrected)
	}
	if len(report.Errors) != 1 || !strings.Contains(report.Errors[0], "audit") {
		t.Fatalf("errors=%v, want one audit error", report.Errors)
	}

	got, err := st.GetRecord("msg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RawStatus != delivery.StatusDelivered {
		t.Fatalf("raw=%q, want delivered despite audit failure", got.RawStatus)
	}
}

func TestSweeperHonorsBatchLimit(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	for i, id := range []string{"msg_1", "msg_2", "msg_3", "msg_4", "msg_5"} {
		if _, err := st.CreateRecord(delivery.Record{
			ID:          id,
			RawStatus:   delivery.StatusSent,
			SentAt:      now.Add(-time.Duration(i+1) * time.Minute),
			DeliveredAt: &deliveredAt,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	sweeper := &Sweeper{Store: st, Logger: discardLogger(), Now: func() time.Time { return now }}

	report, err := sweeper.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Checked != 2 || report.Corrected != 2 {
		t.Fatalf("checked=%d corrected=%d, want 2/2", report.Checked, report.Corrected)
	}

	// Remaining records get picked up by subsequent runs.
	report, err = sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Corrected != 3 {
		t.Fatalf("second corrected=%d, want 3", report.Corrected)
	}
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	for _, id := range []string{"msg_1", "msg_2"} {
		if _, err := st.CreateRecord(delivery.Record{
			ID:          id,
			RawStatus:   delivery.StatusSent,
			SentAt:      now.Add(-time.Hour),
			DeliveredAt: &deliveredAt,
		}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sweeper := &Sweeper{Store: st, Logger: discardLogger(), Now: func() time.Time { return now }}
	report, err := sweeper.Run(ctx, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Checked != 0 || report.Corrected != 0 {
		t.Fatalf("report=%+v, want nothing processed after cancel", report)
	}
}

func TestSweeperReportsAnomalies(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := newTestStore(t, now)

	deliveredAt := now.Add(-5 * time.Minute)
	readAt := now.Add(-10 * time.Minute) // read before delivered
	if _, err := st.CreateRecord(delivery.Record{
		ID:          "msg_1",
		RawStatus:   delivery.StatusSent,
		SentAt:      now.Add(-time.Hour),
		DeliveredAt: &deliveredAt,
		ReadAt:      &readAt,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := &Sweeper{Store: st, Logger: discardLogger(), Now: func() time.Time { return now }}
	report, err := sweeper.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Anomalies) != 1 || report.Anomalies[0].Kind != delivery.AnomalyReadBeforeDelivered {
		t.Fatalf("anomalies=%v, want read_before_delivered", report.Anomalies)
	}
	// The anomaly is flagged, not rewritten: timestamps stay as received,
	// only the raw status advances.
	got, err := st.GetRecord("msg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RawStatus != delivery.StatusRead {
		t.Fatalf("raw=%q, want read", got.RawStatus)
	}
	if !got.ReadAt.Equal(readAt) || !got.DeliveredAt.Equal(deliveredAt) {
		t.Fatalf("timestamps rewritten: %+v", got)
	}
}
