package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/probe"
	"github.com/recondohq/recondo/internal/store"
	"github.com/recondohq/recondo/internal/sweep"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, now time.Time) (*Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.WithNowFunc(func() time.Time { return now }))
	srv := NewServer(st)
	srv.Logger = discardLogger()
	return srv, st
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetNotification(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, now)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/notifications", map[string]string{
		"id":        "msg_1",
		"tenant_id": "t1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}

	var created recordJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.RawStatus != "sent" || created.CanonicalStatus != "sent" {
		t.Fatalf("created=%+v, want raw/canonical sent", created)
	}
	if !created.SentAt.Equal(now) {
		t.Fatalf("sent_at=%v, want %v", created.SentAt, now)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/notifications/msg_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/notifications/msg_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status=%d, want 404", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/notifications", map[string]string{"id": "msg_1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status=%d, want 409", rec.Code)
	}
}

func TestGetDerivesCanonicalStatus(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, st := newTestServer(t, now)
	h := srv.Handler()

	readAt := now.Add(-5 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:        "msg_1",
		RawStatus: delivery.StatusSent,
		ReadAt:    &readAt,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/notifications/msg_1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status=%d", rec.Code)
	}
	var got recordJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The read endpoint shows the truth even before a sweep persisted it.
	if got.RawStatus != "sent" || got.CanonicalStatus != "read" {
		t.Fatalf("got raw=%q canonical=%q, want sent/read", got.RawStatus, got.CanonicalStatus)
	}
}

func TestAttachProviderMessageID(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, now)
	h := srv.Handler()

	if rec := doJSON(t, h, http.MethodPost, "/v1/notifications", map[string]string{"id": "msg_1"}); rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/v1/notifications/msg_1/provider", map[string]string{
		"provider_message_id": "wamid.1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("attach status=%d body=%s", rec.Code, rec.Body.String())
	}
	var got recordJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ProviderMessageID != "wamid.1" {
		t.Fatalf("provider_message_id=%q", got.ProviderMessageID)
	}

	// Rebinding to a different value conflicts.
	rec = doJSON(t, h, http.MethodPost, "/v1/notifications/msg_1/provider", map[string]string{
		"provider_message_id": "wamid.other",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("rebind status=%d, want 409", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/notifications/msg_1/provider", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty attach status=%d, want 400", rec.Code)
	}
}

func TestListNotificationsFilters(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, st := newTestServer(t, now)
	h := srv.Handler()

	seed := []delivery.Record{
		{ID: "msg_1", TenantID: "t1", RawStatus: delivery.StatusSent, SentAt: now.Add(-3 * time.Minute)},
		{ID: "msg_2", TenantID: "t1", RawStatus: delivery.StatusFailed, SentAt: now.Add(-2 * time.Minute)},
		{ID: "msg_3", TenantID: "t2", RawStatus: delivery.StatusSent, SentAt: now.Add(-time.Minute)},
	}
	for _, r := range seed {
		if _, err := st.CreateRecord(r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/notifications?tenant_id=t1&status=sent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d", rec.Code)
	}
	var resp struct {
		Items []recordJSON `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "msg_1" {
		t.Fatalf("items=%v, want only msg_1", resp.Items)
	}

	if rec := doJSON(t, h, http.MethodGet, "/v1/notifications?status=teleported", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter=%d, want 400", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/v1/notifications?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit=%d, want 400", rec.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, st := newTestServer(t, now)

	deliveredAt := now.Add(-10 * time.Minute)
	if _, err := st.CreateRecord(delivery.Record{
		ID:          "msg_1",
		RawStatus:   delivery.StatusSent,
		SentAt:      now.Add(-time.Hour),
		DeliveredAt: &deliveredAt,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sweeper := &sweep.Sweeper{Store: st, Logger: discardLogger(), Now: func() time.Time { return now }}
	srv.RunSweep = func(r *http.Request, batchLimit int) (sweep.Report, error) {
		return sweeper.Run(r.Context(), batchLimit)
	}
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/sweep", map[string]int{"batch_limit": 50})
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep status=%d body=%s", rec.Code, rec.Body.String())
	}
	var report sweep.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Corrected != 1 {
		t.Fatalf("corrected=%d, want 1", report.Corrected)
	}

	// Empty body is a default-limit sweep.
	if rec := doJSON(t, h, http.MethodPost, "/v1/sweep", nil); rec.Code != http.StatusOK {
		t.Fatalf("empty sweep status=%d", rec.Code)
	}
}

func TestProviderHealthEndpoint(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, now)

	var last *probe.Result
	srv.ProbeLast = func() (probe.Result, bool) {
		if last == nil {
			return probe.Result{}, false
		}
		return *last, true
	}
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodGet, "/v1/provider/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status=%d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["known"] != false {
		t.Fatalf("resp=%v, want known=false before first probe", resp)
	}

	last = &probe.Result{Reachable: true, Provider: "whatsapp", StatusCode: 200, CheckedAt: now}
	rec = doJSON(t, h, http.MethodGet, "/v1/provider/health", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["known"] != true {
		t.Fatalf("resp=%v, want known=true", resp)
	}
}

func TestBearerTokenAuthorization(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, _ := newTestServer(t, now)
	srv.Authorize = BearerTokenAuthorizer([][]byte{[]byte("tok-1"), []byte("tok-2")})
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer tok-bad")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Authorization", "Bearer tok-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token status=%d, want 200", rec.Code)
	}

	// Empty allow-list authorizes everything.
	open := BearerTokenAuthorizer(nil)
	if !open(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("empty token list should authorize")
	}
}

func TestStatsEndpoint(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	srv, st := newTestServer(t, now)
	h := srv.Handler()

	if _, err := st.CreateRecord(delivery.Record{ID: "msg_1", RawStatus: delivery.StatusFailed}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status=%d", rec.Code)
	}
	var resp struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || resp.ByStatus["failed"] != 1 {
		t.Fatalf("resp=%+v", resp)
	}
}
