// Package api exposes the operator-facing HTTP surface: registering outbound
// notifications, inspecting delivery records, triggering a reconciliation
// sweep, and reading provider health.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/probe"
	"github.com/recondohq/recondo/internal/store"
	"github.com/recondohq/recondo/internal/sweep"
)

const (
	apiErrUnauthorized     = "unauthorized"
	apiErrInvalidBody      = "invalid_body"
	apiErrInvalidQuery     = "invalid_query"
	apiErrNotFound         = "not_found"
	apiErrConflict         = "conflict"
	apiErrStoreUnavailable = "store_unavailable"
	apiErrSweepFailed      = "sweep_failed"
)

type Server struct {
	Store     store.Store
	Authorize Authorizer
	Logger    *slog.Logger

	// RunSweep triggers one reconciliation pass; wired to the sweeper.
	RunSweep func(r *http.Request, batchLimit int) (sweep.Report, error)

	// ProbeLast returns the most recent provider connectivity result.
	ProbeLast func() (probe.Result, bool)
}

func NewServer(st store.Store) *Server {
	return &Server{Store: st}
}

// Handler returns the routed API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/notifications", s.withAuth(s.handleCreate))
	mux.HandleFunc("GET /v1/notifications", s.withAuth(s.handleList))
	mux.HandleFunc("GET /v1/notifications/{id}", s.withAuth(s.handleGet))
	mux.HandleFunc("POST /v1/notifications/{id}/provider", s.withAuth(s.handleAttachProvider))
	mux.HandleFunc("POST /v1/sweep", s.withAuth(s.handleSweep))
	mux.HandleFunc("GET /v1/provider/health", s.withAuth(s.handleProviderHealth))
	mux.HandleFunc("GET /v1/stats", s.withAuth(s.handleStats))
	return mux
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Authorize != nil && !s.Authorize(r) {
			writeError(w, http.StatusUnauthorized, apiErrUnauthorized, "request is not authorized")
			return
		}
		next(w, r)
	}
}

// recordJSON is the wire form of a delivery record. canonical_status is
// derived on read; raw_status is what the provider last reported.
type recordJSON struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	RawStatus         string     `json:"raw_status"`
	CanonicalStatus   string     `json:"canonical_status"`
	SentAt            time.Time  `json:"sent_at"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Anomalies         []string   `json:"anomalies,omitempty"`
}

func toRecordJSON(rec delivery.Record) recordJSON {
	return recordJSON{
		ID:                rec.ID,
		TenantID:          rec.TenantID,
		ProviderMessageID: rec.ProviderMessageID,
		RawStatus:         string(rec.RawStatus),
		CanonicalStatus:   string(delivery.Canonical(rec)),
		SentAt:            rec.SentAt,
		DeliveredAt:       rec.DeliveredAt,
		ReadAt:            rec.ReadAt,
		UpdatedAt:         rec.UpdatedAt,
		Anomalies:         delivery.Inspect(rec),
	}
}

type createRequest struct {
	ID                string `json:"id"`
	TenantID          string `json:"tenant_id"`
	ProviderMessageID string `json:"provider_message_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiErrInvalidBody, "body must be a JSON object")
		return
	}

	rec, err := s.Store.CreateRecord(delivery.Record{
		ID:                req.ID,
		TenantID:          req.TenantID,
		ProviderMessageID: req.ProviderMessageID,
	})
	switch {
	case errors.Is(err, store.ErrRecordExists):
		writeError(w, http.StatusConflict, apiErrConflict, "notification already exists")
		return
	case errors.Is(err, store.ErrProviderIDTaken):
		writeError(w, http.StatusConflict, apiErrConflict, "provider message id already bound")
		return
	case err != nil:
		s.logError("api_create_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, toRecordJSON(rec))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Store.GetRecord(r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, apiErrNotFound, "notification not found")
		return
	case err != nil:
		s.logError("api_get_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

type attachProviderRequest struct {
	ProviderMessageID string `json:"provider_message_id"`
}

func (s *Server) handleAttachProvider(w http.ResponseWriter, r *http.Request) {
	var req attachProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProviderMessageID == "" {
		writeError(w, http.StatusBadRequest, apiErrInvalidBody, "provider_message_id required")
		return
	}

	id := r.PathValue("id")
	err := s.Store.AttachProviderMessageID(id, req.ProviderMessageID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, apiErrNotFound, "notification not found")
		return
	case errors.Is(err, store.ErrProviderIDTaken):
		writeError(w, http.StatusConflict, apiErrConflict, "provider message id already bound")
		return
	case err != nil:
		s.logError("api_attach_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}

	rec, err := s.Store.GetRecord(id)
	if err != nil {
		s.logError("api_attach_reload_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := store.ListRequest{
		TenantID:  q.Get("tenant_id"),
		RawStatus: delivery.Status(q.Get("status")),
	}
	if req.RawStatus != "" && !delivery.KnownStatus(req.RawStatus) {
		writeError(w, http.StatusBadRequest, apiErrInvalidQuery, "unknown status filter")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, apiErrInvalidQuery, "limit must be a positive integer")
			return
		}
		req.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, apiErrInvalidQuery, "before must be RFC 3339")
			return
		}
		req.Before = t
	}

	resp, err := s.Store.ListRecords(req)
	if err != nil {
		s.logError("api_list_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}

	items := make([]recordJSON, 0, len(resp.Items))
	for _, rec := range resp.Items {
		items = append(items, toRecordJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type sweepRequest struct {
	BatchLimit int `json:"batch_limit"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.RunSweep == nil {
		writeError(w, http.StatusNotFound, apiErrNotFound, "sweep is not enabled")
		return
	}

	var req sweepRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, apiErrInvalidBody, "body must be a JSON object")
			return
		}
	}
	if req.BatchLimit < 0 {
		writeError(w, http.StatusBadRequest, apiErrInvalidBody, "batch_limit must not be negative")
		return
	}

	report, err := s.RunSweep(r, req.BatchLimit)
	if err != nil {
		s.logError("api_sweep_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrSweepFailed, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	if s.ProbeLast == nil {
		writeError(w, http.StatusNotFound, apiErrNotFound, "prober is not enabled")
		return
	}
	res, ok := s.ProbeLast()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"known": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"known": true, "result": res})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.Store.Stats()
	if err != nil {
		s.logError("api_stats_failed", err)
		writeError(w, http.StatusServiceUnavailable, apiErrStoreUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":     stats.Total,
		"by_status": stats.ByStatus,
	})
}

func (s *Server) logError(msg string, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error(msg, slog.Any("err", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
