// Package ingest receives delivery status webhooks from the messaging
// provider and merges them into the record store. The receiver acknowledges
// every well-formed request, matched or not, so the provider stops retrying;
// the reconciliation sweep repairs whatever state the raw events leave stale.
package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/recondohq/recondo/internal/delivery"
	"github.com/recondohq/recondo/internal/store"
)

// statusEvent is the provider's wire format for one status update.
type statusEvent struct {
	MessageID string          `json:"message_id"`
	Status    delivery.Status `json:"status"`
	Timestamp int64           `json:"timestamp"` // unix seconds; 0 means now
}

type Server struct {
	Store  store.Store
	Auth   *HMACAuth
	Logger *slog.Logger

	// ObserveResult is called once per accepted event; matched is false when
	// the provider message id is unknown.
	ObserveResult func(matched bool)
	ObserveReject func(statusCode int, reason string)

	MaxBodyBytes int64
}

func NewServer(st store.Store) *Server {
	return &Server{
		Store:        st,
		MaxBodyBytes: 1 << 20, // 1 MiB
	}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestPath := path.Clean(r.URL.Path)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		s.reject(http.StatusMethodNotAllowed, "method")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			s.reject(http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		s.reject(http.StatusBadRequest, "body_read")
		return
	}

	if s.Auth != nil {
		if err := s.Auth.Verify(r, requestPath, body); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			s.reject(http.StatusUnauthorized, "auth")
			return
		}
	}

	var ev statusEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		s.reject(http.StatusBadRequest, "malformed_json")
		return
	}
	if ev.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "message_id required")
		s.reject(http.StatusBadRequest, "missing_message_id")
		return
	}

	var at time.Time
	if ev.Timestamp > 0 {
		at = time.Unix(ev.Timestamp, 0).UTC()
	}

	rec, err := s.Store.ApplyProviderEvent(store.ProviderEvent{
		ProviderMessageID: ev.MessageID,
		Status:            ev.Status,
		Timestamp:         at,
	})
	switch {
	case errors.Is(err, store.ErrInvalidStatus):
		s.writeError(w, http.StatusBadRequest, "unknown status")
		s.reject(http.StatusBadRequest, "invalid_status")
		return
	case errors.Is(err, store.ErrNotFound):
		// Unknown provider message id. Acknowledge anyway: retrying will not
		// make the record appear, and an unacked webhook gets redelivered
		// forever. Logged for the unmatched-event metric.
		s.logger().Warn("webhook_unmatched",
			slog.String("provider_message_id", ev.MessageID),
			slog.String("status", string(ev.Status)))
		s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "matched": false})
		s.observe(false)
		return
	case err != nil:
		s.logger().Error("webhook_apply_failed",
			slog.String("provider_message_id", ev.MessageID),
			slog.Any("err", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		s.reject(http.StatusServiceUnavailable, "store")
		return
	}

	s.logger().Debug("webhook_applied",
		slog.String("record_id", rec.ID),
		slog.String("raw_status", string(rec.RawStatus)))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "matched": true})
	s.observe(true)
}

func (s *Server) maxBody() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return 1 << 20
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) observe(matched bool) {
	if s.ObserveResult != nil {
		s.ObserveResult(matched)
	}
}

func (s *Server) reject(statusCode int, reason string) {
	if s.ObserveReject != nil {
		s.ObserveReject(statusCode, reason)
	}
}
