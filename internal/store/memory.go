package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recondohq/recondo/internal/delivery"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore is the in-memory backend, used by tests and by deployments
// that can afford to lose state on restart.
type MemoryStore struct {
	mu         sync.Mutex
	nowFn      func() time.Time
	records    map[string]*delivery.Record
	byProvider map[string]string // provider_message_id -> record id
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:      time.Now,
		records:    make(map[string]*delivery.Record),
		byProvider: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateRecord(rec delivery.Record) (delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := s.records[rec.ID]; exists {
		return delivery.Record{}, ErrRecordExists
	}
	if rec.RawStatus == "" {
		rec.RawStatus = delivery.StatusSent
	}
	if !delivery.KnownStatus(rec.RawStatus) {
		return delivery.Record{}, ErrInvalidStatus
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = now
	}
	rec.SentAt = rec.SentAt.UTC()
	rec.UpdatedAt = now

	pmid := strings.TrimSpace(rec.ProviderMessageID)
	rec.ProviderMessageID = pmid
	if pmid != "" {
		if _, taken := s.byProvider[pmid]; taken {
			return delivery.Record{}, ErrProviderIDTaken
		}
		s.byProvider[pmid] = rec.ID
	}

	cpy := rec
	s.records[rec.ID] = &cpy
	return rec, nil
}

func (s *MemoryStore) GetRecord(id string) (delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return delivery.Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *MemoryStore) GetByProviderMessageID(providerMessageID string) (delivery.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byProvider[strings.TrimSpace(providerMessageID)]
	if !ok {
		return delivery.Record{}, ErrNotFound
	}
	return *s.records[id], nil
}

func (s *MemoryStore) AttachProviderMessageID(id, providerMessageID string) error {
	pmid := strings.TrimSpace(providerMessageID)
	if pmid == "" {
		return errors.New("empty provider message id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.ProviderMessageID != "" {
		if rec.ProviderMessageID == pmid {
			return nil
		}
		return ErrProviderIDTaken
	}
	if owner, taken := s.byProvider[pmid]; taken && owner != id {
		return ErrProviderIDTaken
	}

	rec.ProviderMessageID = pmid
	rec.UpdatedAt = s.nowFn().UTC()
	s.byProvider[pmid] = id
	return nil
}

func (s *MemoryStore) ApplyProviderEvent(ev ProviderEvent) (delivery.Record, error) {
	if !validEventStatus(ev.Status) {
		return delivery.Record{}, ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byProvider[strings.TrimSpace(ev.ProviderMessageID)]
	if !ok {
		return delivery.Record{}, ErrNotFound
	}
	rec := s.records[id]

	now := s.nowFn().UTC()
	at := ev.Timestamp
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	rec.RawStatus = ev.Status
	switch ev.Status {
	case delivery.StatusDelivered:
		if rec.DeliveredAt == nil {
			cpy := at
			rec.DeliveredAt = &cpy
		}
	case delivery.StatusRead:
		if rec.ReadAt == nil {
			cpy := at
			rec.ReadAt = &cpy
		}
	}
	rec.UpdatedAt = now

	return *rec, nil
}

func (s *MemoryStore) ListReconcileCandidates(limit int) ([]delivery.Record, error) {
	limit = normalizeLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.Record, 0, limit)
	for _, rec := range s.records {
		if rec.RawStatus == "" || rec.RawStatus == delivery.StatusSent {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error {
	if corr.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RawStatus != expectRaw {
		return ErrConflict
	}

	if corr.RawStatus != "" {
		rec.RawStatus = corr.RawStatus
	}
	if corr.DeliveredAt != nil && rec.DeliveredAt == nil {
		cpy := corr.DeliveredAt.UTC()
		rec.DeliveredAt = &cpy
	}
	rec.UpdatedAt = s.nowFn().UTC()
	return nil
}

func (s *MemoryStore) ListRecords(req ListRequest) (ListResponse, error) {
	limit := normalizeLimit(req.Limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]delivery.Record, 0, limit)
	for _, rec := range s.records {
		if req.TenantID != "" && rec.TenantID != req.TenantID {
			continue
		}
		if req.RawStatus != "" && rec.RawStatus != req.RawStatus {
			continue
		}
		if !req.Before.IsZero() && !rec.SentAt.Before(req.Before) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return ListResponse{Items: out}, nil
}

func (s *MemoryStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{ByStatus: make(map[delivery.Status]int)}
	for _, rec := range s.records {
		st.Total++
		st.ByStatus[delivery.Canonical(*rec)]++
	}
	return st, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
