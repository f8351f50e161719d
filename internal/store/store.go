// Package store persists delivery records. All backends satisfy one Store
// contract; the shared contract test suite runs against every backend.
package store

import (
	"errors"
	"time"

	"github.com/recondohq/recondo/internal/delivery"
)

var (
	ErrNotFound        = errors.New("delivery record not found")
	ErrRecordExists    = errors.New("delivery record already exists")
	ErrConflict        = errors.New("delivery record changed concurrently")
	ErrProviderIDTaken = errors.New("provider message id already bound")
	ErrInvalidStatus   = errors.New("invalid delivery status")
)

// ProviderEvent is one raw status signal pushed by the messaging provider.
// Events may arrive out of order, duplicated, or not at all.
type ProviderEvent struct {
	ProviderMessageID string
	Status            delivery.Status
	Timestamp         time.Time
}

type ListRequest struct {
	TenantID  string
	RawStatus delivery.Status
	Limit     int
	Before    time.Time
}

type ListResponse struct {
	Items []delivery.Record
}

type Stats struct {
	Total    int
	ByStatus map[delivery.Status]int
}

// Store is the delivery record store contract.
//
// Every mutation of a single record is atomic: the webhook ingestor and the
// reconciliation sweep may race on the same record at any time, and neither
// may lose the other's write. ApplyCorrections is conditional on the raw
// status the caller observed; a lost race surfaces as ErrConflict and the
// next sweep converges.
type Store interface {
	// CreateRecord inserts a new record, filling ID (uuid), SentAt (now) and
	// RawStatus (sent) when unset. Fails with ErrRecordExists on a duplicate
	// ID and ErrProviderIDTaken on a duplicate provider message id.
	CreateRecord(rec delivery.Record) (delivery.Record, error)

	GetRecord(id string) (delivery.Record, error)
	GetByProviderMessageID(providerMessageID string) (delivery.Record, error)

	// AttachProviderMessageID binds the provider's identifier to a record
	// once the send was acknowledged. Set-once: rebinding to a different
	// value fails with ErrProviderIDTaken.
	AttachProviderMessageID(id, providerMessageID string) error

	// ApplyProviderEvent merges one raw provider signal into the record
	// keyed by provider message id: raw_status is written verbatim
	// (advisory), delivered_at/read_at are set once and never cleared or
	// moved earlier. Returns the record after the merge.
	ApplyProviderEvent(ev ProviderEvent) (delivery.Record, error)

	// ListReconcileCandidates returns up to limit records whose raw status
	// is sent or absent, newest sent_at first.
	ListReconcileCandidates(limit int) ([]delivery.Record, error)

	// ApplyCorrections persists a normalizer correction as a single atomic
	// update, conditional on raw_status still being expectRaw. delivered_at
	// is only ever backfilled, never overwritten.
	ApplyCorrections(id string, expectRaw delivery.Status, corr delivery.Corrections) error

	ListRecords(req ListRequest) (ListResponse, error)
	Stats() (Stats, error)
	Close() error
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func validEventStatus(s delivery.Status) bool {
	switch s {
	case delivery.StatusSent, delivery.StatusDelivered, delivery.StatusRead, delivery.StatusFailed:
		return true
	}
	return false
}
