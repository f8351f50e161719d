// Package delivery defines the per-message delivery record and the pure
// status normalizer that derives a record's canonical lifecycle state from
// the raw evidence reported by the messaging provider.
package delivery

import "time"

// Status is a canonical lifecycle state of an outbound message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// KnownStatus reports whether s is one of the closed set of lifecycle states.
func KnownStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// rank orders canonical states for monotonicity checks. failed is terminal
// and sits outside the forward chain.
func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Record is the persisted delivery state for one outbound message attempt.
//
// RawStatus is the last status string the provider reported; it is advisory
// and may lag or contradict the timestamps. DeliveredAt and ReadAt are
// set-once: once non-nil they are never cleared or moved earlier.
type Record struct {
	ID                string
	TenantID          string
	ProviderMessageID string
	RawStatus         Status
	SentAt            time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	UpdatedAt         time.Time
}

// Canonical returns the record's derived lifecycle state without computing
// corrections. Timestamps outrank the raw status string.
func Canonical(r Record) Status {
	st, _ := Normalize(r)
	return st
}

// Corrections is the minimal field rewrite needed to make a record
// self-consistent. Zero value means the record already is.
type Corrections struct {
	RawStatus   Status
	DeliveredAt *time.Time
}

func (c Corrections) Empty() bool {
	return c.RawStatus == "" && c.DeliveredAt == nil
}

// Normalize derives the canonical state for r and the corrections required
// to reconcile the stored raw status with it. Pure: no I/O, no mutation.
//
// Priority order, first match wins:
//  1. failed is terminal and never overwritten here.
//  2. read_at set while raw status lags: canonical read, rewrite raw status
//     and backfill delivered_at from read_at when missing.
//  3. delivered_at set while raw status lags: canonical delivered.
//  4. Otherwise trust the raw status, defaulting to sent when the provider
//     never reported anything.
//
// Timestamps win over the raw string because they are written exactly once
// and never retracted, while the raw status can be overwritten by a late,
// lower-fidelity webhook event.
func Normalize(r Record) (Status, Corrections) {
	if r.RawStatus == StatusFailed {
		return StatusFailed, Corrections{}
	}

	if r.ReadAt != nil && r.RawStatus != StatusRead {
		corr := Corrections{RawStatus: StatusRead}
		if r.DeliveredAt == nil {
			at := *r.ReadAt
			corr.DeliveredAt = &at
		}
		return StatusRead, corr
	}

	if r.DeliveredAt != nil && r.RawStatus != StatusDelivered && r.RawStatus != StatusRead {
		return StatusDelivered, Corrections{RawStatus: StatusDelivered}
	}

	if r.RawStatus == "" {
		return StatusSent, Corrections{}
	}
	return r.RawStatus, Corrections{}
}

// Regresses reports whether moving a record from prev to next would walk the
// lifecycle backwards. Corrections that regress are never applied.
func Regresses(prev, next Status) bool {
	if prev == StatusFailed {
		return next != StatusFailed
	}
	pr, nr := rank(prev), rank(next)
	if pr < 0 || nr < 0 {
		return false
	}
	return nr < pr
}

// Anomaly kinds reported by Inspect. Anomalies are flagged, never
// auto-corrected: silently fixing them would mask an upstream write-path bug.
const (
	AnomalyReadBeforeDelivered = "read_before_delivered"
	AnomalyTimestampsOnFailed  = "timestamps_on_failed"
)

// Inspect returns the anomaly kinds present on r, if any.
func Inspect(r Record) []string {
	var out []string
	if r.ReadAt != nil && r.DeliveredAt != nil && r.ReadAt.Before(*r.DeliveredAt) {
		out = append(out, AnomalyReadBeforeDelivered)
	}
	if r.RawStatus == StatusFailed && (r.DeliveredAt != nil || r.ReadAt != nil) {
		out = append(out, AnomalyTimestampsOnFailed)
	}
	return out
}
