// Package secrets models rotating webhook signing secrets. A secret set holds
// overlapping versions so a provider can be cut over to a new secret without
// dropping webhooks signed with the old one.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidSecret = errors.New("invalid secret")

// Version is one secret value with a validity window. ValidFrom is inclusive,
// ValidUntil exclusive; a zero ValidUntil means no end.
type Version struct {
	ID         string
	Value      []byte
	ValidFrom  time.Time
	ValidUntil time.Time
}

func (v Version) IsValidAt(t time.Time) bool {
	if v.ValidFrom.IsZero() || t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidUntil.IsZero() || t.Before(v.ValidUntil)
}

// Set is the full rotation history for one signing secret.
type Set struct {
	Versions []Version
}

func (s Set) Validate() error {
	if len(s.Versions) == 0 {
		return fmt.Errorf("%w: empty set", ErrInvalidSecret)
	}

	seen := make(map[string]struct{}, len(s.Versions))
	for i, v := range s.Versions {
		if v.ID == "" {
			return fmt.Errorf("%w: versions[%d].id is empty", ErrInvalidSecret, i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: duplicate secret id %q", ErrInvalidSecret, v.ID)
		}
		seen[v.ID] = struct{}{}

		if len(v.Value) == 0 {
			return fmt.Errorf("%w: versions[%d].value is empty", ErrInvalidSecret, i)
		}
		if v.ValidFrom.IsZero() {
			return fmt.Errorf("%w: versions[%d].valid_from is missing", ErrInvalidSecret, i)
		}
		if !v.ValidUntil.IsZero() && !v.ValidUntil.After(v.ValidFrom) {
			return fmt.Errorf("%w: versions[%d].valid_until must be after valid_from", ErrInvalidSecret, i)
		}
	}
	return nil
}

// ValidAt returns every version valid at t, newest ValidFrom first.
func (s Set) ValidAt(t time.Time) []Version {
	out := make([]Version, 0, len(s.Versions))
	for _, v := range s.Versions {
		if v.IsValidAt(t) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ID < out[j].ID
		}
		return out[i].ValidFrom.After(out[j].ValidFrom)
	})
	return out
}

// ValuesAt returns the raw secret values valid at t, for signature
// verification against every version still in its window.
func (s Set) ValuesAt(t time.Time) [][]byte {
	valid := s.ValidAt(t)
	out := make([][]byte, 0, len(valid))
	for _, v := range valid {
		out = append(out, v.Value)
	}
	return out
}
