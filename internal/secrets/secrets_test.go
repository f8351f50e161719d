package secrets

import (
	"bytes"
	"testing"
	"time"
)

func TestVersionValidityBoundaries(t *testing.T) {
	from := time.Date(2026, 8, 4, 12, 0, 0, 0, time.UTC)
	until := from.Add(10 * time.Minute)
	v := Version{ID: "k1", Value: []byte("secret"), ValidFrom: from, ValidUntil: until}

	if !v.IsValidAt(from) {
		t.Fatalf("expected valid at valid_from (inclusive)")
	}
	if v.IsValidAt(until) {
		t.Fatalf("expected invalid at valid_until (exclusive)")
	}
	if v.IsValidAt(from.Add(-time.Nanosecond)) {
		t.Fatalf("expected invalid before valid_from")
	}

	open := Version{ID: "k2", Value: []byte("secret"), ValidFrom: from}
	if !open.IsValidAt(from.Add(24 * time.Hour)) {
		t.Fatalf("zero valid_until should mean no end")
	}
}

func TestSetRotationOverlap(t *testing.T) {
	old := Version{
		ID:         "k1",
		Value:      []byte("s1"),
		ValidFrom:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
	}
	current := Version{
		ID:        "k2",
		Value:     []byte("s2"),
		ValidFrom: time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC),
	}
	s := Set{Versions: []Version{old, current}}

	before := time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC)
	got := s.ValidAt(before)
	if len(got) != 1 || got[0].ID != "k1" {
		t.Fatalf("at %s got %#v, want only k1", before, got)
	}

	during := time.Date(2026, 8, 6, 0, 0, 0, 0, time.UTC)
	got = s.ValidAt(during)
	if len(got) != 2 || got[0].ID != "k2" || got[1].ID != "k1" {
		t.Fatalf("at %s got %#v, want [k2 k1]", during, got)
	}

	values := s.ValuesAt(during)
	if len(values) != 2 || !bytes.Equal(values[0], []byte("s2")) || !bytes.Equal(values[1], []byte("s1")) {
		t.Fatalf("values=%q, want [s2 s1]", values)
	}

	after := old.ValidUntil
	got = s.ValidAt(after)
	if len(got) != 1 || got[0].ID != "k2" {
		t.Fatalf("at %s got %#v, want only k2", after, got)
	}
}

func TestSetValidate(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	ok := Set{Versions: []Version{{ID: "k1", Value: []byte("s1"), ValidFrom: now}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}

	bad := []Set{
		{},
		{Versions: []Version{{ID: "", Value: []byte("x"), ValidFrom: now}}},
		{Versions: []Version{{ID: "k1", Value: nil, ValidFrom: now}}},
		{Versions: []Version{{ID: "k1", Value: []byte("x")}}},
		{Versions: []Version{{ID: "k1", Value: []byte("x"), ValidFrom: now, ValidUntil: now}}},
		{Versions: []Version{
			{ID: "k1", Value: []byte("x"), ValidFrom: now},
			{ID: "k1", Value: []byte("y"), ValidFrom: now.Add(time.Hour)},
		}},
	}
	for i, s := range bad {
		if err := s.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
