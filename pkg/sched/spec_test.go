package sched

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, spec string) Schedule {
	t.Helper()
	s, err := ParseSchedule(spec)
	if err != nil {
		t.Fatalf("parse %q: %v", spec, err)
	}
	return s
}

func TestParseInterval(t *testing.T) {
	s := mustParse(t, "every 90m")
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := s.Next(after)
	if want := after.Add(90 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if !next.After(after) {
		t.Error("next must be strictly after")
	}
}

func TestParseDaily(t *testing.T) {
	s := mustParse(t, "daily 08:30")

	// Before today's slot: fires today.
	after := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	if next := s.Next(after); !next.Equal(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("next = %v", next)
	}
	// Exactly at the slot: fires tomorrow, strictly after.
	after = time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	if next := s.Next(after); !next.Equal(time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("next at slot = %v", next)
	}
}

func TestParseCronNext(t *testing.T) {
	cases := []struct {
		spec  string
		after time.Time
		want  time.Time
	}{
		{
			"0 8 * * *",
			time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		},
		{
			"*/15 * * * *",
			time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC),
			time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC),
		},
		{
			// Weekdays at 17:30; Mar 1 2026 is a Sunday.
			"30 17 * * 1-5",
			time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 2, 17, 30, 0, 0, time.UTC),
		},
		{
			// First of the month.
			"0 0 1 * *",
			time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			// List field.
			"0 9,18 * * *",
			time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		s := mustParse(t, tc.spec)
		if got := s.Next(tc.after); !got.Equal(tc.want) {
			t.Errorf("%q next after %v = %v, want %v", tc.spec, tc.after, got, tc.want)
		}
	}
}

func TestParseCronDayOfWeekSevenIsSunday(t *testing.T) {
	s := mustParse(t, "0 12 * * 7")
	// Mar 1 2026 is a Sunday.
	after := time.Date(2026, 2, 27, 0, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := s.Next(after); !got.Equal(want) {
		t.Errorf("next = %v, want %v", got, want)
	}
}

func TestParseRejectsBadSpecs(t *testing.T) {
	bad := []string{
		"",
		"* * * *",          // 4 fields
		"61 * * * *",       // minute out of range
		"* 24 * * *",       // hour out of range
		"* * 0 * *",        // day-of-month out of range
		"* * * 13 *",       // month out of range
		"a b c d e",        // garbage
		"every soon",       // bad duration
		"every 10s",        // sub-minute interval
		"daily 25:00",      // bad time
		"0 0 30 2 *",       // Feb 30 never exists
		"*/0 * * * *",      // zero step
	}
	for _, spec := range bad {
		if _, err := ParseSchedule(spec); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q) err = %v, want ErrInvalidSchedule", spec, err)
		}
	}
}
