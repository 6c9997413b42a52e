package utils

import (
	"testing"
	"time"
)

func TestToDayDateNormalizesToUTCMidnight(t *testing.T) {
	colombo := time.FixedZone("Asia/Colombo", 5*3600+1800)
	in := time.Date(2026, 3, 15, 2, 45, 12, 99, colombo)

	got := ToDayDate(in)
	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ToDayDate(%v) = %v; want %v", in, got, want)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location; got %v", got.Location())
	}
}

func TestNextDayPreviousDayAcrossBoundaries(t *testing.T) {
	day := time.Date(2026, 1, 31, 17, 0, 0, 0, time.UTC)

	if got, want := NextDay(day), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextDay = %v; want %v", got, want)
	}
	if got, want := PreviousDay(day), time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("PreviousDay = %v; want %v", got, want)
	}

	// Leap day.
	feb28 := time.Date(2028, 2, 28, 0, 0, 0, 0, time.UTC)
	if got, want := NextDay(feb28), time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("NextDay(feb28) = %v; want %v", got, want)
	}
}

func TestParseDay(t *testing.T) {
	got, err := ParseDay("2026-08-29")
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	want := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("ParseDay = %v; want %v", got, want)
	}

	for _, bad := range []string{"", "29-08-2026", "2026-13-01", "2026-08-29T00:00:00Z", "tomorrow"} {
		if _, err := ParseDay(bad); err == nil {
			t.Fatalf("ParseDay(%q) should fail", bad)
		}
	}
}

func TestDaysInclusive(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	if got := DaysInclusive(from, from); got != 1 {
		t.Fatalf("same day = %d; want 1", got)
	}
	if got := DaysInclusive(from, to); got != 31 {
		t.Fatalf("january = %d; want 31", got)
	}
	if got := DaysInclusive(to, from); got != 0 {
		t.Fatalf("reversed range = %d; want 0", got)
	}
	// Time-of-day components must not change the day count.
	if got := DaysInclusive(from.Add(23*time.Hour), to.Add(1*time.Hour)); got != 31 {
		t.Fatalf("with time components = %d; want 31", got)
	}
}
