package utils

import (
	"errors"
	"time"
)

// ToDayDate normalizes an instant to the canonical start-of-day (UTC midnight).
// All day-grain ledger keys must pass through here; a stray time-of-day
// component would split one business day across two rows.
func ToDayDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func NextDay(day time.Time) time.Time {
	return ToDayDate(day).AddDate(0, 0, 1)
}

func PreviousDay(day time.Time) time.Time {
	return ToDayDate(day).AddDate(0, 0, -1)
}

// ParseDay parses a YYYY-MM-DD date string into a canonical day.
func ParseDay(dateString string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", dateString, time.UTC)
	if err != nil {
		return time.Time{}, errors.New("invalid date, expected YYYY-MM-DD")
	}
	return t, nil
}

// DaysInclusive returns the number of calendar days in [from, to].
// Returns 0 when to is before from.
func DaysInclusive(from, to time.Time) int {
	from = ToDayDate(from)
	to = ToDayDate(to)
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from).Hours()/24) + 1
}
