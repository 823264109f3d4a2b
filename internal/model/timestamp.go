package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TimestampLayout is the canonical wire form sent as unlock_date.
	TimestampLayout = "2006-01-02T15:04"
	// DisplayLayout renders a Timestamp for people, e.g. "March 5, 2026, 02:30 PM".
	DisplayLayout = "January 2, 2006, 03:04 PM"
)

// storedLayouts are the other forms the backend hands back. The server persists
// unlock dates as "YYYY-MM-DD HH:MM:SS" so list and 403 responses use that shape.
var storedLayouts = []string{
	TimestampLayout,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
}

// ErrBadTimestamp is returned when a string matches none of the known layouts.
var ErrBadTimestamp = errors.New("unrecognised timestamp")

// Timestamp is a naive wall-clock value. It deliberately carries no location:
// the literal year/month/day/hour/minute a user picked is what gets stored and
// what gets shown back, with no timezone arithmetic anywhere.
type Timestamp struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
}

// ParseTimestamp accepts the canonical layout as well as the server's storage layout.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	for _, layout := range storedLayouts {
		// time.Parse without a zone yields UTC, which keeps the fields untouched.
		if t, err := time.Parse(layout, s); err == nil {
			return FromTime(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// FromTime copies the wall-clock fields of t, ignoring its location.
func FromTime(t time.Time) Timestamp {
	return Timestamp{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
	}
}

// IsZero reports whether the timestamp was never set.
func (ts Timestamp) IsZero() bool {
	return ts == Timestamp{}
}

// Valid reports whether the fields name a real calendar minute.
func (ts Timestamp) Valid() bool {
	if ts.Month < 1 || ts.Month > 12 || ts.Day < 1 || ts.Hour < 0 || ts.Hour > 23 || ts.Minute < 0 || ts.Minute > 59 {
		return false
	}
	// time.Date normalises overflow (Feb 31 -> Mar 3); a round trip exposes it.
	return FromTime(ts.wall(time.UTC)) == ts
}

// String returns the canonical YYYY-MM-DDTHH:mm form.
func (ts Timestamp) String() string {
	return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d", ts.Year, ts.Month, ts.Day, ts.Hour, ts.Minute)
}

// Display formats the timestamp for people. Every screen uses this one formatter.
func (ts Timestamp) Display() string {
	return ts.wall(time.UTC).Format(DisplayLayout)
}

// In resolves the wall-clock value to an instant in loc. Only the scheduler
// needs an instant; everything user facing stays naive.
func (ts Timestamp) In(loc *time.Location) time.Time {
	return ts.wall(loc)
}

func (ts Timestamp) wall(loc *time.Location) time.Time {
	return time.Date(ts.Year, time.Month(ts.Month), ts.Day, ts.Hour, ts.Minute, 0, 0, loc)
}

// MarshalJSON encodes the canonical string form.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(ts.String())
}

// UnmarshalJSON accepts any layout ParseTimestamp understands; empty strings and
// null leave the timestamp zero.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		*ts = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(*raw)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
