package rules

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// PlainTime is a wall-clock time of day with minute precision.
type PlainTime struct {
	Hour   int
	Minute int
}

// ParsePlainTime parses "HH:MM".
func ParsePlainTime(s string) (PlainTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return PlainTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return PlainTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (p PlainTime) String() string { return fmt.Sprintf("%02d:%02d", p.Hour, p.Minute) }

func (p PlainTime) minuteOfDay() int { return p.Hour*60 + p.Minute }

// MarshalJSON encodes the time as "HH:MM".
func (p PlainTime) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

// UnmarshalJSON decodes "HH:MM".
func (p *PlainTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePlainTime(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// TimeWindow is a daily window. End before Start wraps past midnight; equal
// Start and End describe an empty window.
type TimeWindow struct {
	Start PlainTime `json:"start"`
	End   PlainTime `json:"end"`
}

// Contains reports whether t's time of day, in t's location, lies in the window.
// Start is inclusive, End exclusive.
func (w TimeWindow) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	start, end := w.Start.minuteOfDay(), w.End.minuteOfDay()
	switch {
	case start == end:
		return false
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

func (w TimeWindow) String() string { return w.Start.String() + "-" + w.End.String() }

// ScheduleMode selects whether a keychain is usable inside or outside its window.
type ScheduleMode string

// Schedule modes.
const (
	ScheduleActive   ScheduleMode = "active"
	ScheduleInactive ScheduleMode = "inactive"
)

// Schedule gates a keychain by weekday and time of day.
type Schedule struct {
	Mode   ScheduleMode   `json:"mode"`
	Days   []time.Weekday `json:"days"`
	Window TimeWindow     `json:"window"`
}

// ActiveAt reports whether a keychain with this schedule contributes keys at t.
func (s Schedule) ActiveAt(t time.Time) bool {
	inWindow := slices.Contains(s.Days, t.Weekday()) && s.Window.Contains(t)
	if s.Mode == ScheduleInactive {
		return !inWindow
	}
	return inWindow
}

// Keychain is an ordered set of keys sharing an optional schedule.
type Keychain struct {
	ID       uuid.UUID   `json:"id"`
	Keys     []FilterKey `json:"keys"`
	Schedule *Schedule   `json:"schedule,omitempty"`
}

// ActiveAt reports whether the keychain's keys take part in matching at t.
func (k Keychain) ActiveAt(t time.Time) bool {
	if k.Schedule == nil {
		return true
	}
	return k.Schedule.ActiveAt(t)
}

// CountKeys returns the number of keys across keychains.
func CountKeys(keychains []Keychain) int {
	n := 0
	for _, kc := range keychains {
		n += len(kc.Keys)
	}
	return n
}
