package availability

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

// DayHours is one opening window in 24-hour "HH:MM" form. Close may be "24:00".
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// BusinessHours lists opening windows per weekday. A day with no windows is
// closed, and so is every date in Holidays ("YYYY-MM-DD").
type BusinessHours struct {
	Monday    []DayHours `json:"monday,omitempty"`
	Tuesday   []DayHours `json:"tuesday,omitempty"`
	Wednesday []DayHours `json:"wednesday,omitempty"`
	Thursday  []DayHours `json:"thursday,omitempty"`
	Friday    []DayHours `json:"friday,omitempty"`
	Saturday  []DayHours `json:"saturday,omitempty"`
	Sunday    []DayHours `json:"sunday,omitempty"`
	Holidays  []string   `json:"holidays,omitempty"`
}

func DefaultBusinessHours() BusinessHours {
	weekday := []DayHours{{Open: "09:00", Close: "17:00"}}
	return BusinessHours{
		Monday:    weekday,
		Tuesday:   weekday,
		Wednesday: weekday,
		Thursday:  weekday,
		Friday:    weekday,
	}
}

// ParseBusinessHours decodes and validates a JSON hours document.
func ParseBusinessHours(raw []byte) (BusinessHours, error) {
	var b BusinessHours
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return BusinessHours{}, fmt.Errorf("business hours: %w", err)
	}
	return b, b.Validate()
}

func (b BusinessHours) Validate() error {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		var prevEnd int = -1
		windows := append([]DayHours(nil), b.day(wd)...)
		sort.Slice(windows, func(i, j int) bool { return windows[i].Open < windows[j].Open })
		for _, w := range windows {
			open, err := clockMinutes(w.Open)
			if err != nil {
				return fmt.Errorf("business hours %s: %w", wd, err)
			}
			closing, err := clockMinutes(w.Close)
			if err != nil {
				return fmt.Errorf("business hours %s: %w", wd, err)
			}
			if closing <= open {
				return fmt.Errorf("business hours %s: close %s must be after open %s", wd, w.Close, w.Open)
			}
			if open < prevEnd {
				return fmt.Errorf("business hours %s: windows overlap", wd)
			}
			prevEnd = closing
		}
	}
	for _, h := range b.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return fmt.Errorf("business hours: holiday %q is not YYYY-MM-DD", h)
		}
	}
	return nil
}

func (b BusinessHours) day(wd time.Weekday) []DayHours {
	switch wd {
	case time.Monday:
		return b.Monday
	case time.Tuesday:
		return b.Tuesday
	case time.Wednesday:
		return b.Wednesday
	case time.Thursday:
		return b.Thursday
	case time.Friday:
		return b.Friday
	case time.Saturday:
		return b.Saturday
	default:
		return b.Sunday
	}
}

func (b BusinessHours) isHoliday(day time.Time) bool {
	key := day.Format(time.DateOnly)
	for _, h := range b.Holidays {
		if h == key {
			return true
		}
	}
	return false
}

// Windows returns the opening windows of the calendar day containing day,
// evaluated in day's location and ordered by start.
func (b BusinessHours) Windows(day time.Time) []model.Interval {
	if b.isHoliday(day) {
		return nil
	}
	y, m, d := day.Date()
	loc := day.Location()
	var out []model.Interval
	for _, w := range b.day(day.Weekday()) {
		open, err1 := clockMinutes(w.Open)
		closing, err2 := clockMinutes(w.Close)
		if err1 != nil || err2 != nil || closing <= open {
			continue
		}
		out = append(out, model.Interval{
			Start: time.Date(y, m, d, 0, open, 0, 0, loc),
			End:   time.Date(y, m, d, 0, closing, 0, 0, loc),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func clockMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "24:00" {
		return 24 * 60, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
