package model

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusRescheduled Status = "rescheduled"
	StatusCanceled    Status = "canceled"
	StatusNoShow      Status = "no_show"
	StatusCompleted   Status = "completed"
)

const DefaultType = "checkup"

// ParseStatus maps free text to a Status. Unknown values fall back to scheduled.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "confirmed":
		return StatusConfirmed
	case "rescheduled":
		return StatusRescheduled
	case "canceled", "cancelled":
		return StatusCanceled
	case "no_show", "noshow":
		return StatusNoShow
	case "completed", "complete":
		return StatusCompleted
	default:
		return StatusScheduled
	}
}

// Terminal statuses accept no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusNoShow, StatusCompleted:
		return true
	}
	return false
}

// Active reports whether the appointment still holds its time slot.
func (s Status) Active() bool {
	return s != StatusCanceled
}

type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps uses half-open semantics: touching intervals do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

type Appointment struct {
	ID           string
	PatientName  string
	Phone        string
	Email        string
	Notes        string
	Type         string
	StartTime    time.Time
	EndTime      time.Time
	Status       Status
	ReminderSent bool
	// SlotClaimedAt is when the event took its current time slot. Status and
	// reminder writes leave it alone.
	SlotClaimedAt time.Time
	// Version is the provider's opaque revision tag (ETag).
	Version   string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Extra holds description lines this service does not recognize.
	Extra []string
}

func (a Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

func (a Appointment) Duration() time.Duration {
	return a.EndTime.Sub(a.StartTime)
}

// Summary is the calendar event title.
func (a Appointment) Summary() string {
	typ := a.Type
	if typ == "" {
		typ = DefaultType
	}
	first, size := utf8.DecodeRuneInString(typ)
	title := string(unicode.ToUpper(first)) + typ[size:] + " - " + a.PatientName
	if a.Status == StatusCanceled {
		return "[Canceled] " + title
	}
	return title
}
