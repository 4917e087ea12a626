// Package dateparse turns spoken or typed date and time expressions into
// timezone-aware instants and ranges. Results depend only on the input text,
// the reference time and the location.
package dateparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

type Kind string

const (
	KindInstant Kind = "instant"
	KindRange   Kind = "range"
)

// Resolution is either an instant (Start == End) or a half-open range.
type Resolution struct {
	Kind  Kind
	Start time.Time
	End   time.Time
}

// Day returns midnight of the day the resolution starts on.
func (r Resolution) Day() time.Time {
	return startOfDay(r.Start)
}

const (
	ReasonEmpty        = "empty"
	ReasonUnrecognized = "unrecognized"
	ReasonAmbiguous    = "ambiguous"
	ReasonInvalidDate  = "invalid_date"
	ReasonInvalidTime  = "invalid_time"
)

// ParseError explains why text could not be resolved. It matches
// model.ErrParseFailure with errors.Is.
type ParseError struct {
	Input  string
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("cannot resolve %q: %s (%s)", e.Input, e.Reason, e.Detail)
	}
	return fmt.Sprintf("cannot resolve %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return model.ErrParseFailure }

// Resolve interprets text relative to now in loc. A date with a time yields an
// instant, a date alone yields the whole day, "next week" yields a week and a
// day part such as "tomorrow morning" yields that part of the day. A time with
// no date is ambiguous here; use ResolveOn when a date is already known.
func Resolve(text string, now time.Time, loc *time.Location) (Resolution, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, ok := parseStructured(text, loc); ok {
		return Resolution{Kind: KindInstant, Start: t, End: t}, nil
	}

	p, err := parse(text, now.In(loc))
	if err != nil {
		return Resolution{}, err
	}
	if !p.hasDate {
		return Resolution{}, &ParseError{Input: text, Reason: ReasonAmbiguous, Detail: "no date given"}
	}
	switch {
	case p.hasTime:
		t, err := wallClock(text, p.date, p.hour, p.minute)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Kind: KindInstant, Start: t, End: t}, nil
	case p.part != nil:
		return Resolution{
			Kind:  KindRange,
			Start: atClock(p.date, p.part.from, 0),
			End:   atClock(p.date, p.part.to, 0),
		}, nil
	default:
		return Resolution{Kind: KindRange, Start: p.date, End: addDays(p.date, p.spanDays)}, nil
	}
}

// ResolveOn resolves text that may omit the date. A bare time lands on day;
// a date without a time keeps day's clock time. The result is always an instant.
func ResolveOn(text string, now, day time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, ok := parseStructured(text, loc); ok {
		return t, nil
	}
	p, err := parse(text, now.In(loc))
	if err != nil {
		return time.Time{}, err
	}
	day = day.In(loc)
	date := startOfDay(day)
	if p.hasDate {
		if p.spanDays > 1 {
			return time.Time{}, &ParseError{Input: text, Reason: ReasonAmbiguous, Detail: "a range is not a single time"}
		}
		date = p.date
	}
	switch {
	case p.hasTime:
		return wallClock(text, date, p.hour, p.minute)
	case p.part != nil:
		return time.Time{}, &ParseError{Input: text, Reason: ReasonAmbiguous, Detail: "part of day without a time"}
	case p.hasDate:
		return wallClock(text, date, day.Hour(), day.Minute())
	default:
		return time.Time{}, &ParseError{Input: text, Reason: ReasonUnrecognized}
	}
}

func parseStructured(text string, loc *time.Location) (time.Time, bool) {
	s := strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type dayPart struct {
	name     string
	from, to int
	pm       bool
}

var dayParts = map[string]dayPart{
	"morning":   {name: "morning", from: 8, to: 12},
	"afternoon": {name: "afternoon", from: 12, to: 17, pm: true},
	"evening":   {name: "evening", from: 17, to: 21, pm: true},
}

type parsed struct {
	hasDate  bool
	date     time.Time
	spanDays int
	hasTime  bool
	hour     int
	minute   int
	part     *dayPart
}

const monthPattern = `(january|jan|february|feb|march|mar|april|apr|may|june|jun|july|jul|august|aug|september|sept|sep|october|oct|november|nov|december|dec)`
const weekdayPattern = `(monday|mon|tuesday|tues|tue|wednesday|wed|thursday|thurs|thur|thu|friday|fri|saturday|sat|sunday|sun)`

var (
	reOrdinal     = regexp.MustCompile(`\b(\d{1,2})(st|nd|rd|th)\b`)
	reDayOf       = regexp.MustCompile(`\b(\d{1,2})\s+of\s+`)
	reMeridiem    = regexp.MustCompile(`\b([ap])\.?\s?m\.?(\s|$)`)
	reTonight     = regexp.MustCompile(`\btonight\b`)
	reNoon        = regexp.MustCompile(`\b(noon|midday)\b`)
	reMidnight    = regexp.MustCompile(`\bmidnight\b`)
	reTwelveHour  = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	reTwentyFour  = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	reOClock      = regexp.MustCompile(`\b(\d{1,2})\s*o'?clock\b`)
	reBareHour    = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)
	reDayPart     = regexp.MustCompile(`\b(?:in\s+the\s+)?(morning|afternoon|evening)\b`)
	reISODate     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	reSlashDate   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2}|\d{4}))?\b`)
	reMonthDay    = regexp.MustCompile(`\b` + monthPattern + `\.?\s+(\d{1,2})(?:\s+(\d{4}))?\b`)
	reDayMonth    = regexp.MustCompile(`\b(\d{1,2})\s+` + monthPattern + `\.?(?:\s+(\d{4}))?\b`)
	reDayAfter    = regexp.MustCompile(`\bday\s+after\s+tomorrow\b`)
	reRelativeDay = regexp.MustCompile(`\b(today|tomorrow|tmrw|yesterday)\b`)
	reInN         = regexp.MustCompile(`\bin\s+(\d+|a|one|two|three|four|five|six|seven|eight|nine|ten)\s+(days?|weeks?)\b`)
	reWeek        = regexp.MustCompile(`\b(this|next)\s+week\b`)
	reWeekday     = regexp.MustCompile(`\b(?:(this|next|coming)\s+)?` + weekdayPattern + `\b`)
	reFiller      = regexp.MustCompile(`\b(at|on|the|of|for|around|about|by|please|in|from|say|maybe)\b`)
	reSpaces      = regexp.MustCompile(`\s+`)
)

// maxAheadDays bounds "in N days" and "in N weeks".
const maxAheadDays = 366

var numberWords = map[string]int{
	"a": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday, "thu": time.Thursday,
	"fri": time.Friday, "sat": time.Saturday, "sun": time.Sunday,
}

// phrase is the normalized input that extractors consume piece by piece.
type phrase struct {
	input string
	s     string
}

func newPhrase(text string) *phrase {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer(",", " ", ";", " ", "!", " ", "?", " ").Replace(s)
	s = reMeridiem.ReplaceAllString(s, "${1}m$2")
	s = reOrdinal.ReplaceAllString(s, "$1")
	s = reDayOf.ReplaceAllString(s, "$1 ")
	s = strings.TrimSuffix(strings.TrimSpace(s), ".")
	return &phrase{input: text, s: reSpaces.ReplaceAllString(s, " ")}
}

// take removes the first match of re and returns its submatches.
func (p *phrase) take(re *regexp.Regexp) []string {
	loc := re.FindStringSubmatchIndex(p.s)
	if loc == nil {
		return nil
	}
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = p.s[loc[2*i]:loc[2*i+1]]
		}
	}
	p.s = strings.TrimSpace(reSpaces.ReplaceAllString(p.s[:loc[0]]+" "+p.s[loc[1]:], " "))
	return m
}

func (p *phrase) fail(reason, detail string) error {
	return &ParseError{Input: p.input, Reason: reason, Detail: detail}
}

func parse(text string, now time.Time) (parsed, error) {
	p := newPhrase(text)
	if p.s == "" {
		return parsed{}, p.fail(ReasonEmpty, "")
	}
	var out parsed

	if p.take(reTonight) != nil {
		p.s = strings.TrimSpace("today evening " + p.s)
	}
	if m := p.take(reDayPart); m != nil {
		part := dayParts[m[1]]
		out.part = &part
	}
	if err := p.extractTime(&out); err != nil {
		return parsed{}, err
	}
	if err := p.extractDate(&out, now); err != nil {
		return parsed{}, err
	}

	rest := strings.TrimSpace(reSpaces.ReplaceAllString(reFiller.ReplaceAllString(p.s, " "), " "))
	if rest != "" {
		return parsed{}, p.fail(ReasonUnrecognized, "unexpected "+strconv.Quote(rest))
	}
	if !out.hasDate && !out.hasTime && out.part == nil {
		return parsed{}, p.fail(ReasonUnrecognized, "")
	}
	return out, nil
}
