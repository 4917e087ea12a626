package dateparse

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

func (p *phrase) extractTime(out *parsed) error {
	found := 0
	set := func(h, m int) {
		out.hasTime = true
		out.hour, out.minute = h, m
		found++
	}

	if p.take(reNoon) != nil {
		set(12, 0)
	}
	if p.take(reMidnight) != nil {
		set(0, 0)
	}
	if m := p.take(reTwelveHour); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins := 0
		if m[2] != "" {
			mins, _ = strconv.Atoi(m[2])
		}
		if h < 1 || h > 12 || mins > 59 {
			return p.fail(ReasonInvalidTime, m[0])
		}
		if m[3] == "pm" && h != 12 {
			h += 12
		}
		if m[3] == "am" && h == 12 {
			h = 0
		}
		set(h, mins)
	}
	if m := p.take(reTwentyFour); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		if h > 23 || mins > 59 {
			return p.fail(ReasonInvalidTime, m[0])
		}
		// "3:30" could be either half of the day; clinic hours make the
		// afternoon likely but the caller should confirm.
		if len(m[1]) == 1 && h >= 1 && h <= 6 {
			if out.part == nil || !out.part.pm {
				return p.fail(ReasonAmbiguous, m[0]+" without am or pm")
			}
			h += 12
		}
		set(h, mins)
	}
	for _, re := range []*regexp.Regexp{reOClock, reBareHour} {
		m := p.take(re)
		if m == nil {
			continue
		}
		h, _ := strconv.Atoi(m[1])
		if h > 23 {
			return p.fail(ReasonInvalidTime, m[0])
		}
		if h >= 1 && h <= 12 {
			if out.part == nil {
				return p.fail(ReasonAmbiguous, m[0]+" without am or pm")
			}
			if out.part.pm && h != 12 {
				h += 12
			}
		}
		set(h, 0)
	}

	for _, re := range []*regexp.Regexp{reNoon, reMidnight, reTwelveHour, reTwentyFour} {
		if re.MatchString(p.s) {
			found++
		}
	}
	if found > 1 {
		return p.fail(ReasonAmbiguous, "more than one time")
	}
	if out.hasTime && out.part != nil && out.part.pm != (out.hour >= 12) {
		return p.fail(ReasonAmbiguous, "time does not fall in the "+out.part.name)
	}
	return nil
}

func (p *phrase) extractDate(out *parsed, now time.Time) error {
	today := startOfDay(now)
	found := 0
	set := func(d time.Time, span int) {
		out.hasDate = true
		out.date = d
		out.spanDays = span
		found++
	}

	if m := p.take(reISODate); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		date, ok := civil(y, time.Month(mo), d, now.Location())
		if !ok {
			return p.fail(ReasonInvalidDate, m[0])
		}
		set(date, 1)
	}
	if m := p.take(reSlashDate); m != nil {
		mo, _ := strconv.Atoi(m[1])
		d, _ := strconv.Atoi(m[2])
		date, err := p.calendarDate(m[0], m[3], time.Month(mo), d, today)
		if err != nil {
			return err
		}
		set(date, 1)
	}
	if m := p.take(reMonthDay); m != nil {
		d, _ := strconv.Atoi(m[2])
		date, err := p.calendarDate(m[0], m[3], months[m[1][:3]], d, today)
		if err != nil {
			return err
		}
		set(date, 1)
	}
	if m := p.take(reDayMonth); m != nil {
		d, _ := strconv.Atoi(m[1])
		date, err := p.calendarDate(m[0], m[3], months[m[2][:3]], d, today)
		if err != nil {
			return err
		}
		set(date, 1)
	}
	if p.take(reDayAfter) != nil {
		set(addDays(today, 2), 1)
	}
	if m := p.take(reRelativeDay); m != nil {
		switch m[1] {
		case "today":
			set(today, 1)
		case "tomorrow", "tmrw":
			set(addDays(today, 1), 1)
		case "yesterday":
			set(addDays(today, -1), 1)
		}
	}
	if m := p.take(reInN); m != nil {
		n, ok := numberWords[m[1]]
		if !ok {
			var err error
			if n, err = strconv.Atoi(m[1]); err != nil {
				return p.fail(ReasonInvalidDate, m[0])
			}
		}
		if n > maxAheadDays {
			return p.fail(ReasonInvalidDate, m[0])
		}
		if m[2][0] == 'w' {
			if n *= 7; n > maxAheadDays {
				return p.fail(ReasonInvalidDate, m[0])
			}
		}
		set(addDays(today, n), 1)
	}
	if m := p.take(reWeek); m != nil {
		monday := addDays(today, -daysSinceMonday(today.Weekday()))
		if m[1] == "next" {
			set(addDays(monday, 7), 7)
		} else {
			set(today, 7-daysSinceMonday(today.Weekday()))
		}
	}

	if m := p.take(reWeekday); m != nil {
		wd := weekdays[m[2][:3]]
		if found > 0 {
			// "Tuesday Feb 11 2026": the weekday must agree with the date.
			if m[1] != "" || out.spanDays != 1 || out.date.Weekday() != wd {
				return p.fail(ReasonAmbiguous, "weekday does not match date")
			}
		} else {
			ahead := (int(wd) - int(today.Weekday()) + 7) % 7
			if m[1] == "next" && ahead == 0 {
				ahead = 7
			}
			set(addDays(today, ahead), 1)
		}
	}

	for _, re := range []*regexp.Regexp{reISODate, reSlashDate, reMonthDay, reDayMonth, reRelativeDay, reWeekday} {
		if re.MatchString(p.s) {
			found++
		}
	}
	if found > 1 {
		return p.fail(ReasonAmbiguous, "more than one date")
	}
	return nil
}

// calendarDate builds a month/day date. Without a year it picks the next
// occurrence on or after today.
func (p *phrase) calendarDate(match, rawYear string, month time.Month, day int, today time.Time) (time.Time, error) {
	if month < time.January || month > time.December {
		return time.Time{}, p.fail(ReasonInvalidDate, match)
	}
	year := today.Year()
	explicit := rawYear != ""
	if explicit {
		year, _ = strconv.Atoi(rawYear)
		if len(rawYear) == 2 {
			year += 2000
		}
	}
	date, ok := civil(year, month, day, today.Location())
	if !ok && !explicit && month == time.February && day == 29 {
		// Feb 29 rolls to the next leap year.
		for y := year + 1; y <= year+8 && !ok; y++ {
			date, ok = civil(y, month, day, today.Location())
		}
	}
	if !ok {
		return time.Time{}, p.fail(ReasonInvalidDate, match)
	}
	if !explicit && date.Before(today) {
		date, ok = civil(year+1, month, day, today.Location())
		if !ok {
			return time.Time{}, p.fail(ReasonInvalidDate, match)
		}
	}
	return date, nil
}

// civil returns midnight of the given date, rejecting overflow such as Feb 30.
func civil(y int, m time.Month, d int, loc *time.Location) (time.Time, bool) {
	t := time.Date(y, m, d, 0, 0, 0, 0, loc)
	if t.Year() != y || t.Month() != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addDays moves by calendar days, staying at midnight across DST changes.
func addDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, t.Location())
}

func atClock(day time.Time, hour, minute int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, day.Location())
}

// wallClock is atClock for a requested time. A clock reading skipped by a
// DST change does not exist and is rejected instead of normalized.
func wallClock(input string, day time.Time, hour, minute int) (time.Time, error) {
	t := atClock(day, hour, minute)
	if t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, &ParseError{
			Input:  input,
			Reason: ReasonInvalidTime,
			Detail: fmt.Sprintf("%02d:%02d does not exist on %s", hour, minute, day.Format(time.DateOnly)),
		}
	}
	return t, nil
}

func daysSinceMonday(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}
