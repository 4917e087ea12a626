package availability

import (
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

// AvailableSlots returns start times in [windowStart, windowEnd), stepping by
// step from windowStart, where a booking of length duration fits inside the
// window, starts no earlier than now and overlaps no busy interval.
func AvailableSlots(windowStart, windowEnd time.Time, duration, step time.Duration, busy []model.Interval, now time.Time) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) || windowStart.Add(duration).After(windowEnd) {
		return nil
	}

	var slots []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		if t.Before(now) {
			continue
		}
		if !overlapsAny(model.Interval{Start: t, End: t.Add(duration)}, busy) {
			slots = append(slots, t)
		}
	}
	return slots
}

func overlapsAny(iv model.Interval, busy []model.Interval) bool {
	for _, b := range busy {
		if iv.Overlaps(b) {
			return true
		}
	}
	return false
}

// subtract removes cut from every interval, splitting where needed.
func subtract(intervals []model.Interval, cut model.Interval) []model.Interval {
	out := make([]model.Interval, 0, len(intervals))
	for _, iv := range intervals {
		if !iv.Overlaps(cut) {
			out = append(out, iv)
			continue
		}
		if iv.Start.Before(cut.Start) {
			out = append(out, model.Interval{Start: iv.Start, End: cut.Start})
		}
		if iv.End.After(cut.End) {
			out = append(out, model.Interval{Start: cut.End, End: iv.End})
		}
	}
	return out
}
