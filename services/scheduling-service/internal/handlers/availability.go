package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/callpilot/callpilot/libs/httpx"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/dateparse"
)

type slotJSON struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Display string    `json:"display"`
}

type dayAvailability struct {
	Date     string     `json:"date"`
	Timezone string     `json:"timezone"`
	Duration int        `json:"duration_minutes"`
	Slots    []slotJSON `json:"slots"`
}

type rangeAvailability struct {
	Timezone string                `json:"timezone"`
	Duration int                   `json:"duration_minutes"`
	Days     map[string][]slotJSON `json:"days"`
}

// duration reads ?duration= (minutes or Go syntax), falling back to the
// length of ?type=.
func (a *API) duration(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("duration"))
	if raw == "" {
		if a.Booking != nil {
			return a.Booking.DurationFor(r.URL.Query().Get("type")), nil
		}
		return 30 * time.Minute, nil
	}
	if mins, err := strconv.Atoi(raw); err == nil && mins > 0 {
		return time.Duration(mins) * time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, invalidf("duration must be a positive number of minutes")
	}
	return d, nil
}

func (a *API) slotsJSON(slots []availability.Slot) []slotJSON {
	out := make([]slotJSON, 0, len(slots))
	for _, s := range slots {
		start := s.Start.In(a.Location)
		out = append(out, slotJSON{
			Start:   start,
			End:     s.End.In(a.Location),
			Display: start.Format("3:04 PM"),
		})
	}
	return out
}

// availabilityDay serves GET /availability?date=. The date may be natural
// language; a part of day such as "tomorrow afternoon" narrows the slots.
func (a *API) availabilityDay(w http.ResponseWriter, r *http.Request) {
	text := strings.TrimSpace(r.URL.Query().Get("date"))
	if text == "" {
		a.writeErr(w, r, invalidf("date is required"))
		return
	}
	d, err := a.duration(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	res, err := dateparse.Resolve(text, a.Now(), a.Location)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if multiDay(res) {
		a.writeRange(w, r, res.Start, res.End.Add(-time.Nanosecond), d)
		return
	}

	slots, err := a.Availability.Slots(r.Context(), res.Day(), d)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	if res.Kind == dateparse.KindRange {
		slots = within(slots, res.Start, res.End)
	}
	httpx.WriteJSON(w, http.StatusOK, dayAvailability{
		Date:     res.Day().Format(time.DateOnly),
		Timezone: a.Location.String(),
		Duration: int(d.Minutes()),
		Slots:    a.slotsJSON(slots),
	})
}

// multiDay compares calendar dates; a day is not always 24 hours long.
func multiDay(res dateparse.Resolution) bool {
	if res.Kind != dateparse.KindRange {
		return false
	}
	y1, m1, d1 := res.Start.Date()
	y2, m2, d2 := res.End.Add(-time.Nanosecond).Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func within(slots []availability.Slot, from, to time.Time) []availability.Slot {
	out := slots[:0:0]
	for _, s := range slots {
		if !s.Start.Before(from) && !s.Start.After(to.Add(-time.Nanosecond)) {
			out = append(out, s)
		}
	}
	return out
}

// availabilityRange serves GET /availability-range?start=&end= or ?dates=a,b.
func (a *API) availabilityRange(w http.ResponseWriter, r *http.Request) {
	d, err := a.duration(r)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	q := r.URL.Query()
	now := a.Now()

	if raw := strings.TrimSpace(q.Get("dates")); raw != "" {
		var dates []time.Time
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			res, err := dateparse.Resolve(part, now, a.Location)
			if err != nil {
				a.writeErr(w, r, err)
				return
			}
			dates = append(dates, res.Day())
		}
		days, err := a.Availability.SlotsForDates(r.Context(), dates, d)
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		a.writeDays(w, days, d)
		return
	}

	startText := strings.TrimSpace(q.Get("start"))
	if startText == "" {
		a.writeErr(w, r, invalidf("start or dates is required"))
		return
	}
	start, err := dateparse.Resolve(startText, now, a.Location)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	last := start.End.Add(-time.Nanosecond)
	if start.Kind == dateparse.KindInstant {
		last = start.Start
	}
	if endText := strings.TrimSpace(q.Get("end")); endText != "" {
		end, err := dateparse.Resolve(endText, now, a.Location)
		if err != nil {
			a.writeErr(w, r, err)
			return
		}
		last = end.Day()
	}
	a.writeRange(w, r, start.Day(), last, d)
}

func (a *API) writeRange(w http.ResponseWriter, r *http.Request, first, last time.Time, d time.Duration) {
	days, err := a.Availability.SlotsRange(r.Context(), first, last, d)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	a.writeDays(w, days, d)
}

func (a *API) writeDays(w http.ResponseWriter, days map[string][]availability.Slot, d time.Duration) {
	out := rangeAvailability{
		Timezone: a.Location.String(),
		Duration: int(d.Minutes()),
		Days:     make(map[string][]slotJSON, len(days)),
	}
	for day, slots := range days {
		out.Days[day] = a.slotsJSON(slots)
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

type resolveResponse struct {
	Input    string    `json:"input"`
	Kind     string    `json:"kind"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone"`
	Display  string    `json:"display"`
}

// resolve exposes the date resolver to the voice tool layer.
func (a *API) resolve(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	res, err := dateparse.Resolve(text, a.Now(), a.Location)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	display := res.Start.Format("Monday, January 2")
	if res.Kind == dateparse.KindInstant {
		display += " at " + res.Start.Format("3:04 PM")
	}
	httpx.WriteJSON(w, http.StatusOK, resolveResponse{
		Input:    text,
		Kind:     string(res.Kind),
		Start:    res.Start,
		End:      res.End,
		Timezone: a.Location.String(),
		Display:  display,
	})
}
