// Package availability computes bookable slots from business hours and the
// calendar's busy time, and re-checks intervals around writes.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

const (
	DefaultGranularity = 30 * time.Minute
	DefaultMaxRange    = 31
)

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Config struct {
	Hours       BusinessHours
	Location    *time.Location
	Granularity time.Duration
	// MaxRangeDays bounds SlotsRange, both ends inclusive.
	MaxRangeDays int
	Now          func() time.Time
}

type Engine struct {
	gw      calendar.Gateway
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewEngine(gw calendar.Gateway, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = DefaultGranularity
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = DefaultMaxRange
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{gw: gw, cfg: cfg, logger: logger, metrics: m}
}

func (e *Engine) Location() *time.Location { return e.cfg.Location }

func (e *Engine) Granularity() time.Duration { return e.cfg.Granularity }

// Slots lists the free slots of one clinic day, ordered by start.
func (e *Engine) Slots(ctx context.Context, date time.Time, duration time.Duration) ([]Slot, error) {
	e.metrics.ObserveAvailability("day")
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidInput)
	}
	day := e.dayStart(date)
	windows := e.cfg.Hours.Windows(day)
	now := e.cfg.Now()
	if !hasFuture(windows, now, duration) {
		return []Slot{}, nil
	}
	busy, err := e.Busy(ctx, windows[0].Start, windows[len(windows)-1].End, "")
	if err != nil {
		return nil, err
	}
	return e.daySlots(windows, duration, busy, now), nil
}

// SlotsRange lists free slots for every day from startDate to endDate
// inclusive, keyed YYYY-MM-DD. Days without slots map to an empty list.
func (e *Engine) SlotsRange(ctx context.Context, startDate, endDate time.Time, duration time.Duration) (map[string][]Slot, error) {
	e.metrics.ObserveAvailability("range")
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidInput)
	}
	first, last := e.dayStart(startDate), e.dayStart(endDate)
	if last.Before(first) {
		return nil, fmt.Errorf("%w: range end is before its start", model.ErrInvalidInput)
	}
	days := []time.Time{first}
	for d := first; d.Before(last); {
		d = d.AddDate(0, 0, 1)
		days = append(days, d)
		if len(days) > e.cfg.MaxRangeDays {
			return nil, fmt.Errorf("%w: range spans more than %d days", model.ErrInvalidInput, e.cfg.MaxRangeDays)
		}
	}
	return e.slotsForDays(ctx, days, duration)
}

// SlotsForDates lists free slots for a set of individual dates using a single
// provider round trip over their span.
func (e *Engine) SlotsForDates(ctx context.Context, dates []time.Time, duration time.Duration) (map[string][]Slot, error) {
	e.metrics.ObserveAvailability("dates")
	if len(dates) == 0 {
		return nil, fmt.Errorf("%w: no dates given", model.ErrInvalidInput)
	}
	if duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", model.ErrInvalidInput)
	}
	days := make([]time.Time, 0, len(dates))
	first, last := e.dayStart(dates[0]), e.dayStart(dates[0])
	for _, d := range dates {
		day := e.dayStart(d)
		days = append(days, day)
		if day.Before(first) {
			first = day
		}
		if day.After(last) {
			last = day
		}
	}
	if span := int(last.Sub(first).Hours()/24) + 1; span > e.cfg.MaxRangeDays {
		return nil, fmt.Errorf("%w: dates span more than %d days", model.ErrInvalidInput, e.cfg.MaxRangeDays)
	}
	return e.slotsForDays(ctx, days, duration)
}

func (e *Engine) slotsForDays(ctx context.Context, days []time.Time, duration time.Duration) (map[string][]Slot, error) {
	now := e.cfg.Now()
	out := make(map[string][]Slot, len(days))
	var lo, hi time.Time
	for _, d := range days {
		out[d.Format(time.DateOnly)] = []Slot{}
		windows := e.cfg.Hours.Windows(d)
		if !hasFuture(windows, now, duration) {
			continue
		}
		if lo.IsZero() || windows[0].Start.Before(lo) {
			lo = windows[0].Start
		}
		if end := windows[len(windows)-1].End; end.After(hi) {
			hi = end
		}
	}
	if lo.IsZero() {
		return out, nil
	}
	busy, err := e.Busy(ctx, lo, hi, "")
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		out[d.Format(time.DateOnly)] = e.daySlots(e.cfg.Hours.Windows(d), duration, busy, now)
	}
	return out, nil
}

func (e *Engine) daySlots(windows []model.Interval, duration time.Duration, busy []model.Interval, now time.Time) []Slot {
	slots := []Slot{}
	for _, w := range windows {
		for _, start := range AvailableSlots(w.Start, w.End, duration, e.cfg.Granularity, busy, now) {
			slots = append(slots, Slot{Start: start, End: start.Add(duration)})
		}
	}
	return slots
}

// CheckSlot re-validates [start, end) against business hours and fresh busy
// time. excludeID names an appointment whose own interval does not count.
func (e *Engine) CheckSlot(ctx context.Context, start, end time.Time, excludeID string) error {
	if !end.After(start) {
		return fmt.Errorf("%w: end must be after start", model.ErrInvalidSlot)
	}
	if start.Before(e.cfg.Now()) {
		return fmt.Errorf("%w: start is in the past", model.ErrInvalidSlot)
	}
	local := start.In(e.cfg.Location)
	want := model.Interval{Start: start, End: end}
	var window model.Interval
	for _, w := range e.cfg.Hours.Windows(e.dayStart(local)) {
		if !w.Start.After(want.Start) && !w.End.Before(want.End) {
			window = w
			break
		}
	}
	if window.Start.IsZero() {
		return fmt.Errorf("%w: %s is outside business hours", model.ErrInvalidSlot, local.Format("Mon Jan 2 15:04"))
	}
	if start.Sub(window.Start)%e.cfg.Granularity != 0 {
		return fmt.Errorf("%w: start must align to %s steps from %s", model.ErrInvalidSlot,
			e.cfg.Granularity, window.Start.Format("15:04"))
	}
	busy, err := e.Busy(ctx, start, end, excludeID)
	if err != nil {
		return err
	}
	if overlapsAny(want, busy) {
		return fmt.Errorf("%w: %s is already taken", model.ErrConflict, local.Format("Mon Jan 2 15:04"))
	}
	return nil
}

// Busy returns the busy time intersecting [start, end). Free/busy and the
// event list are fetched concurrently. Every non-canceled listed event is
// busy, except excludeID whose own interval is also cut from free/busy.
func (e *Engine) Busy(ctx context.Context, start, end time.Time, excludeID string) ([]model.Interval, error) {
	var (
		freeBusy []model.Interval
		events   []model.Appointment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		freeBusy, err = e.gw.QueryFreeBusy(gctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = e.gw.ListEvents(gctx, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("busy time: %w", err)
	}

	busy := freeBusy
	var listed []model.Interval
	for _, ev := range events {
		if ev.ID == excludeID {
			busy = subtract(busy, ev.Interval())
			continue
		}
		if ev.Status.Active() {
			listed = append(listed, ev.Interval())
		}
	}
	return append(busy, listed...), nil
}

// VerifyWrite runs after appt was written. When another non-canceled event
// overlaps it, the one that claimed its slot first keeps the time (smaller
// id on a tie) and ErrConflict reports that appt lost.
func (e *Engine) VerifyWrite(ctx context.Context, appt model.Appointment) error {
	events, err := e.gw.ListEvents(ctx, appt.StartTime, appt.EndTime)
	if err != nil {
		return fmt.Errorf("verify write: %w", err)
	}
	for _, other := range events {
		if other.ID == appt.ID || !other.Status.Active() || !other.Interval().Overlaps(appt.Interval()) {
			continue
		}
		if wins(other, appt) {
			e.logger.Warn("overlapping write detected", "appointment_id", appt.ID, "winner_id", other.ID)
			return fmt.Errorf("%w: overlaps appointment %s", model.ErrConflict, other.ID)
		}
	}
	return nil
}

func wins(a, b model.Appointment) bool {
	ca, cb := claimedAt(a), claimedAt(b)
	if !ca.Equal(cb) {
		return ca.Before(cb)
	}
	return a.ID < b.ID
}

// claimedAt falls back to creation time for events this service did not write.
func claimedAt(a model.Appointment) time.Time {
	if !a.SlotClaimedAt.IsZero() {
		return a.SlotClaimedAt
	}
	return a.CreatedAt
}

func (e *Engine) dayStart(t time.Time) time.Time {
	y, m, d := t.In(e.cfg.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.cfg.Location)
}

func hasFuture(windows []model.Interval, now time.Time, duration time.Duration) bool {
	for _, w := range windows {
		if !w.End.Add(-duration).Before(now) {
			return true
		}
	}
	return false
}
