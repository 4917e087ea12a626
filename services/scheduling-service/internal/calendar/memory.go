package calendar

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

// MemoryGateway is an in-process calendar with the same contract as the
// Google gateway. It backs local runs and tests.
type MemoryGateway struct {
	mu      sync.Mutex
	events  map[string]model.Appointment
	deleted map[string]bool
	// external holds busy time owned by other calendars or hand-made entries
	// that only show up in free/busy.
	external []model.Interval
	seq      int64
	now      func() time.Time

	// Fault hooks, consulted before every call when set.
	BeforeCall func(op string) error
	// AfterCreate runs after an event is stored, outside the lock.
	AfterCreate func(appt model.Appointment)
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		events:  map[string]model.Appointment{},
		deleted: map[string]bool{},
		now:     time.Now,
	}
}

// SetClock replaces the clock used for created/updated timestamps.
func (g *MemoryGateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// AddBusy registers busy time that is not an appointment.
func (g *MemoryGateway) AddBusy(iv model.Interval) {
	g.mu.Lock()
	g.external = append(g.external, iv)
	g.mu.Unlock()
}

// Put stores an event as an external writer would, bypassing booking rules.
func (g *MemoryGateway) Put(appt model.Appointment) model.Appointment {
	g.mu.Lock()
	defer g.mu.Unlock()
	if appt.ID == "" {
		appt.ID = EventID("")
	}
	if appt.Status == "" {
		appt.Status = model.StatusScheduled
	}
	g.stamp(&appt, true)
	if appt.SlotClaimedAt.IsZero() {
		appt.SlotClaimedAt = appt.CreatedAt
	}
	g.events[appt.ID] = appt
	return appt
}

func (g *MemoryGateway) hook(op string) error {
	if g.BeforeCall != nil {
		return g.BeforeCall(op)
	}
	return nil
}

func (g *MemoryGateway) stamp(a *model.Appointment, created bool) {
	g.seq++
	// Strictly increasing timestamps keep the overlap tie-break deterministic
	// even when the clock does not advance.
	ts := g.now().UTC().Add(time.Duration(g.seq) * time.Microsecond)
	if created {
		a.CreatedAt = ts
	}
	a.UpdatedAt = ts
	a.Version = strconv.FormatInt(g.seq, 10)
}

func (g *MemoryGateway) QueryFreeBusy(_ context.Context, start, end time.Time) ([]model.Interval, error) {
	if err := g.hook("freebusy.query"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	window := model.Interval{Start: start, End: end}
	var busy []model.Interval
	for _, iv := range g.external {
		if iv.Overlaps(window) {
			busy = append(busy, iv)
		}
	}
	for _, a := range g.events {
		if a.Status.Active() && a.Interval().Overlaps(window) {
			busy = append(busy, a.Interval())
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func (g *MemoryGateway) CreateEvent(_ context.Context, appt model.Appointment, idempotencyKey string) (model.Appointment, error) {
	if err := g.hook("events.insert"); err != nil {
		return model.Appointment{}, err
	}
	g.mu.Lock()
	appt.ID = EventID(idempotencyKey)
	if existing, ok := g.events[appt.ID]; ok {
		g.mu.Unlock()
		return existing, nil
	}
	if g.deleted[appt.ID] {
		g.mu.Unlock()
		return model.Appointment{}, fmt.Errorf("%w: event id %s was used by a deleted event", model.ErrConflict, appt.ID)
	}
	g.stamp(&appt, true)
	if appt.SlotClaimedAt.IsZero() {
		appt.SlotClaimedAt = appt.CreatedAt
	}
	g.events[appt.ID] = appt
	after := g.AfterCreate
	g.mu.Unlock()

	if after != nil {
		after(appt)
	}
	return appt, nil
}

func (g *MemoryGateway) GetEvent(_ context.Context, id string) (model.Appointment, error) {
	if err := g.hook("events.get"); err != nil {
		return model.Appointment{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.events[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (g *MemoryGateway) UpdateEvent(_ context.Context, id string, patch Patch) (model.Appointment, error) {
	if err := g.hook("events.patch"); err != nil {
		return model.Appointment{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.events[id]
	if !ok {
		return model.Appointment{}, model.ErrNotFound
	}
	if patch.IfVersion != "" && patch.IfVersion != a.Version {
		return model.Appointment{}, fmt.Errorf("%w: event changed since it was read", model.ErrConflict)
	}
	patch.apply(&a)
	g.stamp(&a, false)
	if patch.moves() && patch.SlotClaimedAt == nil {
		a.SlotClaimedAt = a.UpdatedAt
	}
	g.events[id] = a
	return a, nil
}

func (g *MemoryGateway) DeleteEvent(_ context.Context, id string) error {
	if err := g.hook("events.delete"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.events[id]; ok {
		delete(g.events, id)
		g.deleted[id] = true
	}
	return nil
}

func (g *MemoryGateway) ListEvents(_ context.Context, timeMin, timeMax time.Time) ([]model.Appointment, error) {
	if err := g.hook("events.list"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	window := model.Interval{Start: timeMin, End: timeMax}
	var out []model.Appointment
	for _, a := range g.events {
		if a.Interval().Overlaps(window) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// Owner reports a fixed account for local runs.
func (g *MemoryGateway) Owner(context.Context) (string, error) {
	return "local@callpilot.dev", nil
}
