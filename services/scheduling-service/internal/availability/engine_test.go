package availability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

var newYork = mustLoad("America/New_York")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Wednesday 2026-02-11 08:00 in the clinic timezone.
var testNow = time.Date(2026, 2, 11, 8, 0, 0, 0, newYork)

func newTestEngine(gw calendar.Gateway) *Engine {
	return NewEngine(gw, Config{
		Hours:    DefaultBusinessHours(),
		Location: newYork,
		Now:      func() time.Time { return testNow },
	}, nil, nil)
}

func at(day time.Time, hour, min int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, min, 0, 0, newYork)
}

func book(gw *calendar.MemoryGateway, start time.Time, d time.Duration) model.Appointment {
	return gw.Put(model.Appointment{PatientName: "Jane", Phone: "5551234567", StartTime: start, EndTime: start.Add(d)})
}

func containsStart(slots []Slot, t time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(t) {
			return true
		}
	}
	return false
}

func TestSlots_BookedHalfHourIsExcluded(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	book(gw, at(day, 14, 0), 30*time.Minute)

	slots, err := newTestEngine(gw).Slots(context.Background(), day, 30*time.Minute)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 15 {
		t.Fatalf("expected 15 slots, got %d", len(slots))
	}
	if containsStart(slots, at(day, 14, 0)) {
		t.Fatalf("14:00 should be unavailable")
	}
	for _, want := range []time.Time{at(day, 13, 30), at(day, 14, 30)} {
		if !containsStart(slots, want) {
			t.Fatalf("expected %s to be available", want.Format("15:04"))
		}
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i].Start.After(slots[i-1].Start) {
			t.Fatalf("slots not ordered at %d", i)
		}
	}
}

func TestSlots_PastDateIsEmptyWithoutProviderCall(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	gw.BeforeCall = func(op string) error {
		t.Fatalf("unexpected provider call %s", op)
		return nil
	}
	slots, err := newTestEngine(gw).Slots(context.Background(), testNow.AddDate(0, 0, -2), 30*time.Minute)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestSlots_TodaySkipsElapsedTime(t *testing.T) {
	engine := newTestEngine(calendar.NewMemoryGateway())
	engine.cfg.Now = func() time.Time { return at(testNow, 15, 10) }
	slots, err := engine.Slots(context.Background(), testNow, 30*time.Minute)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 3 || !slots[0].Start.Equal(at(testNow, 15, 30)) {
		t.Fatalf("expected 15:30, 16:00, 16:30; got %v", slots)
	}
}

func TestSlots_ExternalBusyAndCanceled(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	gw.AddBusy(model.Interval{Start: at(day, 9, 0), End: at(day, 10, 0)})
	canceled := book(gw, at(day, 11, 0), 30*time.Minute)
	status := model.StatusCanceled
	if _, err := gw.UpdateEvent(context.Background(), canceled.ID, calendar.Patch{Status: &status}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	slots, err := newTestEngine(gw).Slots(context.Background(), day, 30*time.Minute)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if containsStart(slots, at(day, 9, 0)) || containsStart(slots, at(day, 9, 30)) {
		t.Fatalf("external busy time should be excluded")
	}
	if !containsStart(slots, at(day, 11, 0)) {
		t.Fatalf("canceled appointment should free its slot")
	}
}

func TestSlots_Weekend(t *testing.T) {
	saturday := time.Date(2026, 2, 14, 0, 0, 0, 0, newYork)
	slots, err := newTestEngine(calendar.NewMemoryGateway()).Slots(context.Background(), saturday, 30*time.Minute)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) != 0 {
		t.Fatalf("expected closed saturday, got %d slots", len(slots))
	}
}

func TestSlotsRange(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	gw.BeforeCall = func(op string) error {
		mu.Lock()
		calls[op]++
		mu.Unlock()
		return nil
	}
	thursday := testNow.AddDate(0, 0, 1)
	book(gw, at(thursday, 9, 0), time.Hour)

	engine := newTestEngine(gw)
	// Wed through Sun.
	got, err := engine.SlotsRange(context.Background(), testNow, testNow.AddDate(0, 0, 4), time.Hour)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 days, got %d", len(got))
	}
	// 15 hourly starts from 09:00 to 16:00, minus 09:00 and 09:30.
	if n := len(got["2026-02-12"]); n != 13 {
		t.Fatalf("expected 13 hour-long slots thursday, got %d", n)
	}
	if n := len(got["2026-02-14"]); n != 0 {
		t.Fatalf("expected saturday empty, got %d", n)
	}
	if calls["freebusy.query"] != 1 || calls["events.list"] != 1 {
		t.Fatalf("expected one free/busy and one list call, got %v", calls)
	}
}

func TestSlotsRange_Limits(t *testing.T) {
	engine := newTestEngine(calendar.NewMemoryGateway())
	if _, err := engine.SlotsRange(context.Background(), testNow, testNow.AddDate(0, 0, 31), time.Hour); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input for 32 days, got %v", err)
	}
	if _, err := engine.SlotsRange(context.Background(), testNow, testNow.AddDate(0, 0, 30), time.Hour); err != nil {
		t.Fatalf("31 days should be allowed: %v", err)
	}
	if _, err := engine.SlotsRange(context.Background(), testNow, testNow.AddDate(0, 0, -1), time.Hour); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("expected invalid input for reversed range, got %v", err)
	}
}

func TestSlotsForDates(t *testing.T) {
	engine := newTestEngine(calendar.NewMemoryGateway())
	got, err := engine.SlotsForDates(context.Background(), []time.Time{testNow.AddDate(0, 0, 2), testNow.AddDate(0, 0, 1)}, 30*time.Minute)
	if err != nil {
		t.Fatalf("dates: %v", err)
	}
	if len(got) != 2 || len(got["2026-02-13"]) != 16 {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestCheckSlot(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	existing := book(gw, at(day, 14, 0), 30*time.Minute)
	engine := newTestEngine(gw)
	ctx := context.Background()

	cases := []struct {
		name       string
		start, end time.Time
		exclude    string
		want       error
	}{
		{"free", at(day, 10, 0), at(day, 10, 30), "", nil},
		{"busy", at(day, 14, 0), at(day, 14, 30), "", model.ErrConflict},
		{"partial overlap", at(day, 13, 30), at(day, 14, 30), "", model.ErrConflict},
		{"own interval excluded", at(day, 14, 0), at(day, 15, 0), existing.ID, nil},
		{"past", at(testNow, 7, 0), at(testNow, 7, 30), "", model.ErrInvalidSlot},
		{"misaligned", at(day, 10, 15), at(day, 10, 45), "", model.ErrInvalidSlot},
		{"after hours", at(day, 16, 30), at(day, 17, 30), "", model.ErrInvalidSlot},
		{"zero length", at(day, 10, 0), at(day, 10, 0), "", model.ErrInvalidSlot},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.CheckSlot(ctx, tc.start, tc.end, tc.exclude)
			if tc.want == nil && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckSlot_ProviderFailure(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	gw.BeforeCall = func(string) error { return model.ErrProviderUnavailable }
	day := testNow.AddDate(0, 0, 1)
	err := newTestEngine(gw).CheckSlot(context.Background(), at(day, 10, 0), at(day, 10, 30), "")
	if !errors.Is(err, model.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
}

func TestVerifyWrite_EarlierWriteWins(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	first := book(gw, at(day, 10, 0), 30*time.Minute)
	second := book(gw, at(day, 10, 0), 30*time.Minute)
	engine := newTestEngine(gw)

	if err := engine.VerifyWrite(context.Background(), first); err != nil {
		t.Fatalf("first write should win: %v", err)
	}
	if err := engine.VerifyWrite(context.Background(), second); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("second write should lose, got %v", err)
	}
}

func TestVerifyWrite_StatusWriteKeepsClaim(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	first := book(gw, at(day, 10, 0), 30*time.Minute)
	second := book(gw, at(day, 10, 0), 30*time.Minute)
	engine := newTestEngine(gw)

	confirmed := model.StatusConfirmed
	sent := true
	first, err := gw.UpdateEvent(context.Background(), first.ID, calendar.Patch{Status: &confirmed, ReminderSent: &sent})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !first.UpdatedAt.After(second.UpdatedAt) {
		t.Fatalf("expected the confirm write to be the latest update")
	}

	if err := engine.VerifyWrite(context.Background(), second); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("second write should still lose, got %v", err)
	}
	if err := engine.VerifyWrite(context.Background(), first); err != nil {
		t.Fatalf("first claim should still win: %v", err)
	}
}

func TestVerifyWrite_MoveReclaims(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	mover := book(gw, at(day, 9, 0), 30*time.Minute)
	holder := book(gw, at(day, 10, 0), 30*time.Minute)

	start, end := at(day, 10, 0), at(day, 10, 30)
	moved, err := gw.UpdateEvent(context.Background(), mover.ID, calendar.Patch{StartTime: &start, EndTime: &end})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !moved.SlotClaimedAt.After(holder.SlotClaimedAt) {
		t.Fatalf("moving should claim the new slot now")
	}
	if err := newTestEngine(gw).VerifyWrite(context.Background(), moved); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("moved event should lose to the holder, got %v", err)
	}
}

func TestVerifyWrite_IgnoresCanceledAndAdjacent(t *testing.T) {
	gw := calendar.NewMemoryGateway()
	day := testNow.AddDate(0, 0, 1)
	old := book(gw, at(day, 10, 0), 30*time.Minute)
	status := model.StatusCanceled
	if _, err := gw.UpdateEvent(context.Background(), old.ID, calendar.Patch{Status: &status}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	book(gw, at(day, 10, 30), 30*time.Minute)
	mine := book(gw, at(day, 10, 0), 30*time.Minute)

	if err := newTestEngine(gw).VerifyWrite(context.Background(), mine); err != nil {
		t.Fatalf("expected no conflict, got %v", err)
	}
}
