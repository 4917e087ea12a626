package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/events"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/locks"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

var newYork, _ = time.LoadLocation("America/New_York")

// Wednesday 2026-02-11 08:00.
var testNow = time.Date(2026, 2, 11, 8, 0, 0, 0, newYork)

type recordedEvent struct {
	typ  string
	appt model.Appointment
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Publish(_ context.Context, typ string, appt model.Appointment) error {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{typ: typ, appt: appt})
	r.mu.Unlock()
	return nil
}

// noLock lets concurrent bookings race past the pre-write check.
type noLock struct{}

func (noLock) Lock(context.Context, ...string) (func(), error) { return func() {}, nil }

type fixture struct {
	gw  *calendar.MemoryGateway
	svc *Service
	pub *recorder
}

func newFixture(t *testing.T, locker locks.Locker) fixture {
	t.Helper()
	gw := calendar.NewMemoryGateway()
	engine := availability.NewEngine(gw, availability.Config{
		Hours:    availability.DefaultBusinessHours(),
		Location: newYork,
		Now:      func() time.Time { return testNow },
	}, nil, nil)
	pub := &recorder{}
	svc := New(gw, engine, locker, pub, Config{
		TypeDurations: map[string]time.Duration{"consultation": time.Hour},
	}, nil, nil)
	return fixture{gw: gw, svc: svc, pub: pub}
}

func tomorrowAt(hour, min int) time.Time {
	return time.Date(2026, 2, 12, hour, min, 0, 0, newYork)
}

func validRequest() Request {
	return Request{
		PatientName: "Jane Doe",
		Phone:       "(555) 123-4567",
		Start:       tomorrowAt(14, 0),
	}
}

func TestBook(t *testing.T) {
	f := newFixture(t, nil)
	appt, err := f.svc.Book(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.ID == "" || appt.Status != model.StatusScheduled || appt.ReminderSent {
		t.Fatalf("unexpected appointment %+v", appt)
	}
	if appt.Type != model.DefaultType || appt.Duration() != 30*time.Minute {
		t.Fatalf("expected default type and duration, got %s %s", appt.Type, appt.Duration())
	}
	stored, err := f.gw.GetEvent(context.Background(), appt.ID)
	if err != nil || stored.PatientName != "Jane Doe" {
		t.Fatalf("expected stored event, got %+v err=%v", stored, err)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].typ != events.TypeBooked {
		t.Fatalf("expected booked event, got %+v", f.pub.events)
	}
}

func TestBook_TypeDuration(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.Type = "Consultation"
	appt, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if appt.Duration() != time.Hour {
		t.Fatalf("expected 1h consultation, got %s", appt.Duration())
	}
}

func TestBook_IdempotentReplay(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.IdempotencyKey = "call-42"

	first, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	second, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new appointment: %s vs %s", first.ID, second.ID)
	}
	list, _ := f.gw.ListEvents(context.Background(), tomorrowAt(0, 0), tomorrowAt(23, 0))
	if len(list) != 1 {
		t.Fatalf("expected one event, got %d", len(list))
	}
}

func TestBook_SlotTaken(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Book(context.Background(), validRequest()); err != nil {
		t.Fatalf("book: %v", err)
	}
	req := validRequest()
	req.PatientName = "John Roe"
	req.Start = tomorrowAt(13, 30)
	req.End = tomorrowAt(14, 30)
	if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]func(*Request){
		"missing name":     func(r *Request) { r.PatientName = "  " },
		"short phone":      func(r *Request) { r.Phone = "12-34" },
		"bad email":        func(r *Request) { r.Email = "not-an-email" },
		"missing start":    func(r *Request) { r.Start = time.Time{} },
		"end before start": func(r *Request) { r.End = r.Start.Add(-time.Minute) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)
			if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestBook_InvalidSlot(t *testing.T) {
	f := newFixture(t, nil)
	req := validRequest()
	req.Start = tomorrowAt(18, 0)
	if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrInvalidSlot) {
		t.Fatalf("expected invalid slot, got %v", err)
	}
	req.Start = time.Date(2026, 2, 10, 10, 0, 0, 0, newYork)
	if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrInvalidSlot) {
		t.Fatalf("expected invalid slot for past start, got %v", err)
	}
}

func TestBook_ConcurrentExactlyOneWins(t *testing.T) {
	for _, tc := range []struct {
		name   string
		locker locks.Locker
	}{
		{"local lock", nil},
		{"no lock", noLock{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.locker)
			const n = 12
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					req := validRequest()
					req.PatientName = fmt.Sprintf("Patient %d", i)
					req.IdempotencyKey = fmt.Sprintf("key-%d", i)
					_, err := f.svc.Book(context.Background(), req)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						successes++
					case errors.Is(err, model.ErrConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			wg.Wait()
			if successes != 1 || conflicts != n-1 {
				t.Fatalf("expected exactly one success, got %d successes %d conflicts", successes, conflicts)
			}
			list, _ := f.gw.ListEvents(context.Background(), tomorrowAt(0, 0), tomorrowAt(23, 0))
			if len(list) != 1 {
				t.Fatalf("expected one surviving event, got %d", len(list))
			}
		})
	}
}

func TestBook_ExternalWriterWinsRace(t *testing.T) {
	f := newFixture(t, nil)
	var once sync.Once
	f.gw.BeforeCall = func(op string) error {
		if op == "events.insert" {
			once.Do(func() {
				f.gw.Put(model.Appointment{
					PatientName: "Walk In",
					Phone:       "5550000000",
					StartTime:   tomorrowAt(14, 0),
					EndTime:     tomorrowAt(14, 30),
				})
			})
		}
		return nil
	}

	req := validRequest()
	req.IdempotencyKey = "race"
	if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := f.gw.GetEvent(context.Background(), calendar.EventID("race")); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("losing booking should be withdrawn, got %v", err)
	}
	if len(f.pub.events) != 0 {
		t.Fatalf("no event should be published for a lost booking")
	}
}

func TestBook_ProviderUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.BeforeCall = func(string) error { return model.ErrProviderUnavailable }
	_, err := f.svc.Book(context.Background(), validRequest())
	if !errors.Is(err, model.ErrProviderUnavailable) || !model.Retryable(err) {
		t.Fatalf("expected retryable provider error, got %v", err)
	}
}
