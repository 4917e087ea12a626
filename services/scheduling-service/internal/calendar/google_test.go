package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

type stubTokens struct {
	refreshes atomic.Int32
	err       error
}

func (s *stubTokens) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

func (s *stubTokens) Refresh(context.Context) (*oauth2.Token, error) {
	s.refreshes.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.Token()
}

// fakeCalendarAPI answers the handful of Calendar v3 routes the gateway uses.
type fakeCalendarAPI struct {
	mu     sync.Mutex
	events map[string]*gcal.Event
	// failures pops one status code per request for the matching route key.
	failures map[string][]int
	calls    map[string]int
}

func newFakeCalendarAPI() *fakeCalendarAPI {
	return &fakeCalendarAPI{events: map[string]*gcal.Event{}, failures: map[string][]int{}, calls: map[string]int{}}
}

func (f *fakeCalendarAPI) fail(route string, codes ...int) {
	f.mu.Lock()
	f.failures[route] = append(f.failures[route], codes...)
	f.mu.Unlock()
}

func (f *fakeCalendarAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	route := r.Method + " " + path
	if strings.HasPrefix(path, "calendars/primary/events/") {
		route = r.Method + " event"
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[route]++
	if codes := f.failures[route]; len(codes) > 0 {
		f.failures[route] = codes[1:]
		writeAPIError(w, codes[0])
		return
	}

	switch {
	case route == "POST freeBusy":
		_ = json.NewEncoder(w).Encode(map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"busy": []map[string]string{{"start": "2026-03-02T14:00:00Z", "end": "2026-03-02T14:30:00Z"}},
				},
			},
		})
	case route == "POST calendars/primary/events":
		var ev gcal.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		if _, ok := f.events[ev.Id]; ok {
			writeAPIError(w, http.StatusConflict)
			return
		}
		ev.Etag = `"1"`
		ev.Created = "2026-03-01T10:00:00Z"
		ev.Updated = "2026-03-01T10:00:00Z"
		f.events[ev.Id] = &ev
		_ = json.NewEncoder(w).Encode(&ev)
	case route == "GET calendars/primary/events":
		items := []*gcal.Event{
			{Id: "allday", Start: &gcal.EventDateTime{Date: "2026-03-02"}, End: &gcal.EventDateTime{Date: "2026-03-03"}},
			{Id: "gone", Status: "cancelled", Start: &gcal.EventDateTime{DateTime: "2026-03-02T09:00:00Z"}, End: &gcal.EventDateTime{DateTime: "2026-03-02T09:30:00Z"}},
		}
		for _, ev := range f.events {
			items = append(items, ev)
		}
		_ = json.NewEncoder(w).Encode(&gcal.Events{Items: items})
	case route == "GET event":
		id := strings.TrimPrefix(path, "calendars/primary/events/")
		ev, ok := f.events[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(ev)
	case route == "PATCH event":
		id := strings.TrimPrefix(path, "calendars/primary/events/")
		ev, ok := f.events[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound)
			return
		}
		if m := r.Header.Get("If-Match"); m != "" && m != ev.Etag {
			writeAPIError(w, http.StatusPreconditionFailed)
			return
		}
		var body gcal.Event
		_ = json.NewDecoder(r.Body).Decode(&body)
		ev.Description = body.Description
		ev.Summary = body.Summary
		ev.Start, ev.End = body.Start, body.End
		ev.Transparency = body.Transparency
		ev.Etag = `"2"`
		ev.Updated = "2026-03-01T11:00:00Z"
		_ = json.NewEncoder(w).Encode(ev)
	case route == "DELETE event":
		id := strings.TrimPrefix(path, "calendars/primary/events/")
		if _, ok := f.events[id]; !ok {
			writeAPIError(w, http.StatusGone)
			return
		}
		delete(f.events, id)
		w.WriteHeader(http.StatusNoContent)
	case route == "GET calendars/primary":
		_ = json.NewEncoder(w).Encode(&gcal.Calendar{Id: "clinic@example.com"})
	default:
		writeAPIError(w, http.StatusNotFound)
	}
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": http.StatusText(code)},
	})
}

func newTestGateway(t *testing.T, api *fakeCalendarAPI, tokens TokenSource) *GoogleGateway {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	gw, err := NewGoogleGateway(context.Background(), tokens, GoogleConfig{
		TimeZone:    "UTC",
		CallTimeout: 2 * time.Second,
		BaseBackoff: time.Millisecond,
		Endpoint:    srv.URL + "/",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatalf("NewGoogleGateway: %v", err)
	}
	return gw
}

func sampleAppointment() model.Appointment {
	start := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return model.Appointment{
		PatientName: "Jane Doe",
		Phone:       "5550100",
		Type:        "checkup",
		StartTime:   start,
		EndTime:     start.Add(30 * time.Minute),
		Status:      model.StatusScheduled,
	}
}

func TestGoogleCreateIsIdempotentPerKey(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, &stubTokens{})

	first, err := gw.CreateEvent(context.Background(), sampleAppointment(), "call-42")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := gw.CreateEvent(context.Background(), sampleAppointment(), "call-42")
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if first.ID != second.ID || len(api.events) != 1 {
		t.Fatalf("expected one event, got ids %s/%s and %d events", first.ID, second.ID, len(api.events))
	}
	if second.PatientName != "Jane Doe" || second.Status != model.StatusScheduled || second.ReminderSent {
		t.Fatalf("metadata not decoded: %+v", second)
	}
}

func TestGoogleRefreshesOnceOn401(t *testing.T) {
	api := newFakeCalendarAPI()
	tokens := &stubTokens{}
	gw := newTestGateway(t, api, tokens)
	created, err := gw.CreateEvent(context.Background(), sampleAppointment(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	api.fail("GET event", http.StatusUnauthorized)
	if _, err := gw.GetEvent(context.Background(), created.ID); err != nil {
		t.Fatalf("expected success after refresh, got %v", err)
	}
	if tokens.refreshes.Load() != 1 {
		t.Fatalf("expected 1 refresh, got %d", tokens.refreshes.Load())
	}

	api.fail("GET event", http.StatusUnauthorized, http.StatusUnauthorized)
	_, err = gw.GetEvent(context.Background(), created.ID)
	if !errors.Is(err, model.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
	if tokens.refreshes.Load() != 2 {
		t.Fatalf("expected a single refresh for the second call, got %d total", tokens.refreshes.Load())
	}
}

func TestGoogleRefreshFailureIsAuthExpired(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, &stubTokens{err: model.ErrAuthExpired})
	api.fail("GET event", http.StatusUnauthorized)
	if _, err := gw.GetEvent(context.Background(), "abc"); !errors.Is(err, model.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

func TestGoogleRetriesTransientFailures(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, &stubTokens{})

	api.fail("POST freeBusy", http.StatusServiceUnavailable, http.StatusTooManyRequests)
	busy, err := gw.QueryFreeBusy(context.Background(),
		time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(busy) != 1 || busy[0].Start.Hour() != 14 {
		t.Fatalf("unexpected busy %+v", busy)
	}
	if api.calls["POST freeBusy"] != 3 {
		t.Fatalf("expected 3 attempts, got %d", api.calls["POST freeBusy"])
	}

	api.fail("POST freeBusy", 500, 502, 503)
	_, err = gw.QueryFreeBusy(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if !errors.Is(err, model.ErrProviderUnavailable) || !model.Retryable(err) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestGoogleErrorMapping(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, &stubTokens{})
	ctx := context.Background()

	if _, err := gw.GetEvent(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if api.calls["GET event"] != 1 {
		t.Fatalf("not found must not be retried, got %d calls", api.calls["GET event"])
	}

	created, err := gw.CreateEvent(ctx, sampleAppointment(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	status := model.StatusCanceled
	if _, err := gw.UpdateEvent(ctx, created.ID, Patch{Status: &status, IfVersion: `"stale"`}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}

	api.fail("PATCH event", http.StatusPreconditionFailed)
	if _, err := gw.UpdateEvent(ctx, created.ID, Patch{Status: &status}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict for 412, got %v", err)
	}

	updated, err := gw.UpdateEvent(ctx, created.ID, Patch{Status: &status, IfVersion: created.Version})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != model.StatusCanceled || api.events[created.ID].Transparency != "transparent" {
		t.Fatalf("expected canceled transparent event, got %+v", updated)
	}
	if created.SlotClaimedAt.IsZero() || !updated.SlotClaimedAt.Equal(created.SlotClaimedAt) {
		t.Fatalf("status write changed the slot claim: %s -> %s", created.SlotClaimedAt, updated.SlotClaimedAt)
	}

	if err := gw.DeleteEvent(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := gw.DeleteEvent(ctx, created.ID); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestGoogleListSkipsAllDayAndDeleted(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, &stubTokens{})
	ctx := context.Background()
	if _, err := gw.CreateEvent(ctx, sampleAppointment(), "k1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	events, err := gw.ListEvents(ctx, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].PatientName != "Jane Doe" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].UpdatedAt.IsZero() {
		t.Fatal("expected updated timestamp")
	}

	owner, err := gw.Owner(ctx)
	if err != nil || owner != "clinic@example.com" {
		t.Fatalf("unexpected owner %q (err=%v)", owner, err)
	}
}

func TestGoogleNotConnectedIsPermanent(t *testing.T) {
	api := newFakeCalendarAPI()
	gw := newTestGateway(t, api, notConnectedTokens{})
	if _, err := gw.GetEvent(context.Background(), "abc"); !errors.Is(err, model.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if api.calls["GET event"] != 0 {
		t.Fatal("request must not reach the provider without a token")
	}
}

type notConnectedTokens struct{}

func (notConnectedTokens) Token() (*oauth2.Token, error) { return nil, model.ErrNotConnected }
func (notConnectedTokens) Refresh(context.Context) (*oauth2.Token, error) {
	return nil, model.ErrNotConnected
}

func TestEventIDDeterministic(t *testing.T) {
	if EventID("abc") != EventID("abc") {
		t.Fatal("expected stable id per key")
	}
	if EventID("") == EventID("") {
		t.Fatal("expected random ids without a key")
	}
	for _, c := range EventID("abc") {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("invalid id character %q", c)
		}
	}
}
