package dateparse

import (
	"errors"
	"testing"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

func clinicTZ(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

// Wednesday, February 11 2026, 10:00 in the clinic timezone.
func referenceNow(loc *time.Location) time.Time {
	return time.Date(2026, 2, 11, 10, 0, 0, 0, loc)
}

func TestResolveDays(t *testing.T) {
	loc := clinicTZ(t)
	now := referenceNow(loc)
	day := func(m time.Month, d int, y int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, loc) }

	cases := []struct {
		in    string
		start time.Time
		days  int
	}{
		{"today", day(2, 11, 2026), 1},
		{"tomorrow", day(2, 12, 2026), 1},
		{"the day after tomorrow", day(2, 13, 2026), 1},
		{"Wednesday", day(2, 11, 2026), 1},
		{"this Friday", day(2, 13, 2026), 1},
		{"next Tuesday", day(2, 17, 2026), 1},
		{"next Wednesday", day(2, 18, 2026), 1},
		{"Feb 11 2026", day(2, 11, 2026), 1},
		{"February 11, 2026", day(2, 11, 2026), 1},
		{"11 Feb 2026", day(2, 11, 2026), 1},
		{"2/11/2026", day(2, 11, 2026), 1},
		{"2026-02-11", day(2, 11, 2026), 1},
		{"March 3rd", day(3, 3, 2026), 1},
		{"Feb 10", day(2, 10, 2027), 1},
		{"in 3 days", day(2, 14, 2026), 1},
		{"in two weeks", day(2, 25, 2026), 1},
		{"in 52 weeks", day(2, 10, 2027), 1},
		{"in 366 days", day(2, 12, 2027), 1},
		{"Tuesday, Feb 17 2026", day(2, 17, 2026), 1},
		{"next week", day(2, 16, 2026), 7},
		{"this week", day(2, 11, 2026), 5},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			res, err := Resolve(tc.in, now, loc)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tc.in, err)
			}
			if res.Kind != KindRange {
				t.Fatalf("expected range, got %s", res.Kind)
			}
			if !res.Start.Equal(tc.start) {
				t.Fatalf("start: got %s want %s", res.Start, tc.start)
			}
			wantEnd := time.Date(tc.start.Year(), tc.start.Month(), tc.start.Day()+tc.days, 0, 0, 0, 0, loc)
			if !res.End.Equal(wantEnd) {
				t.Fatalf("end: got %s want %s", res.End, wantEnd)
			}
		})
	}
}

func TestResolveInstants(t *testing.T) {
	loc := clinicTZ(t)
	now := referenceNow(loc)
	at := func(m time.Month, d, h, min int) time.Time { return time.Date(2026, m, d, h, min, 0, 0, loc) }

	cases := []struct {
		in   string
		want time.Time
	}{
		{"tomorrow at 2 PM", at(2, 12, 14, 0)},
		{"tomorrow at 2pm", at(2, 12, 14, 0)},
		{"next Tuesday 10:30am", at(2, 17, 10, 30)},
		{"Feb 12 2026 at noon", at(2, 12, 12, 0)},
		{"Feb 12, 2026 at 2:30 p.m.", at(2, 12, 14, 30)},
		{"2026-02-13 14:00", at(2, 13, 14, 0)},
		{"friday at 9 in the morning", at(2, 13, 9, 0)},
		{"tomorrow at 3 in the afternoon", at(2, 12, 15, 0)},
		{"tonight at 7", at(2, 11, 19, 0)},
		{"12th of March at 11am", at(3, 12, 11, 0)},
		{"2026-02-12T15:30:00-05:00", at(2, 12, 15, 30)},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			res, err := Resolve(tc.in, now, loc)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tc.in, err)
			}
			if res.Kind != KindInstant || !res.Start.Equal(tc.want) {
				t.Fatalf("got %s %s, want instant %s", res.Kind, res.Start, tc.want)
			}
		})
	}
}

func TestResolveDayPart(t *testing.T) {
	loc := clinicTZ(t)
	res, err := Resolve("tomorrow morning", referenceNow(loc), loc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Kind != KindRange || res.Start.Hour() != 8 || res.End.Hour() != 12 || res.Start.Day() != 12 {
		t.Fatalf("unexpected range %s - %s", res.Start, res.End)
	}
}

func TestResolveFailures(t *testing.T) {
	loc := clinicTZ(t)
	now := referenceNow(loc)
	cases := []struct {
		in     string
		reason string
	}{
		{"", ReasonEmpty},
		{"   ", ReasonEmpty},
		{"sometime soon", ReasonUnrecognized},
		{"next", ReasonUnrecognized},
		{"tomorrow at 2", ReasonAmbiguous},
		{"2 PM", ReasonAmbiguous},
		{"tomorrow at 3:30", ReasonAmbiguous},
		{"tomorrow friday", ReasonAmbiguous},
		{"Monday Feb 17 2026", ReasonAmbiguous},
		{"tomorrow at 2pm and 4pm", ReasonAmbiguous},
		{"tomorrow morning at 4pm", ReasonAmbiguous},
		{"Feb 30 2026", ReasonInvalidDate},
		{"13/45/2026", ReasonInvalidDate},
		{"tomorrow at 13pm", ReasonInvalidTime},
		{"in 99999999999999999999 days", ReasonInvalidDate},
		{"in 9999999999999999 weeks", ReasonInvalidDate},
		{"in 2635249153387078803 weeks", ReasonInvalidDate},
		{"in 367 days", ReasonInvalidDate},
		{"in 53 weeks", ReasonInvalidDate},
		{"march 8 2026 at 2:30am", ReasonInvalidTime},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			_, err := Resolve(tc.in, now, loc)
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if perr.Reason != tc.reason {
				t.Fatalf("reason: got %s want %s (%v)", perr.Reason, tc.reason, err)
			}
			if !errors.Is(err, model.ErrParseFailure) {
				t.Fatal("expected ErrParseFailure in chain")
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	loc := clinicTZ(t)
	now := referenceNow(loc)
	for _, in := range []string{"next Tuesday at 2 PM", "in 3 days", "Feb 10", "tomorrow morning"} {
		a, errA := Resolve(in, now, loc)
		b, errB := Resolve(in, now, loc)
		if (errA == nil) != (errB == nil) || !a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.Kind != b.Kind {
			t.Fatalf("non-deterministic result for %q: %+v vs %+v", in, a, b)
		}
	}
}

func TestResolveOn(t *testing.T) {
	loc := clinicTZ(t)
	now := referenceNow(loc)
	day := time.Date(2026, 2, 13, 9, 30, 0, 0, loc)

	got, err := ResolveOn("2 PM", now, day, loc)
	if err != nil || !got.Equal(time.Date(2026, 2, 13, 14, 0, 0, 0, loc)) {
		t.Fatalf("bare time: got %s (err=%v)", got, err)
	}
	got, err = ResolveOn("next Tuesday", now, day, loc)
	if err != nil || !got.Equal(time.Date(2026, 2, 17, 9, 30, 0, 0, loc)) {
		t.Fatalf("date only keeps clock: got %s (err=%v)", got, err)
	}
	got, err = ResolveOn("Feb 20 2026 at 11am", now, day, loc)
	if err != nil || !got.Equal(time.Date(2026, 2, 20, 11, 0, 0, 0, loc)) {
		t.Fatalf("full instant: got %s (err=%v)", got, err)
	}
	if _, err := ResolveOn("next week", now, day, loc); !errors.Is(err, model.ErrParseFailure) {
		t.Fatalf("expected failure for a week range, got %v", err)
	}
	if _, err := ResolveOn("at 4", now, day, loc); !errors.Is(err, model.ErrParseFailure) {
		t.Fatalf("expected failure for bare hour, got %v", err)
	}

	springForward := time.Date(2026, 3, 8, 9, 0, 0, 0, loc)
	var perr *ParseError
	if _, err := ResolveOn("2:30 AM", now, springForward, loc); !errors.As(err, &perr) || perr.Reason != ReasonInvalidTime {
		t.Fatalf("expected invalid_time for a skipped clock reading, got %v", err)
	}
	got, err = ResolveOn("3:30 AM", now, springForward, loc)
	if err != nil || got.Hour() != 3 || got.Minute() != 30 {
		t.Fatalf("after the gap: got %s (err=%v)", got, err)
	}
}
