package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callpilot/callpilot/libs/httpx"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/booking"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/dateparse"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/reminders"
)

const defaultListHours = 168

type appointmentJSON struct {
	ID           string    `json:"id"`
	PatientName  string    `json:"patient_name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Type         string    `json:"type"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Status       string    `json:"status"`
	ReminderSent bool      `json:"reminder_sent"`
	Version      string    `json:"version,omitempty"`
}

func (a *API) toJSON(appt model.Appointment) appointmentJSON {
	return appointmentJSON{
		ID:           appt.ID,
		PatientName:  appt.PatientName,
		Phone:        appt.Phone,
		Email:        appt.Email,
		Notes:        appt.Notes,
		Type:         appt.Type,
		Start:        appt.StartTime.In(a.Location),
		End:          appt.EndTime.In(a.Location),
		Status:       string(appt.Status),
		ReminderSent: appt.ReminderSent,
		Version:      appt.Version,
	}
}

type createAppointmentRequest struct {
	PatientName string `json:"patient_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Notes       string `json:"notes"`
	Type        string `json:"type"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

// instant resolves RFC 3339 or natural language to a single point in time.
func (a *API) instant(text string) (time.Time, error) {
	res, err := dateparse.Resolve(text, a.Now(), a.Location)
	if err != nil {
		return time.Time{}, err
	}
	if res.Kind != dateparse.KindInstant {
		return time.Time{}, &dateparse.ParseError{Input: text, Reason: dateparse.ReasonAmbiguous, Detail: "a time of day is required"}
	}
	return res.Start, nil
}

func (a *API) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.writeErr(w, r, invalidf("invalid json body: %v", err))
		return
	}
	if strings.TrimSpace(req.Start) == "" {
		a.writeErr(w, r, invalidf("start is required"))
		return
	}
	start, err := a.instant(req.Start)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	var end time.Time
	if strings.TrimSpace(req.End) != "" {
		if end, err = dateparse.ResolveOn(req.End, a.Now(), start, a.Location); err != nil {
			a.writeErr(w, r, err)
			return
		}
	}

	appt, err := a.Booking.Book(r.Context(), booking.Request{
		PatientName:    req.PatientName,
		Phone:          req.Phone,
		Email:          req.Email,
		Notes:          req.Notes,
		Type:           req.Type,
		Start:          start,
		End:            end,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, a.toJSON(appt))
}

type listResponse struct {
	Appointments []appointmentJSON `json:"appointments"`
}

func (a *API) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours := defaultListHours
	if raw := q.Get("hours_ahead"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeErr(w, r, invalidf("hours_ahead must be a positive integer"))
			return
		}
		hours = n
	}
	includeCanceled, _ := strconv.ParseBool(q.Get("include_canceled"))

	appts, err := a.Lifecycle.Upcoming(r.Context(), time.Duration(hours)*time.Hour, includeCanceled)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	out := listResponse{Appointments: make([]appointmentJSON, 0, len(appts))}
	for _, appt := range appts {
		out.Appointments = append(out.Appointments, a.toJSON(appt))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (a *API) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

type rescheduleRequest struct {
	NewStart string `json:"new_start"`
	NewEnd   string `json:"new_end"`
	// When is free text such as "3pm" or "friday at 10".
	When string `json:"when"`
}

func (a *API) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.writeErr(w, r, invalidf("invalid json body: %v", err))
		return
	}
	id := chi.URLParam(r, "id")

	if strings.TrimSpace(req.When) != "" {
		appt, err := a.Lifecycle.RescheduleText(r.Context(), id, req.When)
		a.writeAppointment(w, r, appt, err)
		return
	}
	if strings.TrimSpace(req.NewStart) == "" {
		a.writeErr(w, r, invalidf("new_start or when is required"))
		return
	}
	start, err := a.instant(req.NewStart)
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	var end time.Time
	if strings.TrimSpace(req.NewEnd) != "" {
		if end, err = dateparse.ResolveOn(req.NewEnd, a.Now(), start, a.Location); err != nil {
			a.writeErr(w, r, err)
			return
		}
	}
	appt, err := a.Lifecycle.Reschedule(r.Context(), id, start, end)
	a.writeAppointment(w, r, appt, err)
}

func (a *API) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.Cancel(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

func (a *API) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.Confirm(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

func (a *API) markReminderSent(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.MarkReminderSent(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

func (a *API) markNoShow(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.MarkNoShow(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

func (a *API) completeAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := a.Lifecycle.Complete(r.Context(), chi.URLParam(r, "id"))
	a.writeAppointment(w, r, appt, err)
}

func (a *API) writeAppointment(w http.ResponseWriter, r *http.Request, appt model.Appointment, err error) {
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.toJSON(appt))
}

func (a *API) runReminders(w http.ResponseWriter, r *http.Request) {
	if a.Reminders == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "reminders_disabled", "reminders are not enabled", false)
		return
	}
	res, err := a.Reminders.RunOnce(r.Context())
	if errors.Is(err, reminders.ErrTickInProgress) {
		httpx.WriteError(w, http.StatusConflict, "reminders_running", err.Error(), true)
		return
	}
	if err != nil {
		a.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
