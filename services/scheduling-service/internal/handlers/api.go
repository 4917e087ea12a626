// Package handlers serves the scheduling HTTP API.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callpilot/callpilot/libs/auth"
	"github.com/callpilot/callpilot/libs/httpx"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/booking"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/lifecycle"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/reminders"
)

// CalendarAuth is the OAuth side of the calendar connection.
type CalendarAuth interface {
	AuthCodeURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, code, state string) error
	Status(ctx context.Context) (calendar.ConnectionStatus, error)
	Disconnect(ctx context.Context) error
}

type CalendarOwner interface {
	Owner(ctx context.Context) (string, error)
}

type ReminderRunner interface {
	RunOnce(ctx context.Context) (reminders.Result, error)
}

type Deps struct {
	Availability *availability.Engine
	Booking      *booking.Service
	Lifecycle    *lifecycle.Manager
	Reminders    ReminderRunner
	// CalendarAuth is nil for providers that need no OAuth connection.
	CalendarAuth CalendarAuth
	Owner        CalendarOwner
	Verifier     *auth.Verifier
	Location     *time.Location
	FrontendURL  string
	Logger       *slog.Logger
	Now          func() time.Time
}

type API struct {
	Deps
}

func New(d Deps) *API {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &API{Deps: d}
}

// Routes returns the API router. Staff-only routes need a staff or admin
// token whenever token verification is configured.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()

	// OAuth redirect target; the browser arrives here without a bearer token.
	r.Get("/api/auth/google/callback", a.oauthCallback)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/availability", a.availabilityDay)
		r.Get("/availability-range", a.availabilityRange)
		r.Get("/resolve", a.resolve)

		r.Post("/appointments", a.createAppointment)
		r.Get("/appointments", a.listAppointments)
		r.Get("/appointments/{id}", a.getAppointment)
		r.Patch("/appointments/{id}", a.rescheduleAppointment)
		r.Delete("/appointments/{id}", a.cancelAppointment)
		r.Patch("/appointments/{id}/confirm", a.confirmAppointment)
		r.Patch("/appointments/{id}/remind", a.markReminderSent)

		r.Get("/calendar/status", a.calendarStatus)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleStaff, auth.RoleAdmin))
			r.Patch("/appointments/{id}/no-show", a.markNoShow)
			r.Patch("/appointments/{id}/complete", a.completeAppointment)
			r.Post("/reminders/run", a.runReminders)
			r.Get("/calendar/auth-url", a.calendarAuthURL)
			r.Delete("/calendar/disconnect", a.calendarDisconnect)
		})
	})
	return r
}

type claimsKey struct{}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Verifier.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.Verifier.VerifyHeader(r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error(), false)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.Verifier.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			claims, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
			if !auth.HasRole(claims, roles...) {
				httpx.WriteError(w, http.StatusForbidden, "forbidden", "this action requires a staff role", false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeErr maps the error taxonomy onto HTTP statuses and error codes.
func (a *API) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, model.ErrParseFailure):
		status, code = http.StatusUnprocessableEntity, "parse_failure"
	case errors.Is(err, model.ErrInvalidSlot):
		status, code = http.StatusUnprocessableEntity, "invalid_slot"
	case errors.Is(err, model.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, model.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, model.ErrAuthExpired):
		status, code = http.StatusUnauthorized, "auth_expired"
	case errors.Is(err, model.ErrNotConnected):
		status, code = http.StatusServiceUnavailable, "calendar_not_connected"
	case errors.Is(err, model.ErrProviderUnavailable):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.Logger.Error("request failed", "path", r.URL.Path, "request_id", httpx.RequestIDFromContext(r.Context()), "err", err)
		msg = "internal error"
	}
	httpx.WriteError(w, status, code, msg, model.Retryable(err))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{model.ErrInvalidInput}, args...)...)
}
