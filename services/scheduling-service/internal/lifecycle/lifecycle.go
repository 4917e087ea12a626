// Package lifecycle moves existing appointments between statuses. Every
// write is conditional on the version that was read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/dateparse"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/events"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/locks"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

var tracer = otel.Tracer("github.com/callpilot/callpilot/services/scheduling-service/internal/lifecycle")

type Config struct {
	Location   *time.Location
	LockPrefix string
	LockWait   time.Duration
	Now        func() time.Time
}

type Manager struct {
	gw        calendar.Gateway
	avail     *availability.Engine
	locker    locks.Locker
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(gw calendar.Gateway, avail *availability.Engine, locker locks.Locker, pub events.Publisher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = "calendar"
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if locker == nil {
		locker = locks.NewLocalLocker()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{gw: gw, avail: avail, locker: locker, publisher: pub, cfg: cfg, logger: logger, metrics: m}
}

func (m *Manager) Get(ctx context.Context, id string) (model.Appointment, error) {
	if id == "" {
		return model.Appointment{}, fmt.Errorf("%w: appointment id is required", model.ErrInvalidInput)
	}
	return m.gw.GetEvent(ctx, id)
}

// Upcoming lists appointments starting in [now, now+ahead), canceled ones
// only when asked for.
func (m *Manager) Upcoming(ctx context.Context, ahead time.Duration, includeCanceled bool) ([]model.Appointment, error) {
	if ahead <= 0 {
		return nil, fmt.Errorf("%w: look-ahead must be positive", model.ErrInvalidInput)
	}
	now := m.cfg.Now()
	list, err := m.gw.ListEvents(ctx, now, now.Add(ahead))
	if err != nil {
		return nil, err
	}
	out := make([]model.Appointment, 0, len(list))
	for _, a := range list {
		if a.StartTime.Before(now) {
			continue
		}
		if a.Status == model.StatusCanceled && !includeCanceled {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (m *Manager) Confirm(ctx context.Context, id string) (model.Appointment, error) {
	return m.setStatus(ctx, id, model.ActionConfirm, events.TypeConfirmed, nil)
}

// Cancel retains the event as canceled. Canceling a canceled appointment
// succeeds without writing.
func (m *Manager) Cancel(ctx context.Context, id string) (model.Appointment, error) {
	return m.setStatus(ctx, id, model.ActionCancel, events.TypeCanceled, nil)
}

// MarkNoShow is allowed once the appointment has started. Repeating it is a
// no-op.
func (m *Manager) MarkNoShow(ctx context.Context, id string) (model.Appointment, error) {
	return m.setStatus(ctx, id, model.ActionNoShow, events.TypeNoShow, func(a model.Appointment) error {
		if m.cfg.Now().Before(a.StartTime) {
			return fmt.Errorf("%w: appointment has not started yet", model.ErrInvalidTransition)
		}
		return nil
	})
}

// Complete is allowed once the appointment has ended.
func (m *Manager) Complete(ctx context.Context, id string) (model.Appointment, error) {
	return m.setStatus(ctx, id, model.ActionComplete, events.TypeCompleted, func(a model.Appointment) error {
		if m.cfg.Now().Before(a.EndTime) {
			return fmt.Errorf("%w: appointment has not ended yet", model.ErrInvalidTransition)
		}
		return nil
	})
}

func (m *Manager) setStatus(ctx context.Context, id string, action model.Action, eventType string, guard func(model.Appointment) error) (appt model.Appointment, err error) {
	ctx, span := m.start(ctx, action, id)
	defer func() { m.finish(span, action, err) }()

	current, err := m.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	to, err := model.Transition(current.Status, action)
	if err != nil {
		if current.Status == idempotentTarget(action) {
			return current, nil
		}
		return model.Appointment{}, fmt.Errorf("%w: cannot %s a %s appointment", err, action, current.Status)
	}
	if guard != nil {
		if err := guard(current); err != nil {
			return model.Appointment{}, err
		}
	}
	updated, err := m.gw.UpdateEvent(ctx, id, calendar.Patch{Status: &to, IfVersion: current.Version})
	if err != nil {
		return model.Appointment{}, err
	}
	m.published(ctx, eventType, updated)
	m.logger.Info("appointment status changed", "appointment_id", id, "from", current.Status, "to", to)
	return updated, nil
}

// idempotentTarget is the status at which repeating action is a no-op.
func idempotentTarget(action model.Action) model.Status {
	switch action {
	case model.ActionCancel:
		return model.StatusCanceled
	case model.ActionNoShow:
		return model.StatusNoShow
	}
	return ""
}

// MarkReminderSent sets the reminder flag on a non-terminal appointment. An
// already set flag is left alone.
func (m *Manager) MarkReminderSent(ctx context.Context, id string) (appt model.Appointment, err error) {
	ctx, span := m.start(ctx, model.ActionMarkReminderSent, id)
	defer func() { m.finish(span, model.ActionMarkReminderSent, err) }()

	current, err := m.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if _, err := model.Transition(current.Status, model.ActionMarkReminderSent); err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %s appointment", err, current.Status)
	}
	if current.ReminderSent {
		return current, nil
	}
	sent := true
	updated, err := m.gw.UpdateEvent(ctx, id, calendar.Patch{ReminderSent: &sent, IfVersion: current.Version})
	if err != nil {
		return model.Appointment{}, err
	}
	m.published(ctx, events.TypeReminderSent, updated)
	return updated, nil
}

// Reschedule moves an appointment to [start, end). A zero end keeps the
// current length. The reminder flag is reset.
func (m *Manager) Reschedule(ctx context.Context, id string, start, end time.Time) (appt model.Appointment, err error) {
	ctx, span := m.start(ctx, model.ActionReschedule, id)
	defer func() { m.finish(span, model.ActionReschedule, err) }()

	current, err := m.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	return m.reschedule(ctx, current, start, end)
}

// RescheduleText resolves a spoken phrase against the appointment: a bare
// time keeps its date and a bare date keeps its time of day.
func (m *Manager) RescheduleText(ctx context.Context, id, text string) (appt model.Appointment, err error) {
	ctx, span := m.start(ctx, model.ActionReschedule, id)
	defer func() { m.finish(span, model.ActionReschedule, err) }()

	current, err := m.Get(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	start, err := dateparse.ResolveOn(text, m.cfg.Now(), current.StartTime, m.cfg.Location)
	if err != nil {
		return model.Appointment{}, err
	}
	return m.reschedule(ctx, current, start, time.Time{})
}

func (m *Manager) reschedule(ctx context.Context, current model.Appointment, start, end time.Time) (model.Appointment, error) {
	if _, err := model.Transition(current.Status, model.ActionReschedule); err != nil {
		return model.Appointment{}, fmt.Errorf("%w: cannot reschedule a %s appointment", err, current.Status)
	}
	if start.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: new start time is required", model.ErrInvalidInput)
	}
	if end.IsZero() {
		end = start.Add(current.Duration())
	}
	if !end.After(start) {
		return model.Appointment{}, fmt.Errorf("%w: end must be after start", model.ErrInvalidInput)
	}

	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWait)
	release, err := m.locker.Lock(lockCtx, locks.Buckets(m.cfg.LockPrefix, start, end)...)
	cancel()
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
	}
	defer release()

	if err := m.avail.CheckSlot(ctx, start, end, current.ID); err != nil {
		return model.Appointment{}, err
	}

	status := model.StatusRescheduled
	notSent := false
	updated, err := m.gw.UpdateEvent(ctx, current.ID, calendar.Patch{
		StartTime:    &start,
		EndTime:      &end,
		Status:       &status,
		ReminderSent: &notSent,
		IfVersion:    current.Version,
	})
	if err != nil {
		return model.Appointment{}, err
	}

	switch err := m.avail.VerifyWrite(ctx, updated); {
	case errors.Is(err, model.ErrConflict):
		m.revert(ctx, current, updated)
		return model.Appointment{}, err
	case err != nil:
		m.logger.Warn("reschedule written but not verified", "appointment_id", current.ID, "err", err)
	}

	m.published(ctx, events.TypeRescheduled, updated)
	m.logger.Info("appointment rescheduled", "appointment_id", current.ID,
		"from", current.StartTime.Format(time.RFC3339), "to", start.Format(time.RFC3339))
	return updated, nil
}

func (m *Manager) revert(ctx context.Context, previous, written model.Appointment) {
	status := previous.Status
	sent := previous.ReminderSent
	_, err := m.gw.UpdateEvent(context.WithoutCancel(ctx), previous.ID, calendar.Patch{
		StartTime:     &previous.StartTime,
		EndTime:       &previous.EndTime,
		Status:        &status,
		ReminderSent:  &sent,
		SlotClaimedAt: &previous.SlotClaimedAt,
		IfVersion:     written.Version,
	})
	if err != nil {
		m.logger.Error("revert lost reschedule failed", "appointment_id", previous.ID, "err", err)
	}
}

func (m *Manager) published(ctx context.Context, eventType string, appt model.Appointment) {
	if err := m.publisher.Publish(ctx, eventType, appt); err != nil {
		m.logger.Warn("publish event failed", "event_type", eventType, "appointment_id", appt.ID, "err", err)
	}
}

func (m *Manager) start(ctx context.Context, action model.Action, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+string(action), trace.WithAttributes(attribute.String("appointment.id", id)))
}

func (m *Manager) finish(span trace.Span, action model.Action, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrConflict):
		outcome = "conflict"
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrInvalidSlot),
		errors.Is(err, model.ErrInvalidInput), errors.Is(err, model.ErrParseFailure):
		outcome = "rejected"
	case errors.Is(err, model.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	m.metrics.ObserveTransition(string(action), outcome)
}
