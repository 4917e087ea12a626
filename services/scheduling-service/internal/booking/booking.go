// Package booking creates appointments without double-booking the calendar.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/availability"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/calendar"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/events"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/locks"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/metrics"
	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

var tracer = otel.Tracer("github.com/callpilot/callpilot/services/scheduling-service/internal/booking")

type Request struct {
	PatientName string
	Phone       string
	Email       string
	Notes       string
	Type        string
	Start       time.Time
	// End defaults to Start plus the type's duration.
	End            time.Time
	IdempotencyKey string
}

type Config struct {
	DefaultDuration time.Duration
	// TypeDurations maps a lower-case appointment type to its length.
	TypeDurations map[string]time.Duration
	LockPrefix    string
	LockWait      time.Duration
}

type Service struct {
	gw        calendar.Gateway
	avail     *availability.Engine
	locker    locks.Locker
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func New(gw calendar.Gateway, avail *availability.Engine, locker locks.Locker, pub events.Publisher, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 30 * time.Minute
	}
	if cfg.LockPrefix == "" {
		cfg.LockPrefix = "calendar"
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
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
	return &Service{gw: gw, avail: avail, locker: locker, publisher: pub, cfg: cfg, logger: logger, metrics: m}
}

// DurationFor returns the configured length of an appointment type.
func (s *Service) DurationFor(apptType string) time.Duration {
	if d, ok := s.cfg.TypeDurations[strings.ToLower(strings.TrimSpace(apptType))]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultDuration
}

// Book creates a scheduled appointment. A repeated request with the same
// idempotency key returns the appointment created by the first one.
func (s *Service) Book(ctx context.Context, req Request) (appt model.Appointment, err error) {
	ctx, span := tracer.Start(ctx, "booking.book")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	appt, err = s.normalize(req)
	if err != nil {
		s.metrics.ObserveBooking("invalid")
		return model.Appointment{}, err
	}
	span.SetAttributes(
		attribute.String("appointment.type", appt.Type),
		attribute.String("appointment.start", appt.StartTime.Format(time.RFC3339)),
	)

	if req.IdempotencyKey != "" {
		existing, err := s.gw.GetEvent(ctx, calendar.EventID(req.IdempotencyKey))
		switch {
		case err == nil:
			s.metrics.ObserveBooking("replayed")
			return existing, nil
		case !errors.Is(err, model.ErrNotFound):
			s.metrics.ObserveBooking("error")
			return model.Appointment{}, err
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.locker.Lock(lockCtx, locks.Buckets(s.cfg.LockPrefix, appt.StartTime, appt.EndTime)...)
	cancel()
	if err != nil {
		s.metrics.ObserveBooking("error")
		return model.Appointment{}, fmt.Errorf("%w: %w", model.ErrProviderUnavailable, err)
	}
	defer release()

	if err := s.avail.CheckSlot(ctx, appt.StartTime, appt.EndTime, ""); err != nil {
		s.metrics.ObserveBooking(outcome(err))
		return model.Appointment{}, err
	}

	created, err := s.gw.CreateEvent(ctx, appt, req.IdempotencyKey)
	if err != nil {
		s.metrics.ObserveBooking(outcome(err))
		return model.Appointment{}, err
	}
	span.SetAttributes(attribute.String("appointment.id", created.ID))

	switch err := s.avail.VerifyWrite(ctx, created); {
	case errors.Is(err, model.ErrConflict):
		if derr := s.gw.DeleteEvent(context.WithoutCancel(ctx), created.ID); derr != nil {
			s.logger.Error("withdraw lost booking failed", "appointment_id", created.ID, "err", derr)
		}
		s.metrics.ObserveBooking("conflict")
		return model.Appointment{}, err
	case err != nil:
		// The slot was free when checked; a failed read does not withdraw it.
		s.logger.Warn("booking written but not verified", "appointment_id", created.ID, "err", err)
	}

	s.metrics.ObserveBooking("booked")
	if err := s.publisher.Publish(ctx, events.TypeBooked, created); err != nil {
		s.logger.Warn("publish booked event failed", "appointment_id", created.ID, "err", err)
	}
	s.logger.Info("appointment booked", "appointment_id", created.ID, "type", created.Type,
		"start", created.StartTime.Format(time.RFC3339))
	return created, nil
}

func (s *Service) normalize(req Request) (model.Appointment, error) {
	name := strings.TrimSpace(req.PatientName)
	if name == "" {
		return model.Appointment{}, fmt.Errorf("%w: patient name is required", model.ErrInvalidInput)
	}
	phone := strings.TrimSpace(req.Phone)
	if digits(phone) < 7 {
		return model.Appointment{}, fmt.Errorf("%w: phone number needs at least 7 digits", model.ErrInvalidInput)
	}
	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return model.Appointment{}, fmt.Errorf("%w: email address is malformed", model.ErrInvalidInput)
		}
	}
	if req.Start.IsZero() {
		return model.Appointment{}, fmt.Errorf("%w: start time is required", model.ErrInvalidInput)
	}
	apptType := strings.TrimSpace(req.Type)
	if apptType == "" {
		apptType = model.DefaultType
	}
	end := req.End
	if end.IsZero() {
		end = req.Start.Add(s.DurationFor(apptType))
	}
	if !end.After(req.Start) {
		return model.Appointment{}, fmt.Errorf("%w: end must be after start", model.ErrInvalidInput)
	}
	return model.Appointment{
		PatientName: name,
		Phone:       phone,
		Email:       email,
		Notes:       strings.TrimSpace(req.Notes),
		Type:        apptType,
		StartTime:   req.Start,
		EndTime:     end,
		Status:      model.StatusScheduled,
	}, nil
}

func digits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrInvalidSlot), errors.Is(err, model.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
