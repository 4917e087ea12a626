// Package notify delivers appointment reminders to patients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
)

// Notifier sends one reminder for an appointment. A nil error means at least
// one channel accepted the message.
type Notifier struct {
	SMS        SMSSender
	Email      EmailSender
	ClinicName string
	Location   *time.Location
	Logger     *slog.Logger
}

func (n *Notifier) Notify(ctx context.Context, appt model.Appointment) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	body := n.Message(appt)

	var errs []error
	sent := 0
	if n.SMS != nil && strings.TrimSpace(appt.Phone) != "" {
		if err := n.SMS.Send(ctx, appt.Phone, body); err != nil {
			errs = append(errs, fmt.Errorf("sms via %s: %w", n.SMS.ProviderID(), err))
		} else {
			sent++
		}
	}
	if n.Email != nil && strings.TrimSpace(appt.Email) != "" {
		if err := n.Email.Send(ctx, appt.Email, "Appointment reminder", body); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		} else {
			sent++
		}
	}
	if sent > 0 {
		if len(errs) > 0 {
			logger.Warn("reminder partially delivered", "appointment_id", appt.ID, "err", errors.Join(errs...))
		}
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("appointment %s has no reachable contact", appt.ID)
	}
	return errors.Join(errs...)
}

// Message renders the reminder text in the clinic timezone.
func (n *Notifier) Message(appt model.Appointment) string {
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	start := appt.StartTime.In(loc)
	clinic := n.ClinicName
	if clinic == "" {
		clinic = "the clinic"
	}
	name := strings.TrimSpace(appt.PatientName)
	if name != "" {
		name = " " + name
	}
	apptType := appt.Type
	if apptType == "" {
		apptType = model.DefaultType
	}
	return fmt.Sprintf("Hi%s, this is a reminder of your %s appointment at %s on %s at %s. Reply or call us to reschedule.",
		name, apptType, clinic, start.Format("Monday, January 2"), start.Format("3:04 PM MST"))
}
