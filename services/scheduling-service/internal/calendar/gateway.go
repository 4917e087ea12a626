// Package calendar talks to the external calendar that stores appointments.
package calendar

import (
	"context"
	"strings"
	"time"

	"github.com/callpilot/callpilot/services/scheduling-service/internal/model"
	"github.com/google/uuid"
)

// Gateway is the only component that touches the external calendar.
// Errors are mapped into the model error taxonomy.
type Gateway interface {
	QueryFreeBusy(ctx context.Context, start, end time.Time) ([]model.Interval, error)
	// CreateEvent is idempotent per idempotencyKey: repeating a call with the
	// same key returns the event created by the first call.
	CreateEvent(ctx context.Context, appt model.Appointment, idempotencyKey string) (model.Appointment, error)
	GetEvent(ctx context.Context, id string) (model.Appointment, error)
	UpdateEvent(ctx context.Context, id string, patch Patch) (model.Appointment, error)
	DeleteEvent(ctx context.Context, id string) error
	// ListEvents returns timed events intersecting [timeMin, timeMax) ordered
	// by start, canceled appointments included.
	ListEvents(ctx context.Context, timeMin, timeMax time.Time) ([]model.Appointment, error)
}

// Patch carries the fields an update may change. Nil fields are left alone.
// A non-empty IfVersion makes the write conditional on the event's version.
type Patch struct {
	StartTime    *time.Time
	EndTime      *time.Time
	Status       *model.Status
	ReminderSent *bool
	// SlotClaimedAt restores a claim. When nil, a patch that moves the event
	// claims the new slot at write time.
	SlotClaimedAt *time.Time
	IfVersion     string
}

func (p Patch) moves() bool {
	return p.StartTime != nil || p.EndTime != nil
}

func (p Patch) apply(a *model.Appointment) {
	if p.StartTime != nil {
		a.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		a.EndTime = *p.EndTime
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	if p.ReminderSent != nil {
		a.ReminderSent = *p.ReminderSent
	}
	if p.SlotClaimedAt != nil {
		a.SlotClaimedAt = *p.SlotClaimedAt
	}
}

var eventIDNamespace = uuid.MustParse("5b0f7d4c-3f0e-4d8e-9a51-0c2f3e6a9b11")

// EventID derives the provider event id for a booking. Ids use only the
// characters 0-9 and a-f, which the provider accepts.
func EventID(idempotencyKey string) string {
	var id uuid.UUID
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		id = uuid.NewSHA1(eventIDNamespace, []byte(key))
	} else {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
