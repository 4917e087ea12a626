package model

// Action names a lifecycle operation.
type Action string

const (
	ActionConfirm          Action = "confirm"
	ActionReschedule       Action = "reschedule"
	ActionCancel           Action = "cancel"
	ActionNoShow           Action = "no_show"
	ActionComplete         Action = "complete"
	ActionMarkReminderSent Action = "mark_reminder_sent"
)

var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionConfirm:    {from: []Status{StatusScheduled, StatusRescheduled}, to: StatusConfirmed},
	ActionReschedule: {from: []Status{StatusScheduled, StatusConfirmed, StatusRescheduled}, to: StatusRescheduled},
	ActionCancel:     {from: []Status{StatusScheduled, StatusConfirmed, StatusRescheduled}, to: StatusCanceled},
	ActionNoShow:     {from: []Status{StatusScheduled, StatusConfirmed, StatusRescheduled}, to: StatusNoShow},
	ActionComplete:   {from: []Status{StatusScheduled, StatusConfirmed, StatusRescheduled}, to: StatusCompleted},
}

// Transition returns the status an action moves from to, or ErrInvalidTransition.
// ActionMarkReminderSent leaves the status unchanged but is only valid on
// non-terminal appointments.
func Transition(from Status, action Action) (Status, error) {
	if action == ActionMarkReminderSent {
		if from.Terminal() {
			return from, ErrInvalidTransition
		}
		return from, nil
	}
	t, ok := transitions[action]
	if !ok {
		return from, ErrInvalidTransition
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return from, ErrInvalidTransition
}
