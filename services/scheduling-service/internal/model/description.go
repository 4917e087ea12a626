package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	keyPatient      = "Patient"
	keyPhone        = "Phone"
	keyEmail        = "Email"
	keyType         = "Type"
	keyStatus       = "Status"
	keyReminderSent = "Reminder Sent"
	keySlotClaimed  = "Slot Claimed"
	keyNotes        = "Notes"
)

// Metadata is the part of an appointment stored in the event description.
type Metadata struct {
	PatientName  string
	Phone        string
	Email        string
	Type         string
	Status       Status
	ReminderSent bool
	SlotClaimed  time.Time
	Notes        string
	Extra        []string
}

func MetadataOf(a Appointment) Metadata {
	return Metadata{
		PatientName:  a.PatientName,
		Phone:        a.Phone,
		Email:        a.Email,
		Type:         a.Type,
		Status:       a.Status,
		ReminderSent: a.ReminderSent,
		SlotClaimed:  a.SlotClaimedAt,
		Notes:        a.Notes,
		Extra:        a.Extra,
	}
}

// Apply copies metadata fields onto a.
func (m Metadata) Apply(a *Appointment) {
	a.PatientName = m.PatientName
	a.Phone = m.Phone
	a.Email = m.Email
	a.Type = m.Type
	a.Status = m.Status
	a.ReminderSent = m.ReminderSent
	a.SlotClaimedAt = m.SlotClaimed
	a.Notes = m.Notes
	a.Extra = m.Extra
}

// FormatDescription renders metadata as ordered "Key: value" lines.
func FormatDescription(m Metadata) string {
	status := m.Status
	if status == "" {
		status = StatusScheduled
	}
	typ := m.Type
	if typ == "" {
		typ = DefaultType
	}

	lines := []string{
		keyPatient + ": " + oneLine(m.PatientName),
		keyPhone + ": " + oneLine(m.Phone),
	}
	if m.Email != "" {
		lines = append(lines, keyEmail+": "+oneLine(m.Email))
	}
	lines = append(lines,
		keyType+": "+oneLine(typ),
		keyStatus+": "+string(status),
		keyReminderSent+": "+strconv.FormatBool(m.ReminderSent),
	)
	if !m.SlotClaimed.IsZero() {
		lines = append(lines, keySlotClaimed+": "+m.SlotClaimed.UTC().Format(time.RFC3339Nano))
	}
	if m.Notes != "" {
		lines = append(lines, keyNotes+": "+oneLine(m.Notes))
	}
	lines = append(lines, m.Extra...)
	return strings.Join(lines, "\n")
}

// ParseDescription is permissive: keys are matched case-insensitively, missing
// status means scheduled and a missing or malformed reminder flag means false.
func ParseDescription(desc string) Metadata {
	m := Metadata{Status: StatusScheduled}
	for _, raw := range strings.Split(strings.ReplaceAll(desc, "\r\n", "\n"), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			m.Extra = append(m.Extra, line)
			continue
		}
		value = strings.TrimSpace(value)
		switch normalizeKey(key) {
		case "patient", "patientname", "name":
			m.PatientName = value
		case "phone", "phonenumber":
			m.Phone = value
		case "email":
			m.Email = value
		case "type", "appointmenttype":
			m.Type = value
		case "status":
			m.Status = ParseStatus(value)
		case "remindersent":
			m.ReminderSent = parseBool(value)
		case "slotclaimed", "slotclaimedat":
			if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
				m.SlotClaimed = t
			}
		case "notes":
			m.Notes = value
		default:
			m.Extra = append(m.Extra, line)
		}
	}
	if m.Type == "" {
		m.Type = DefaultType
	}
	return m
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(k)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1", "y":
		return true
	}
	return false
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
