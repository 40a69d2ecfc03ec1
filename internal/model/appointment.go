package model

import "time"

// Channel is an independent reminder delivery path with its own lead time,
// contact requirement and sent/unsent state.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Channels returns every delivery channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelWhatsApp}
}

func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelWhatsApp:
		return ChannelWhatsApp, true
	default:
		return "", false
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusNotified  Status = "notified"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusNotified:
		return Status(s), true
	default:
		return "", false
	}
}

// Reminder is the per-channel delivery record. DueAt is nil on legacy rows
// until the scheduler backfills it.
type Reminder struct {
	DueAt  *time.Time
	Sent   bool
	SentAt *time.Time
}

type Appointment struct {
	ID           string
	PatientName  string
	DocumentID   string
	Phone        string
	Email        string
	ConfirmNote  string
	Reason       string
	Practitioner string
	Specialty    string

	// ScheduledAt is the absolute instant of the appointment. TimeOfDay keeps
	// the original "HH:MM" civil time for display and the natural key.
	ScheduledAt time.Time
	TimeOfDay   string
	LoadedAt    time.Time

	Status    Status
	Reminders map[Channel]Reminder

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a *Appointment) Reminder(ch Channel) Reminder {
	if a.Reminders == nil {
		return Reminder{}
	}
	return a.Reminders[ch]
}

// Contact returns the recipient address for a channel, empty when missing.
func (a *Appointment) Contact(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return a.Email
	case ChannelWhatsApp:
		return a.Phone
	default:
		return ""
	}
}

// LegacyRemindAt derives the historical single reminder timestamp as the
// earliest per-channel due time. It is a read-time view, not stored state.
func (a *Appointment) LegacyRemindAt() *time.Time {
	var earliest *time.Time
	for _, ch := range Channels() {
		due := a.Reminder(ch).DueAt
		if due == nil {
			continue
		}
		if earliest == nil || due.Before(*earliest) {
			earliest = due
		}
	}
	return earliest
}

// Counts is the aggregate snapshot pushed to realtime subscribers.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Notified int `json:"notified"`
}
