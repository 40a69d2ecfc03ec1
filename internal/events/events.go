// Package events carries post-dispatch notifications to external subscribers
// (frontend realtime updates and friends). Delivery is one-way: the scheduling
// core behaves identically with zero subscribers. Events describing a state
// mutation ride in the mutating transaction through the outbox; aggregate
// snapshots (counts, bulk completion) are standalone best-effort inserts.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

const (
	TypeReminderSent       = "reminder.sent.v1"
	TypeAppointmentUpdated = "appointment.updated.v1"
	TypeCountsUpdated      = "appointment.counts.v1"
	TypeBulkCompleted      = "reminder.bulk_completed.v1"
)

// Event is the domain event envelope. The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event. Default when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

func ReminderSent(appt model.Appointment, ch model.Channel, sentAt time.Time) Event {
	payload, _ := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"channel":        string(ch),
		"patient_name":   appt.PatientName,
		"sent_at":        sentAt.UTC().Format(time.RFC3339),
	})
	return Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     TypeReminderSent,
		Payload:       payload,
	}
}

func AppointmentUpdated(appt model.Appointment) Event {
	payload, _ := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"status":         string(appt.Status),
		"updated_at":     time.Now().UTC().Format(time.RFC3339),
	})
	return Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     TypeAppointmentUpdated,
		Payload:       payload,
	}
}

func CountsUpdated(counts model.Counts) Event {
	payload, _ := json.Marshal(counts)
	return Event{
		AggregateType: "appointment",
		AggregateID:   "counts",
		EventType:     TypeCountsUpdated,
		Payload:       payload,
	}
}

func BulkCompleted(processed, failed int) Event {
	payload, _ := json.Marshal(map[string]any{
		"processed":    processed,
		"errors":       failed,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	return Event{
		AggregateType: "appointment",
		AggregateID:   "bulk",
		EventType:     TypeBulkCompleted,
		Payload:       payload,
	}
}
