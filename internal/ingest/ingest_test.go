package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/schedule"
)

func buenosAires(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return loc
}

func testNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	plan := schedule.NewPlan(map[model.Channel]time.Duration{
		model.ChannelEmail:    72 * time.Hour,
		model.ChannelWhatsApp: 48 * time.Hour,
	})
	return NewNormalizer(buenosAires(t), plan)
}

func TestNormalizeComputesDueTimes(t *testing.T) {
	n := testNormalizer(t)
	appt, err := n.Normalize(Input{
		PatientName: "  Carlos Paz ",
		DocumentID:  "28444555",
		Phone:       "11 5555 1234",
		Email:       "carlos@example.com",
		Date:        "15/07/2025",
		Time:        "14:30",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if appt.ID == "" {
		t.Fatal("expected generated id")
	}
	if appt.PatientName != "Carlos Paz" {
		t.Fatalf("expected trimmed name, got %q", appt.PatientName)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}

	// 14:30 in Buenos Aires (UTC-3) is 17:30 UTC.
	wantScheduled := time.Date(2025, 7, 15, 17, 30, 0, 0, time.UTC)
	if !appt.ScheduledAt.Equal(wantScheduled) {
		t.Fatalf("expected %v, got %v", wantScheduled, appt.ScheduledAt)
	}
	if appt.TimeOfDay != "14:30" {
		t.Fatalf("expected civil time preserved, got %q", appt.TimeOfDay)
	}

	email := appt.Reminder(model.ChannelEmail)
	if email.DueAt == nil || !email.DueAt.Equal(wantScheduled.Add(-72*time.Hour)) {
		t.Fatalf("unexpected email due %v", email.DueAt)
	}
	wa := appt.Reminder(model.ChannelWhatsApp)
	if wa.DueAt == nil || !wa.DueAt.Equal(wantScheduled.Add(-48*time.Hour)) {
		t.Fatalf("unexpected whatsapp due %v", wa.DueAt)
	}
	if email.Sent || wa.Sent {
		t.Fatal("fresh appointment must start unsent")
	}
}

func TestNormalizeISODate(t *testing.T) {
	n := testNormalizer(t)
	appt, err := n.Normalize(Input{
		PatientName: "Lia Gomez",
		Date:        "2025-07-15",
		Time:        "09:00",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)
	if !appt.ScheduledAt.Equal(want) {
		t.Fatalf("expected %v, got %v", want, appt.ScheduledAt)
	}
}

func TestNormalizeRejectsMissingPatient(t *testing.T) {
	n := testNormalizer(t)
	_, err := n.Normalize(Input{Date: "15/07/2025", Time: "10:00"})
	if !errors.Is(err, ErrMissingPatient) {
		t.Fatalf("expected ErrMissingPatient, got %v", err)
	}
}

func TestNormalizeRejectsBadDate(t *testing.T) {
	n := testNormalizer(t)
	for _, in := range []Input{
		{PatientName: "X", Date: "", Time: "10:00"},
		{PatientName: "X", Date: "pronto", Time: "10:00"},
		{PatientName: "X", Date: "32/13/2025", Time: "10:00"},
	} {
		if _, err := n.Normalize(in); !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("expected ErrInvalidSchedule for %q, got %v", in.Date, err)
		}
	}
}

func TestNormalizeBatchCollectsRowErrors(t *testing.T) {
	n := testNormalizer(t)
	appts, failures := n.NormalizeBatch([]Input{
		{PatientName: "Uno", Date: "15/07/2025", Time: "10:00"},
		{PatientName: "", Date: "15/07/2025", Time: "10:30"},
		{PatientName: "Tres", Date: "16/07/2025", Time: "11:00"},
	})
	if len(appts) != 2 {
		t.Fatalf("expected 2 normalized, got %d", len(appts))
	}
	if len(failures) != 1 || failures[0].Row != 1 {
		t.Fatalf("expected failure on row 1, got %+v", failures)
	}
}
