package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

func testAppointment() model.Appointment {
	return model.Appointment{
		ID:           "a1",
		PatientName:  "Juan Perez",
		DocumentID:   "30111222",
		Phone:        "11 4444-5555",
		Email:        "juan@example.com",
		Reason:       "Control",
		Practitioner: "Dra. Gomez",
		Specialty:    "Clínica",
		ScheduledAt:  time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC),
		TimeOfDay:    "10:00",
		Status:       model.StatusPending,
	}
}

func testClinic() ClinicInfo {
	return ClinicInfo{Name: "Centro Médico Test", ContactPhone: "11 0000-0000"}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"11 4444-5555":    "5491144445555",
		"549114444555":    "549114444555",
		"(011) 4444 5555": "54901144445555",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBridgeSenderSend(t *testing.T) {
	var got struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewBridgeSender(srv.URL, "", testClinic(), time.UTC)
	if err := s.AttemptSend(context.Background(), testAppointment()); err != nil {
		t.Fatalf("AttemptSend failed: %v", err)
	}
	if got.To != "5491144445555" {
		t.Fatalf("expected normalized recipient, got %q", got.To)
	}
	if got.Message == "" {
		t.Fatal("expected a message body")
	}
}

func TestBridgeSenderNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewBridgeSender(srv.URL, "", testClinic(), time.UTC)
	err := s.AttemptSend(context.Background(), testAppointment())
	if !errors.Is(err, ErrChannelNotReady) {
		t.Fatalf("expected ErrChannelNotReady, got %v", err)
	}
}

func TestBridgeSenderMissingPhone(t *testing.T) {
	s := NewBridgeSender("http://bridge.invalid", "", testClinic(), time.UTC)
	appt := testAppointment()
	appt.Phone = "  "
	err := s.AttemptSend(context.Background(), appt)
	if !errors.Is(err, ErrMissingContactInfo) {
		t.Fatalf("expected ErrMissingContactInfo, got %v", err)
	}
}

func TestSMTPSenderMissingEmail(t *testing.T) {
	s := NewSMTPSender("localhost", "1025", "", "", "", testClinic(), time.UTC)
	appt := testAppointment()
	appt.Email = ""
	err := s.AttemptSend(context.Background(), appt)
	if !errors.Is(err, ErrMissingContactInfo) {
		t.Fatalf("expected ErrMissingContactInfo, got %v", err)
	}
}

func TestScheduleLineTomorrowWindow(t *testing.T) {
	appt := testAppointment()

	now := appt.ScheduledAt.Add(-24 * time.Hour)
	if got := scheduleLine(appt, now, time.UTC); got != "mañana" {
		t.Fatalf("expected mañana, got %q", got)
	}

	now = appt.ScheduledAt.Add(-72 * time.Hour)
	if got := scheduleLine(appt, now, time.UTC); got != "el día 10/03/2025 a las 10:00" {
		t.Fatalf("unexpected schedule line %q", got)
	}
}
