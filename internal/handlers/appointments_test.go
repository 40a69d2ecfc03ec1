package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mgiordano/turnoremind/internal/channel"
	"github.com/mgiordano/turnoremind/internal/dispatch"
	"github.com/mgiordano/turnoremind/internal/ingest"
	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/schedule"
	"github.com/mgiordano/turnoremind/internal/storage"
)

type memStore struct {
	appts      map[string]model.Appointment
	failCreate error
}

func newMemStore() *memStore {
	return &memStore{appts: map[string]model.Appointment{}}
}

func (s *memStore) Create(_ context.Context, appt model.Appointment) error {
	if s.failCreate != nil {
		return s.failCreate
	}
	for _, existing := range s.appts {
		if existing.ScheduledAt.Equal(appt.ScheduledAt) &&
			existing.DocumentID == appt.DocumentID &&
			existing.PatientName == appt.PatientName {
			return storage.ErrDuplicateAppointment
		}
	}
	s.appts[appt.ID] = appt
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (model.Appointment, error) {
	appt, ok := s.appts[id]
	if !ok {
		return model.Appointment{}, storage.ErrNotFound
	}
	return appt, nil
}

func (s *memStore) List(_ context.Context, status model.Status, limit int) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, appt := range s.appts {
		if status != "" && appt.Status != status {
			continue
		}
		out = append(out, appt)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Cancel(_ context.Context, id string) error {
	appt, ok := s.appts[id]
	if !ok {
		return storage.ErrNotFound
	}
	appt.Status = model.StatusCancelled
	s.appts[id] = appt
	return nil
}

func (s *memStore) Confirm(_ context.Context, id string) error {
	appt, ok := s.appts[id]
	if !ok {
		return storage.ErrNotFound
	}
	if appt.Status == model.StatusPending {
		appt.Status = model.StatusConfirmed
		s.appts[id] = appt
	}
	return nil
}

func (s *memStore) Counts(context.Context) (model.Counts, error) {
	var c model.Counts
	for _, appt := range s.appts {
		c.Total++
		switch appt.Status {
		case model.StatusPending:
			c.Pending++
		case model.StatusNotified:
			c.Notified++
		}
	}
	return c, nil
}

type fakeTrigger struct {
	resendErr  error
	resendIDs  []string
	bulkResult dispatch.BulkResult
	cycle      dispatch.CycleResult
	due        []dispatch.DueAppointment
}

func (t *fakeTrigger) Resend(_ context.Context, id string, _ model.Channel) error {
	if t.resendErr != nil {
		return t.resendErr
	}
	t.resendIDs = append(t.resendIDs, id)
	return nil
}

func (t *fakeTrigger) SendAllPending(context.Context) (dispatch.BulkResult, error) {
	return t.bulkResult, nil
}

func (t *fakeTrigger) RunCycle(context.Context) (dispatch.CycleResult, error) {
	return t.cycle, nil
}

func (t *fakeTrigger) DueNow(context.Context) []dispatch.DueAppointment {
	return t.due
}

type stubSender struct {
	ch  model.Channel
	err error
}

func (s *stubSender) Channel() model.Channel { return s.ch }

func (s *stubSender) AttemptSend(context.Context, model.Appointment) error {
	return s.err
}

func (s *stubSender) Ready(context.Context) error { return s.err }

func newTestHandler(store Store, trigger Trigger, senders ...channel.Sender) *AppointmentHandler {
	loc, _ := time.LoadLocation("America/Argentina/Buenos_Aires")
	plan := schedule.NewPlan(map[model.Channel]time.Duration{
		model.ChannelEmail:    72 * time.Hour,
		model.ChannelWhatsApp: 48 * time.Hour,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAppointmentHandler(store, trigger, ingest.NewNormalizer(loc, plan), senders, logger)
}

func TestCreateAppointment(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store, &fakeTrigger{})

	body := `{"patient_name":"Ana Suarez","document_id":"30111222","phone":"1144445555","date":"15/07/2025","time":"14:30"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Collection(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp appointmentItem
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID == "" || resp.Status != "pending" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Reminders["whatsapp"].DueAt == "" {
		t.Fatal("expected whatsapp due time in response")
	}
	// remind_at is the earliest channel due time, here the email one (72h lead).
	if resp.RemindAt == "" || resp.RemindAt != resp.Reminders["email"].DueAt {
		t.Fatalf("expected remind_at %q to match earliest due time, reminders %+v", resp.RemindAt, resp.Reminders)
	}
	if len(store.appts) != 1 {
		t.Fatalf("expected 1 stored appointment, got %d", len(store.appts))
	}
}

func TestCreateDuplicateReturnsConflict(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store, &fakeTrigger{})

	body := `{"patient_name":"Ana Suarez","document_id":"30111222","date":"15/07/2025","time":"14:30"}`
	for i, want := range []int{http.StatusCreated, http.StatusConflict} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Collection(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestCreateRejectsBadSchedule(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeTrigger{})
	body := `{"patient_name":"Ana","date":"no-es-fecha","time":"14:30"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Collection(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestImportMixedBatch(t *testing.T) {
	store := newMemStore()
	h := newTestHandler(store, &fakeTrigger{})

	body := `[
		{"patient_name":"Uno","document_id":"1","date":"15/07/2025","time":"10:00"},
		{"patient_name":"Uno","document_id":"1","date":"15/07/2025","time":"10:00"},
		{"patient_name":"","date":"15/07/2025","time":"11:00"},
		{"patient_name":"Dos","document_id":"2","date":"16/07/2025","time":"09:30"}
	]`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/import", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Import(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp importResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Loaded != 2 || resp.Duplicates != 1 || len(resp.Rejected) != 1 {
		t.Fatalf("unexpected import result %+v", resp)
	}
}

func TestDetailNotFound(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeTrigger{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments/detail?id=nope", nil)
	rec := httptest.NewRecorder()
	h.Detail(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelThenDetail(t *testing.T) {
	store := newMemStore()
	appt := model.Appointment{ID: "a1", PatientName: "Ana", Status: model.StatusPending, ScheduledAt: time.Now()}
	store.appts["a1"] = appt
	h := newTestHandler(store, &fakeTrigger{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/cancel", strings.NewReader(`{"id":"a1"}`))
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp appointmentItem
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", resp.Status)
	}
}

func TestResendErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"cancelled", dispatch.ErrCancelled, http.StatusConflict},
		{"missing contact", channel.ErrMissingContactInfo, http.StatusUnprocessableEntity},
		{"not ready", channel.ErrChannelNotReady, http.StatusServiceUnavailable},
		{"not configured", dispatch.ErrChannelNotConfigured, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(newMemStore(), &fakeTrigger{resendErr: tc.err})
			body := `{"id":"a1","channel":"whatsapp"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders/resend", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.Resend(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestResendRejectsUnknownChannel(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeTrigger{})
	body := `{"id":"a1","channel":"paloma"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders/resend", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Resend(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResendSuccess(t *testing.T) {
	trigger := &fakeTrigger{}
	h := newTestHandler(newMemStore(), trigger)
	body := `{"id":"a1","channel":"email"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders/resend", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Resend(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(trigger.resendIDs) != 1 || trigger.resendIDs[0] != "a1" {
		t.Fatalf("expected resend for a1, got %v", trigger.resendIDs)
	}
}

func TestSendPending(t *testing.T) {
	trigger := &fakeTrigger{bulkResult: dispatch.BulkResult{Matched: 3, Processed: 2, Failed: 1}}
	h := newTestHandler(newMemStore(), trigger)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders/send-pending", nil)
	rec := httptest.NewRecorder()
	h.SendPending(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp dispatch.BulkResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp != trigger.bulkResult {
		t.Fatalf("unexpected bulk result %+v", resp)
	}
}

func TestChannelStatus(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeTrigger{},
		&stubSender{ch: model.ChannelEmail},
		&stubSender{ch: model.ChannelWhatsApp, err: channel.ErrChannelNotReady},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/channels/status", nil)
	rec := httptest.NewRecorder()
	h.ChannelStatus(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp []channelStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 {
		t.Fatalf("expected 2 channel statuses, got %d", len(resp))
	}
	if !resp[0].Ready || resp[1].Ready {
		t.Fatalf("unexpected readiness %+v", resp)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(newMemStore(), &fakeTrigger{})
	for _, tc := range []struct {
		method  string
		handler http.HandlerFunc
	}{
		{http.MethodDelete, h.Collection},
		{http.MethodGet, h.Import},
		{http.MethodGet, h.Resend},
		{http.MethodGet, h.SendPending},
		{http.MethodGet, h.Run},
		{http.MethodPost, h.Due},
	} {
		req := httptest.NewRequest(tc.method, "/x", nil)
		rec := httptest.NewRecorder()
		tc.handler(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", tc.method, rec.Code)
		}
	}
}
