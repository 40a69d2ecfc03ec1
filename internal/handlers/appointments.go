package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mgiordano/turnoremind/internal/channel"
	"github.com/mgiordano/turnoremind/internal/dispatch"
	"github.com/mgiordano/turnoremind/internal/ingest"
	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/storage"
)

// Store is the slice of the appointment repository the HTTP layer needs.
type Store interface {
	Create(ctx context.Context, appt model.Appointment) error
	Get(ctx context.Context, id string) (model.Appointment, error)
	List(ctx context.Context, status model.Status, limit int) ([]model.Appointment, error)
	Cancel(ctx context.Context, id string) error
	Confirm(ctx context.Context, id string) error
	Counts(ctx context.Context) (model.Counts, error)
}

// Trigger exposes the dispatcher operations reachable over HTTP.
type Trigger interface {
	Resend(ctx context.Context, id string, ch model.Channel) error
	SendAllPending(ctx context.Context) (dispatch.BulkResult, error)
	RunCycle(ctx context.Context) (dispatch.CycleResult, error)
	DueNow(ctx context.Context) []dispatch.DueAppointment
}

type AppointmentHandler struct {
	store      Store
	trigger    Trigger
	normalizer *ingest.Normalizer
	senders    []channel.Sender
	logger     *slog.Logger
}

func NewAppointmentHandler(store Store, trigger Trigger, normalizer *ingest.Normalizer, senders []channel.Sender, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		store:      store,
		trigger:    trigger,
		normalizer: normalizer,
		senders:    senders,
		logger:     logger,
	}
}

type reminderView struct {
	DueAt  string `json:"due_at,omitempty"`
	Sent   bool   `json:"sent"`
	SentAt string `json:"sent_at,omitempty"`
}

type appointmentItem struct {
	ID           string                  `json:"id"`
	PatientName  string                  `json:"patient_name"`
	DocumentID   string                  `json:"document_id"`
	Phone        string                  `json:"phone,omitempty"`
	Email        string                  `json:"email,omitempty"`
	ConfirmNote  string                  `json:"confirm_note,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	Practitioner string                  `json:"practitioner,omitempty"`
	Specialty    string                  `json:"specialty,omitempty"`
	ScheduledAt  string                  `json:"scheduled_at"`
	TimeOfDay    string                  `json:"time_of_day"`
	Status       string                  `json:"status"`
	RemindAt     string                  `json:"remind_at,omitempty"`
	Reminders    map[string]reminderView `json:"reminders"`
	CreatedAt    string                  `json:"created_at,omitempty"`
}

func appointmentToItem(appt model.Appointment) appointmentItem {
	item := appointmentItem{
		ID:           appt.ID,
		PatientName:  appt.PatientName,
		DocumentID:   appt.DocumentID,
		Phone:        appt.Phone,
		Email:        appt.Email,
		ConfirmNote:  appt.ConfirmNote,
		Reason:       appt.Reason,
		Practitioner: appt.Practitioner,
		Specialty:    appt.Specialty,
		ScheduledAt:  appt.ScheduledAt.UTC().Format(time.RFC3339),
		TimeOfDay:    appt.TimeOfDay,
		Status:       string(appt.Status),
		Reminders:    map[string]reminderView{},
	}
	if !appt.CreatedAt.IsZero() {
		item.CreatedAt = appt.CreatedAt.UTC().Format(time.RFC3339)
	}
	if remindAt := appt.LegacyRemindAt(); remindAt != nil {
		item.RemindAt = remindAt.UTC().Format(time.RFC3339)
	}
	for _, ch := range model.Channels() {
		rem := appt.Reminder(ch)
		view := reminderView{Sent: rem.Sent}
		if rem.DueAt != nil {
			view.DueAt = rem.DueAt.UTC().Format(time.RFC3339)
		}
		if rem.SentAt != nil {
			view.SentAt = rem.SentAt.UTC().Format(time.RFC3339)
		}
		item.Reminders[string(ch)] = view
	}
	return item
}

// Collection handles POST (create one appointment) and GET (list) on the
// collection route.
func (h *AppointmentHandler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AppointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req ingest.Input
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	appt, err := h.normalizer.Normalize(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Create(r.Context(), appt); err != nil {
		if errors.Is(err, storage.ErrDuplicateAppointment) {
			http.Error(w, "appointment already loaded", http.StatusConflict)
			return
		}
		h.logger.Error("failed to create appointment", "err", err)
		http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, appointmentToItem(appt))
}

func (h *AppointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	var status model.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, ok := model.ParseStatus(raw)
		if !ok {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		status = parsed
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	appts, err := h.store.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list appointments", "err", err)
		http.Error(w, "failed to list appointments", http.StatusInternalServerError)
		return
	}

	items := make([]appointmentItem, 0, len(appts))
	for _, appt := range appts {
		items = append(items, appointmentToItem(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

type importResponse struct {
	Loaded     int      `json:"loaded"`
	Duplicates int      `json:"duplicates"`
	Rejected   []string `json:"rejected,omitempty"`
}

// Import ingests a whole schedule export in one request. Rows already loaded
// are counted as duplicates, malformed rows are reported back per row, and
// neither aborts the rest of the batch.
func (h *AppointmentHandler) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rows []ingest.Input
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(rows) == 0 {
		http.Error(w, "empty import", http.StatusBadRequest)
		return
	}

	appts, failures := h.normalizer.NormalizeBatch(rows)

	var resp importResponse
	for _, f := range failures {
		resp.Rejected = append(resp.Rejected, f.Error())
	}
	for _, appt := range appts {
		if err := h.store.Create(r.Context(), appt); err != nil {
			if errors.Is(err, storage.ErrDuplicateAppointment) {
				resp.Duplicates++
				continue
			}
			h.logger.Error("import row failed", "patient", appt.PatientName, "err", err)
			resp.Rejected = append(resp.Rejected, appt.PatientName+": storage error")
			continue
		}
		resp.Loaded++
	}

	h.logger.Info("schedule import processed",
		"rows", len(rows), "loaded", resp.Loaded, "duplicates", resp.Duplicates, "rejected", len(resp.Rejected))
	writeJSON(w, http.StatusOK, resp)
}

func (h *AppointmentHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	appt, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load appointment", "err", err)
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, appointmentToItem(appt))
}

type idRequest struct {
	ID string `json:"id"`
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.store.Cancel)
}

func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, h.store.Confirm)
}

func (h *AppointmentHandler) setStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req idRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	if err := apply(r.Context(), req.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to update appointment status", "err", err)
		http.Error(w, "failed to update appointment", http.StatusInternalServerError)
		return
	}

	appt, err := h.store.Get(r.Context(), req.ID)
	if err != nil {
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, appointmentToItem(appt))
}

type resendRequest struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
}

// Resend triggers an immediate send on one channel, outside the scan window.
// Transport errors come back to the operator instead of being retried.
func (h *AppointmentHandler) Resend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	ch, ok := model.ParseChannel(strings.TrimSpace(req.Channel))
	if !ok {
		http.Error(w, "channel must be email or whatsapp", http.StatusBadRequest)
		return
	}

	if err := h.trigger.Resend(r.Context(), req.ID, ch); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			http.Error(w, "appointment not found", http.StatusNotFound)
		case errors.Is(err, dispatch.ErrCancelled):
			http.Error(w, "appointment is cancelled", http.StatusConflict)
		case errors.Is(err, channel.ErrMissingContactInfo):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, channel.ErrChannelNotReady):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, dispatch.ErrChannelNotConfigured):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			h.logger.Error("resend failed", "appointment_id", req.ID, "channel", ch, "err", err)
			http.Error(w, "resend failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"id":      req.ID,
		"channel": string(ch),
		"result":  "sent",
	})
}

func (h *AppointmentHandler) SendPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := h.trigger.SendAllPending(r.Context())
	if err != nil {
		h.logger.Error("bulk send failed", "err", err)
		http.Error(w, "bulk send failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Run executes one scan cycle on demand, same logic as the periodic worker.
func (h *AppointmentHandler) Run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := h.trigger.RunCycle(r.Context())
	if err != nil {
		h.logger.Error("manual scan failed", "err", err)
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type dueItem struct {
	Appointment appointmentItem `json:"appointment"`
	Channels    []string        `json:"channels"`
}

func (h *AppointmentHandler) Due(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	due := h.trigger.DueNow(r.Context())
	items := make([]dueItem, 0, len(due))
	for _, d := range due {
		item := dueItem{Appointment: appointmentToItem(d.Appointment)}
		for _, ch := range d.Channels {
			item.Channels = append(item.Channels, string(ch))
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

type channelStatus struct {
	Channel string `json:"channel"`
	Ready   bool   `json:"ready"`
	Error   string `json:"error,omitempty"`
}

// ChannelStatus probes each configured sender so the operator can see whether
// the WhatsApp bridge or SMTP relay is reachable before a bulk send.
func (h *AppointmentHandler) ChannelStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses := make([]channelStatus, 0, len(h.senders))
	for _, s := range h.senders {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := s.Ready(ctx)
		cancel()
		st := channelStatus{Channel: string(s.Channel()), Ready: err == nil}
		if err != nil {
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (h *AppointmentHandler) Counts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		h.logger.Error("counts query failed", "err", err)
		http.Error(w, "failed to load counts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
