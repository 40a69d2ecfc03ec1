// Package ingest normalizes raw schedule rows (manual entry or spreadsheet
// export) into appointments with per-channel reminder due times.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/schedule"
)

var (
	ErrInvalidSchedule = errors.New("invalid appointment schedule")
	ErrMissingPatient  = errors.New("missing patient name")
)

// Input is one raw row as it arrives from the clinic's schedule export. Field
// names mirror the export columns.
type Input struct {
	PatientName  string `json:"patient_name"`
	DocumentID   string `json:"document_id"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
	ConfirmNote  string `json:"confirm_note"`
	Reason       string `json:"reason"`
	Practitioner string `json:"practitioner"`
	Specialty    string `json:"specialty"`
	Date         string `json:"date"`
	Time         string `json:"time"`
}

// Normalizer turns Inputs into appointments. The clinic timezone fixes the
// civil date+time interpretation; the plan assigns due times at ingest so the
// scanner never has to recompute leads for fresh rows.
type Normalizer struct {
	loc  *time.Location
	plan schedule.Plan
	now  func() time.Time
}

func NewNormalizer(loc *time.Location, plan schedule.Plan) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{loc: loc, plan: plan, now: time.Now}
}

func (n *Normalizer) Normalize(in Input) (model.Appointment, error) {
	name := strings.TrimSpace(in.PatientName)
	if name == "" {
		return model.Appointment{}, ErrMissingPatient
	}
	if strings.TrimSpace(in.Date) == "" {
		return model.Appointment{}, fmt.Errorf("%w: empty date", ErrInvalidSchedule)
	}

	scheduledAt, err := schedule.ComposeLocal(in.Date, in.Time, n.loc)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	timeOfDay := strings.TrimSpace(in.Time)
	if timeOfDay == "" {
		_, timeOfDay = schedule.SplitLocal(scheduledAt, n.loc)
	}

	now := n.now().UTC()
	appt := model.Appointment{
		ID:           uuid.NewString(),
		PatientName:  name,
		DocumentID:   strings.TrimSpace(in.DocumentID),
		Phone:        strings.TrimSpace(in.Phone),
		Email:        strings.TrimSpace(in.Email),
		ConfirmNote:  strings.TrimSpace(in.ConfirmNote),
		Reason:       strings.TrimSpace(in.Reason),
		Practitioner: strings.TrimSpace(in.Practitioner),
		Specialty:    strings.TrimSpace(in.Specialty),
		ScheduledAt:  scheduledAt,
		TimeOfDay:    timeOfDay,
		LoadedAt:     now,
		Status:       model.StatusPending,
		Reminders:    map[model.Channel]model.Reminder{},
	}

	for _, ch := range model.Channels() {
		due, ok := n.plan.DueAt(scheduledAt, ch)
		if !ok {
			continue
		}
		appt.Reminders[ch] = model.Reminder{DueAt: &due}
	}
	return appt, nil
}

// NormalizeBatch processes a whole import, collecting per-row failures so one
// malformed row does not abort the rest of the file.
func (n *Normalizer) NormalizeBatch(rows []Input) ([]model.Appointment, []RowError) {
	var appts []model.Appointment
	var failures []RowError
	for i, row := range rows {
		appt, err := n.Normalize(row)
		if err != nil {
			failures = append(failures, RowError{Row: i, Err: err})
			continue
		}
		appts = append(appts, appt)
	}
	return appts, failures
}

type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}
