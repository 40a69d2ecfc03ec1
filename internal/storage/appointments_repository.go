package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mgiordano/turnoremind/internal/events"
	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/libs/db"
)

var (
	// ErrDuplicateAppointment reports an ingestion collision on the natural
	// key (scheduled instant, document id, patient name).
	ErrDuplicateAppointment = errors.New("duplicate appointment")
	ErrNotFound             = errors.New("appointment not found")
)

type AppointmentRepository struct {
	pool   *db.Pool
	outbox *events.Outbox
}

// NewAppointmentRepository wires the delivery-state store. A nil outbox means
// realtime events are disabled; dispatch writes then skip the event inserts.
func NewAppointmentRepository(pool *db.Pool, outbox *events.Outbox) *AppointmentRepository {
	return &AppointmentRepository{pool: pool, outbox: outbox}
}

const appointmentColumns = `
	id, patient_name, document_id, phone, email, confirm_note, reason,
	practitioner, specialty, scheduled_at, time_of_day, loaded_at, status,
	email_due_at, email_sent, email_sent_at,
	whatsapp_due_at, whatsapp_sent, whatsapp_sent_at,
	created_at, updated_at`

// channelColumns maps a channel to its reminder columns. Channels are a closed
// enum, so the names are safe to interpolate into SQL.
func channelColumns(ch model.Channel) (dueCol, sentCol, sentAtCol string, err error) {
	switch ch {
	case model.ChannelEmail:
		return "email_due_at", "email_sent", "email_sent_at", nil
	case model.ChannelWhatsApp:
		return "whatsapp_due_at", "whatsapp_sent", "whatsapp_sent_at", nil
	default:
		return "", "", "", fmt.Errorf("unknown channel %q", ch)
	}
}

func (r *AppointmentRepository) Create(ctx context.Context, appt model.Appointment) error {
	email := appt.Reminder(model.ChannelEmail)
	whatsapp := appt.Reminder(model.ChannelWhatsApp)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments
			(id, patient_name, document_id, phone, email, confirm_note, reason,
			 practitioner, specialty, scheduled_at, time_of_day, loaded_at, status,
			 email_due_at, whatsapp_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, appt.ID, appt.PatientName, appt.DocumentID, appt.Phone, appt.Email, appt.ConfirmNote,
		appt.Reason, appt.Practitioner, appt.Specialty, appt.ScheduledAt, appt.TimeOfDay,
		appt.LoadedAt, appt.Status, email.DueAt, whatsapp.DueAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s for document %s: %w", appt.ScheduledAt.Format(time.RFC3339), appt.PatientName, appt.DocumentID, ErrDuplicateAppointment)
	}
	return err
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, ErrNotFound
	}
	return appt, err
}

func (r *AppointmentRepository) List(ctx context.Context, status model.Status, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY scheduled_at ASC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// BackfillDueAt computes the missing per-channel due time for legacy rows
// (scheduled_at minus the channel lead) so the same scan can pick them up.
func (r *AppointmentRepository) BackfillDueAt(ctx context.Context, ch model.Channel, lead time.Duration) (int64, error) {
	dueCol, _, _, err := channelColumns(ch)
	if err != nil {
		return 0, err
	}
	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE appointments
		SET %s = scheduled_at - $1::interval, updated_at = now()
		WHERE %s IS NULL AND status <> 'cancelled'
	`, dueCol, dueCol), lead)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FindDueUnsent returns non-cancelled appointments whose channel due time
// falls within the tolerance window around now and that were not sent yet.
func (r *AppointmentRepository) FindDueUnsent(ctx context.Context, ch model.Channel, now time.Time, tolerance time.Duration) ([]model.Appointment, error) {
	dueCol, sentCol, _, err := channelColumns(ch)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE %s = FALSE
		  AND status <> 'cancelled'
		  AND %s IS NOT NULL
		  AND %s BETWEEN $1 AND $2
		ORDER BY %s ASC
	`, sentCol, dueCol, dueCol, dueCol), now.Add(-tolerance), now.Add(tolerance))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// FindUnsent returns every non-cancelled appointment with at least one unsent
// channel, regardless of due time. Feeds the bulk resend path.
func (r *AppointmentRepository) FindUnsent(ctx context.Context) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE (email_sent = FALSE OR whatsapp_sent = FALSE)
		  AND status <> 'cancelled'
		ORDER BY scheduled_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// ApplyDispatch persists every mutation of one dispatch pass for an
// appointment in a single write. Sent flags are monotonic and sent_at keeps
// the first recorded timestamp, so concurrent markers converge on one
// consistent terminal state. The status only moves to notified when the row
// is not cancelled at write time. The accompanying events land in the outbox
// inside the same transaction as the update, so a mark is never committed
// without its event or the other way around.
func (r *AppointmentRepository) ApplyDispatch(ctx context.Context, id string, marks map[model.Channel]time.Time, markNotified bool, evts []events.Event) error {
	if len(marks) == 0 {
		return nil
	}

	query := `UPDATE appointments SET updated_at = now()`
	args := []any{id}
	for ch, sentAt := range marks {
		_, sentCol, sentAtCol, err := channelColumns(ch)
		if err != nil {
			return err
		}
		args = append(args, sentAt)
		query += fmt.Sprintf(`, %s = TRUE, %s = COALESCE(%s, $%d)`, sentCol, sentAtCol, sentAtCol, len(args))
	}
	if markNotified {
		query += `, status = CASE WHEN status <> 'cancelled' THEN 'notified' ELSE status END`
	}
	query += ` WHERE id = $1`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if r.outbox != nil {
		for _, evt := range evts {
			if err := r.outbox.Insert(ctx, tx, evt); err != nil {
				return err
			}
		}
	}
	return tx.Commit(ctx)
}

// MarkSent records a single channel delivery. Safe to call when already sent.
func (r *AppointmentRepository) MarkSent(ctx context.Context, id string, ch model.Channel, sentAt time.Time) error {
	return r.ApplyDispatch(ctx, id, map[model.Channel]time.Time{ch: sentAt}, true, nil)
}

func (r *AppointmentRepository) Cancel(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.StatusCancelled, "")
}

// Confirm moves a pending appointment to confirmed; other states are left
// untouched so a cancellation cannot be undone by a stale confirm.
func (r *AppointmentRepository) Confirm(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.StatusConfirmed, model.StatusPending)
}

func (r *AppointmentRepository) setStatus(ctx context.Context, id string, to model.Status, onlyFrom model.Status) error {
	query := `UPDATE appointments SET status = $2, updated_at = now() WHERE id = $1`
	args := []any{id, to}
	if onlyFrom != "" {
		query += ` AND status = $3`
		args = append(args, onlyFrom)
	}
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AppointmentRepository) Counts(ctx context.Context) (model.Counts, error) {
	var c model.Counts
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'pending'),
		       count(*) FILTER (WHERE status = 'notified')
		FROM appointments
	`).Scan(&c.Total, &c.Pending, &c.Notified)
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var a model.Appointment
	var email, whatsapp model.Reminder
	var status string
	err := row.Scan(
		&a.ID, &a.PatientName, &a.DocumentID, &a.Phone, &a.Email, &a.ConfirmNote, &a.Reason,
		&a.Practitioner, &a.Specialty, &a.ScheduledAt, &a.TimeOfDay, &a.LoadedAt, &status,
		&email.DueAt, &email.Sent, &email.SentAt,
		&whatsapp.DueAt, &whatsapp.Sent, &whatsapp.SentAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.Reminders = map[model.Channel]model.Reminder{
		model.ChannelEmail:    email,
		model.ChannelWhatsApp: whatsapp,
	}
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsDuplicate reports whether an ingestion failed on the natural-key
// uniqueness constraint.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateAppointment)
}
