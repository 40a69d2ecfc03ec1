// Package dispatch is the scan-and-dispatch engine: it finds appointments due
// for a reminder on each channel, invokes the channel senders and records the
// delivery outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mgiordano/turnoremind/internal/channel"
	"github.com/mgiordano/turnoremind/internal/events"
	"github.com/mgiordano/turnoremind/internal/model"
	"github.com/mgiordano/turnoremind/internal/schedule"
)

var (
	ErrCancelled = errors.New("appointment is cancelled")
	// ErrChannelNotConfigured reports a dispatch request for a channel that
	// has no sender wired (SMTP_HOST or WHATSAPP_BRIDGE_URL unset).
	ErrChannelNotConfigured = errors.New("channel not configured")
)

// Store is the delivery-state persistence the dispatcher drives.
type Store interface {
	BackfillDueAt(ctx context.Context, ch model.Channel, lead time.Duration) (int64, error)
	FindDueUnsent(ctx context.Context, ch model.Channel, now time.Time, tolerance time.Duration) ([]model.Appointment, error)
	FindUnsent(ctx context.Context) ([]model.Appointment, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	ApplyDispatch(ctx context.Context, id string, marks map[model.Channel]time.Time, markNotified bool, evts []events.Event) error
	Counts(ctx context.Context) (model.Counts, error)
}

type Dispatcher struct {
	store       Store
	senders     map[model.Channel]channel.Sender
	plan        schedule.Plan
	tolerance   time.Duration
	sendTimeout time.Duration
	logger      *slog.Logger
	events      events.Publisher
	now         func() time.Time
}

type Config struct {
	Tolerance   time.Duration
	SendTimeout time.Duration
}

func New(store Store, senders []channel.Sender, plan schedule.Plan, publisher events.Publisher, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	byChannel := make(map[model.Channel]channel.Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		store:       store,
		senders:     byChannel,
		plan:        plan,
		tolerance:   cfg.Tolerance,
		sendTimeout: cfg.SendTimeout,
		logger:      logger,
		events:      publisher,
		now:         time.Now,
	}
}

type CycleResult struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type pendingWork struct {
	appt     model.Appointment
	channels []model.Channel
}

// RunCycle executes one scan: backfill missing due times, collect due+unsent
// appointments per channel, dispatch, and persist each appointment's outcome
// in a single store write. Send failures are logged and retried on the next
// cycle; they never abort the rest of the scan.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	now := d.now()
	work := d.collectDue(ctx, now, true)

	var result CycleResult
	result.Scanned = len(work)
	for _, w := range work {
		sent, failed := d.dispatchAppointment(ctx, w.appt, w.channels)
		result.Sent += sent
		result.Failed += failed
	}

	if result.Sent > 0 {
		d.publishCounts(ctx)
	}
	return result, nil
}

// collectDue queries each channel independently and merges the hits per
// appointment, preserving scan order. Channels are unordered relative to each
// other; both may dispatch in the same cycle.
func (d *Dispatcher) collectDue(ctx context.Context, now time.Time, backfill bool) []pendingWork {
	merged := map[string]*pendingWork{}
	var order []string

	for _, ch := range model.Channels() {
		lead, ok := d.plan.Lead(ch)
		if !ok {
			continue
		}
		if _, ok := d.senders[ch]; !ok {
			continue
		}

		if backfill {
			if n, err := d.store.BackfillDueAt(ctx, ch, lead); err != nil {
				d.logger.Error("due-time backfill failed", "channel", ch, "err", err)
			} else if n > 0 {
				d.logger.Info("backfilled due times", "channel", ch, "rows", n)
			}
		}

		appts, err := d.store.FindDueUnsent(ctx, ch, now, d.tolerance)
		if err != nil {
			d.logger.Error("due query failed", "channel", ch, "err", err)
			continue
		}
		for _, appt := range appts {
			w, ok := merged[appt.ID]
			if !ok {
				w = &pendingWork{appt: appt}
				merged[appt.ID] = w
				order = append(order, appt.ID)
			}
			w.channels = append(w.channels, ch)
		}
	}

	work := make([]pendingWork, 0, len(order))
	for _, id := range order {
		work = append(work, *merged[id])
	}
	return work
}

// dispatchAppointment attempts every due channel of one appointment and
// persists all resulting marks at once. Returns sent/failed channel counts.
func (d *Dispatcher) dispatchAppointment(ctx context.Context, appt model.Appointment, channels []model.Channel) (sent, failed int) {
	if appt.Status == model.StatusCancelled {
		return 0, 0
	}

	marks := map[model.Channel]time.Time{}
	for _, ch := range channels {
		if appt.Reminder(ch).Sent {
			continue
		}
		if err := d.attempt(ctx, appt, ch); err != nil {
			failed++
			d.logger.Warn("reminder send failed",
				"appointment_id", appt.ID,
				"channel", ch,
				"retryable", retryable(err),
				"err", err,
			)
			continue
		}
		marks[ch] = d.now()
		sent++
	}

	if len(marks) == 0 {
		return sent, failed
	}

	if err := d.store.ApplyDispatch(ctx, appt.ID, marks, true, markEvents(appt, marks)); err != nil {
		d.logger.Error("failed to persist delivery state", "appointment_id", appt.ID, "err", err)
		return sent, failed
	}
	for ch := range marks {
		d.logger.Info("reminder sent", "appointment_id", appt.ID, "channel", ch, "patient", appt.PatientName)
	}
	return sent, failed
}

// markEvents builds the events that must commit atomically with the marks: a
// reminder.sent per channel plus the appointment state transition.
func markEvents(appt model.Appointment, marks map[model.Channel]time.Time) []events.Event {
	evts := make([]events.Event, 0, len(marks)+1)
	for ch, sentAt := range marks {
		evts = append(evts, events.ReminderSent(appt, ch, sentAt))
	}
	if appt.Status != model.StatusCancelled {
		appt.Status = model.StatusNotified
	}
	evts = append(evts, events.AppointmentUpdated(appt))
	return evts
}

// attempt invokes the sender with a bounded deadline so one hung transport
// cannot stall the whole cycle.
func (d *Dispatcher) attempt(ctx context.Context, appt model.Appointment, ch model.Channel) error {
	sender, ok := d.senders[ch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotConfigured, ch)
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	return sender.AttemptSend(sendCtx, appt)
}

// Resend is the operator override: dispatch one channel immediately, without
// a due-time check. Cancelled appointments and missing contact info are still
// refused, and the outcome converges through the same mark/notify logic as
// the periodic scan. The error is returned to the caller.
func (d *Dispatcher) Resend(ctx context.Context, id string, ch model.Channel) error {
	appt, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if appt.Status == model.StatusCancelled {
		return ErrCancelled
	}

	if err := d.attempt(ctx, appt, ch); err != nil {
		return fmt.Errorf("%s: %w", ch, err)
	}

	marks := map[model.Channel]time.Time{ch: d.now()}
	if err := d.store.ApplyDispatch(ctx, id, marks, true, markEvents(appt, marks)); err != nil {
		return err
	}
	d.publishCounts(ctx)
	return nil
}

type BulkResult struct {
	Matched   int `json:"matched"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// SendAllPending dispatches every unsent channel of every non-cancelled
// appointment regardless of due time.
func (d *Dispatcher) SendAllPending(ctx context.Context) (BulkResult, error) {
	appts, err := d.store.FindUnsent(ctx)
	if err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	result.Matched = len(appts)
	for _, appt := range appts {
		var unsent []model.Channel
		for _, ch := range model.Channels() {
			if _, ok := d.senders[ch]; !ok {
				continue
			}
			if !appt.Reminder(ch).Sent {
				unsent = append(unsent, ch)
			}
		}
		sent, failed := d.dispatchAppointment(ctx, appt, unsent)
		if sent > 0 {
			result.Processed++
		}
		if failed > 0 {
			result.Failed++
		}
	}

	d.publish(ctx, events.BulkCompleted(result.Processed, result.Failed))
	if result.Processed > 0 {
		d.publishCounts(ctx)
	}
	return result, nil
}

// DueAppointment is the diagnostic view of what the next scan would pick up.
type DueAppointment struct {
	Appointment model.Appointment
	Channels    []model.Channel
}

func (d *Dispatcher) DueNow(ctx context.Context) []DueAppointment {
	work := d.collectDue(ctx, d.now(), false)
	due := make([]DueAppointment, 0, len(work))
	for _, w := range work {
		due = append(due, DueAppointment{Appointment: w.appt, Channels: w.channels})
	}
	return due
}

func (d *Dispatcher) publish(ctx context.Context, evt events.Event) {
	if err := d.events.Publish(ctx, evt); err != nil {
		d.logger.Warn("event publish failed", "event_type", evt.EventType, "err", err)
	}
}

func (d *Dispatcher) publishCounts(ctx context.Context) {
	counts, err := d.store.Counts(ctx)
	if err != nil {
		d.logger.Warn("counts query failed", "err", err)
		return
	}
	d.publish(ctx, events.CountsUpdated(counts))
}

func retryable(err error) bool {
	return !errors.Is(err, channel.ErrMissingContactInfo)
}
