// Package channel defines the delivery capability each notification channel
// implements, plus the two error kinds dispatch retry policy depends on.
package channel

import (
	"context"
	"errors"

	"github.com/mgiordano/turnoremind/internal/model"
)

var (
	// ErrMissingContactInfo means the appointment has no recipient for this
	// channel. Permanent until the data is corrected; not retried.
	ErrMissingContactInfo = errors.New("missing contact info")

	// ErrChannelNotReady means the underlying transport session is not
	// authenticated/paired yet. Transient; retried on the next scan.
	ErrChannelNotReady = errors.New("channel not ready")
)

// Sender attempts delivery of a reminder over one channel.
type Sender interface {
	Channel() model.Channel
	AttemptSend(ctx context.Context, appt model.Appointment) error
	// Ready reports whether the transport can deliver right now. Used by
	// readiness probes and the channel status endpoint, not as a send gate.
	Ready(ctx context.Context) error
}

// ClinicInfo is the letterhead data rendered into every reminder.
type ClinicInfo struct {
	Name         string
	Address      string
	Website      string
	ContactPhone string
}
