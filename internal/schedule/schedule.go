// Package schedule computes per-channel reminder send times and decides
// whether a send time falls inside the scanner's tolerance window.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

// Plan holds the configured lead time per channel. A channel without a lead
// never gets a due time and is skipped by the scanner.
type Plan struct {
	leads map[model.Channel]time.Duration
}

func NewPlan(leads map[model.Channel]time.Duration) Plan {
	copied := make(map[model.Channel]time.Duration, len(leads))
	for ch, lead := range leads {
		if lead > 0 {
			copied[ch] = lead
		}
	}
	return Plan{leads: copied}
}

func (p Plan) Lead(ch model.Channel) (time.Duration, bool) {
	lead, ok := p.leads[ch]
	return lead, ok
}

// DueAt returns scheduledAt minus the channel's lead time. A due time in the
// past is still returned; late-but-unsent reminders stay eligible.
func (p Plan) DueAt(scheduledAt time.Time, ch model.Channel) (time.Time, bool) {
	lead, ok := p.leads[ch]
	if !ok {
		return time.Time{}, false
	}
	return DueAt(scheduledAt, lead), true
}

func DueAt(scheduledAt time.Time, lead time.Duration) time.Time {
	return scheduledAt.Add(-lead)
}

// IsDue reports whether now is within tolerance of dueAt, on either side.
// The symmetric window absorbs ticker jitter and startup delay.
func IsDue(now, dueAt time.Time, tolerance time.Duration) bool {
	diff := now.Sub(dueAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// ClampTolerance widens tolerance to at least half the poll interval so no
// due instant can fall between two consecutive scans.
func ClampTolerance(tolerance, interval time.Duration) time.Duration {
	if min := interval / 2; tolerance < min {
		return min
	}
	return tolerance
}

// ComposeLocal builds the absolute appointment instant from a civil date
// ("DD/MM/YYYY" or "YYYY-MM-DD") and time ("HH:MM"), interpreted in loc and
// returned in UTC. Composition happens in a single step so decomposing and
// recombining the parts cannot drift across timezones.
func ComposeLocal(date, clock string, loc *time.Location) (time.Time, error) {
	date = strings.TrimSpace(strings.ReplaceAll(date, "-", "/"))
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00"
	}

	var t time.Time
	var err error
	for _, layout := range []string{"02/01/2006 15:04", "2006/01/02 15:04", "02/01/2006 15:04:05", "2006/01/02 15:04:05"} {
		t, err = time.ParseInLocation(layout, date+" "+clock, loc)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable schedule %q %q", date, clock)
}

// SplitLocal is the inverse of ComposeLocal for display purposes.
func SplitLocal(t time.Time, loc *time.Location) (date string, clock string) {
	local := t.In(loc)
	return local.Format("02/01/2006"), local.Format("15:04")
}
