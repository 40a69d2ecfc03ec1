package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

// BridgeSender delivers WhatsApp reminders through an external bridge process
// that owns the messaging session (QR pairing happens there, not here). The
// bridge answers 503 while the session is unpaired, which maps to the
// retryable ErrChannelNotReady.
type BridgeSender struct {
	baseURL string
	token   string
	http    *http.Client
	clinic  ClinicInfo
	loc     *time.Location
	now     func() time.Time
}

func NewBridgeSender(baseURL, token string, clinic ClinicInfo, loc *time.Location) *BridgeSender {
	return &BridgeSender{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		clinic: clinic,
		loc:    loc,
		now:    time.Now,
	}
}

func (s *BridgeSender) Channel() model.Channel {
	return model.ChannelWhatsApp
}

func (s *BridgeSender) Ready(ctx context.Context) error {
	if s.baseURL == "" {
		return fmt.Errorf("whatsapp bridge not configured: %w", ErrChannelNotReady)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/status", nil)
	if err != nil {
		return err
	}
	s.setHeaders(req)
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp bridge unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whatsapp session not paired: %w", ErrChannelNotReady)
	}
	var status struct {
		Ready bool `json:"ready"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("whatsapp bridge status: %w", err)
	}
	if !status.Ready {
		return fmt.Errorf("whatsapp session not paired: %w", ErrChannelNotReady)
	}
	return nil
}

func (s *BridgeSender) AttemptSend(ctx context.Context, appt model.Appointment) error {
	phone := strings.TrimSpace(appt.Phone)
	if phone == "" {
		return fmt.Errorf("appointment %s has no phone number: %w", appt.ID, ErrMissingContactInfo)
	}
	if s.baseURL == "" {
		return fmt.Errorf("whatsapp bridge not configured: %w", ErrChannelNotReady)
	}

	payload := map[string]string{
		"to":      NormalizePhone(phone),
		"message": whatsappBody(appt, s.clinic, s.now(), s.loc),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/send", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp bridge send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("whatsapp session not paired: %w", ErrChannelNotReady)
	default:
		return fmt.Errorf("whatsapp bridge returned %d", resp.StatusCode)
	}
}

func (s *BridgeSender) setHeaders(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

// NormalizePhone strips formatting and prefixes the Argentine mobile country
// code when absent, matching what the bridge expects as a recipient id.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	phone := digits.String()
	if !strings.HasPrefix(phone, "549") {
		phone = "549" + phone
	}
	return phone
}
