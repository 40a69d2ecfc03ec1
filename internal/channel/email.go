package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/mgiordano/turnoremind/internal/model"
)

// SMTPSender delivers email reminders through an SMTP relay. Auth is optional
// so local relays (Mailpit and friends) keep working without credentials.
type SMTPSender struct {
	addr   string
	host   string
	from   string
	auth   smtp.Auth
	clinic ClinicInfo
	loc    *time.Location
	now    func() time.Time
}

func NewSMTPSender(host, port, from, username, password string, clinic ClinicInfo, loc *time.Location) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if from == "" {
		from = "no-reply@turnoremind.local"
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		addr:   fmt.Sprintf("%s:%s", host, port),
		host:   host,
		from:   from,
		auth:   auth,
		clinic: clinic,
		loc:    loc,
		now:    time.Now,
	}
}

func (s *SMTPSender) Channel() model.Channel {
	return model.ChannelEmail
}

func (s *SMTPSender) Ready(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("smtp unreachable: %w", err)
	}
	_ = conn.Close()
	return nil
}

func (s *SMTPSender) AttemptSend(ctx context.Context, appt model.Appointment) error {
	to := strings.TrimSpace(appt.Email)
	if to == "" {
		return fmt.Errorf("appointment %s has no email address: %w", appt.ID, ErrMissingContactInfo)
	}

	msg := buildMessage(s.from, to, emailSubject(s.clinic), emailBody(appt, s.clinic, s.now(), s.loc))
	if err := s.send(ctx, to, []byte(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

// send drives the SMTP session by hand instead of smtp.SendMail so the
// context deadline bounds every read and write. A relay that accepts TCP and
// then goes silent must not hold a scan cycle hostage.
func (s *SMTPSender) send(ctx context.Context, to string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(s.auth); err != nil {
				return err
			}
		}
	}

	if err := client.Mail(s.from); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from, to, subject, htmlBody string) string {
	// Minimal RFC 5322 message; enough for most SMTP relays.
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		htmlBody,
	)
}
