package channel

import (
	"context"
	"net"
	"testing"
	"time"
)

// A relay that accepts the connection and never sends the SMTP greeting must
// not block a send past its context deadline.
func TestSMTPSenderHonorsContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()
	defer func() {
		ln.Close()
		for {
			select {
			case conn := <-accepted:
				conn.Close()
			default:
				return
			}
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	s := NewSMTPSender(host, port, "", "", "", testClinic(), time.UTC)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.AttemptSend(ctx, testAppointment())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a silent relay")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AttemptSend still blocked after the context deadline")
	}
}
