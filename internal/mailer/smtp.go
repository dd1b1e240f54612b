package mailer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPTransport delivers through an authenticated SMTP relay.
type SMTPTransport struct {
	dialer *gomail.Dialer
}

func NewSMTPTransport(host string, port int, user, pass string) *SMTPTransport {
	return &SMTPTransport{dialer: gomail.NewDialer(host, port, user, pass)}
}

// Send dials, delivers and hangs up. gomail has no context support, so a
// cancelled ctx abandons the dial goroutine and frees the caller.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	id := NewMessageID(msg.From)
	m := compose(msg, id)
	var raw bytes.Buffer
	if _, err := m.WriteTo(&raw); err != nil {
		return Receipt{}, fmt.Errorf("render message: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- t.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return Receipt{}, fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Receipt{}, fmt.Errorf("smtp send: %w", err)
		}
	}
	return Receipt{MessageID: id, AcceptedAt: time.Now().UTC(), Raw: raw.Bytes()}, nil
}
