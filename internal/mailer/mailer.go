// Package mailer provides the outbound mail capability used by the dispatcher.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Message is a plain-text email.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Receipt describes an accepted message. Callers treat it as diagnostic only.
type Receipt struct {
	MessageID  string
	AcceptedAt time.Time
	Preview    string
	Raw        []byte
}

// Transport sends one message.
type Transport interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// NewMessageID returns an RFC 5322 message id in the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func compose(msg Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetDateHeader("Date", time.Now())
	m.SetBody("text/plain", msg.Body)
	return m
}

// Render produces the RFC 5322 bytes of msg.
func Render(msg Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := compose(msg, messageID).WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	return buf.Bytes(), nil
}
