package mailer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SandboxTransport accepts every message and keeps the most recent ones in memory.
// It stands in for a real relay when no SMTP credentials are configured.
type SandboxTransport struct {
	mu     sync.Mutex
	keep   int
	outbox []Receipt
	log    *zap.Logger
}

func NewSandboxTransport(logger *zap.Logger, keep int) *SandboxTransport {
	if keep <= 0 {
		keep = 100
	}
	return &SandboxTransport{keep: keep, log: logger}
}

func (t *SandboxTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	id := NewMessageID(msg.From)
	raw, err := Render(msg, id)
	if err != nil {
		return Receipt{}, err
	}
	rec := Receipt{
		MessageID:  id,
		AcceptedAt: time.Now().UTC(),
		Preview:    fmt.Sprintf("sandbox://%s", id[1:len(id)-1]),
		Raw:        raw,
	}

	t.mu.Lock()
	t.outbox = append(t.outbox, rec)
	if len(t.outbox) > t.keep {
		t.outbox = t.outbox[len(t.outbox)-t.keep:]
	}
	t.mu.Unlock()

	t.log.Info("sandbox accepted message",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("preview", rec.Preview),
	)
	return rec, nil
}

// Outbox returns a copy of the retained receipts, oldest first.
func (t *SandboxTransport) Outbox() []Receipt {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Receipt, len(t.outbox))
	copy(out, t.outbox)
	return out
}
