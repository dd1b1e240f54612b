package mailer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errProviderClosed = errors.New("mail transport provider closed")

// Settings selects the transport. Empty credentials select the sandbox.
type Settings struct {
	Host string
	Port int
	User string
	Pass string
}

// HasCredentials reports whether Settings selects the SMTP transport.
func (s Settings) HasCredentials() bool {
	return s.User != "" && s.Pass != ""
}

// Provider owns the process transport. It is created on first use and released by Close.
type Provider struct {
	settings Settings
	log      *zap.Logger

	mu        sync.Mutex
	transport Transport
	closed    bool
}

func NewProvider(settings Settings, logger *zap.Logger) *Provider {
	return &Provider{settings: settings, log: logger.Named("mailer")}
}

// Get returns the shared transport, building it on the first call.
func (p *Provider) Get(ctx context.Context) (Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errProviderClosed
	}
	if p.transport != nil {
		return p.transport, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.settings.HasCredentials() {
		p.transport = NewSMTPTransport(p.settings.Host, p.settings.Port, p.settings.User, p.settings.Pass)
		p.log.Info("smtp transport ready", zap.String("host", p.settings.Host), zap.Int("port", p.settings.Port))
	} else {
		p.transport = NewSandboxTransport(p.log, 100)
		p.log.Warn("smtp credentials not configured, using sandbox transport")
	}
	return p.transport, nil
}

// Send implements Transport by delegating to the lazily built transport.
func (p *Provider) Send(ctx context.Context, msg Message) (Receipt, error) {
	t, err := p.Get(ctx)
	if err != nil {
		return Receipt{}, err
	}
	return t.Send(ctx, msg)
}

// Close releases the transport. Later Get calls fail.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.transport = nil
	return nil
}
