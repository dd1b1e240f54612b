package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SendPacer spaces sends across every worker process sharing one Redis.
// A slot is a key that lives for one interval; whoever sets it may send.
type SendPacer struct {
	client   redis.UniversalClient
	key      string
	interval time.Duration
}

func NewSendPacer(client redis.UniversalClient, key string, interval time.Duration) *SendPacer {
	return &SendPacer{client: client, key: key, interval: interval}
}

// TryAcquire claims the next send slot. It returns zero on success, or how long
// until the current slot frees up.
func (p *SendPacer) TryAcquire(ctx context.Context) (time.Duration, error) {
	if p.interval <= 0 {
		return 0, nil
	}
	ms, err := paceScript.Run(ctx, p.client, []string{p.key}, p.interval.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("pace script: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Wait blocks until a slot is claimed or ctx is done.
func (p *SendPacer) Wait(ctx context.Context) error {
	for {
		wait, err := p.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var paceScript = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', tonumber(ARGV[1])) then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then return 1 end
return ttl
`)
