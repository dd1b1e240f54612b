package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HourlyWindow is a per-sender fixed-window counter aligned to the clock hour.
type HourlyWindow struct {
	client redis.UniversalClient
	limit  int
	prefix string
	now    func() time.Time
}

// NewHourlyWindow allows limit sends per sender per clock hour.
func NewHourlyWindow(client redis.UniversalClient, limit int) *HourlyWindow {
	return &HourlyWindow{
		client: client,
		limit:  limit,
		prefix: "rate",
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests to pin the hour bucket.
func (w *HourlyWindow) WithClock(now func() time.Time) *HourlyWindow {
	w.now = now
	return w
}

// Limit returns the configured hourly ceiling.
func (w *HourlyWindow) Limit() int {
	return w.limit
}

// TryConsume takes one send from the sender's current hour budget.
// The read, compare, increment and expiry run as one script so concurrent
// workers cannot over-count.
func (w *HourlyWindow) TryConsume(ctx context.Context, sender string) (bool, error) {
	key, ttl := w.window(sender)
	res, err := consumeScript.Run(ctx, w.client, []string{key}, w.limit, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	return res == 1, nil
}

// Used returns how many sends the sender has consumed in the current hour.
func (w *HourlyWindow) Used(ctx context.Context, sender string) (int, error) {
	key, _ := w.window(sender)
	n, err := w.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate window: %w", err)
	}
	return n, nil
}

func (w *HourlyWindow) window(sender string) (string, time.Duration) {
	now := w.now().UTC()
	start := now.Truncate(time.Hour)
	ttl := start.Add(time.Hour).Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return fmt.Sprintf("%s:%s:%s", w.prefix, sender, start.Format(time.RFC3339)), ttl
}

// NextWindow returns the start of the hour following t.
func NextWindow(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}

var consumeScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call('GET', key) or '0')
if current >= limit then
  return 0
end
current = redis.call('INCR', key)
if current == 1 then
  redis.call('PEXPIRE', key, ttl)
end
return 1
`)
