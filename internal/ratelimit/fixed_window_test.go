package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWindow(t *testing.T, limit int, now time.Time) (*HourlyWindow, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := now
	return NewHourlyWindow(client, limit).WithClock(func() time.Time { return clock }), mr
}

func TestHourlyWindowDeniesOverLimit(t *testing.T) {
	ctx := context.Background()
	w, _ := newWindow(t, 2, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		ok, err := w.TryConsume(ctx, "a@example.com")
		require.NoError(t, err)
		require.True(t, ok, "send %d should be allowed", i)
	}
	ok, err := w.TryConsume(ctx, "a@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	// Denials do not increment.
	used, err := w.Used(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, used)

	// Other senders have their own budget.
	ok, err = w.TryConsume(ctx, "b@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHourlyWindowExpiresAtHourBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	w, mr := newWindow(t, 1, now)

	ok, err := w.TryConsume(ctx, "a@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	key := "rate:a@example.com:2026-03-01T10:00:00Z"
	require.True(t, mr.Exists(key))
	assert.Equal(t, 45*time.Minute, mr.TTL(key))

	mr.FastForward(45 * time.Minute)
	assert.False(t, mr.Exists(key))
}

func TestHourlyWindowNewHourResetsBudget(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	now := time.Date(2026, 3, 1, 10, 59, 59, 0, time.UTC)
	w := NewHourlyWindow(client, 1).WithClock(func() time.Time { return now })

	ok, _ := w.TryConsume(ctx, "a@example.com")
	require.True(t, ok)
	ok, _ = w.TryConsume(ctx, "a@example.com")
	require.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err := w.TryConsume(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHourlyWindowConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	const limit, callers = 5, 40
	w, _ := newWindow(t, limit, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := w.TryConsume(ctx, "burst@example.com")
			if err != nil {
				t.Errorf("try consume: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, int64(callers-limit), denied.Load())
}

func TestNextWindow(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 15, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), NextWindow(at))

	onBoundary := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), NextWindow(onBoundary))
}
