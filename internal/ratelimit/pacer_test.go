package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPacers(t *testing.T, interval time.Duration) (*SendPacer, *SendPacer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewSendPacer(a, "test:pace", interval), NewSendPacer(b, "test:pace", interval), mr
}

func TestSendPacerSharesSlotAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	first, second, mr := newPacers(t, 2*time.Second)

	wait, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)

	wait, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 2*time.Second)

	mr.FastForward(2 * time.Second)
	wait, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestSendPacerWaitHonoursContext(t *testing.T) {
	first, second, _ := newPacers(t, time.Hour)
	require.NoError(t, first.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, second.Wait(ctx), context.DeadlineExceeded)
}

func TestSendPacerDisabledWithoutInterval(t *testing.T) {
	p, _, _ := newPacers(t, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(context.Background()))
	}
}
