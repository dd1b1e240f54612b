package reconcile

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mail-scheduler/internal/models"
	"mail-scheduler/internal/queue"
)

type staticSource struct {
	records []models.EmailRecord
	cutoff  time.Time
}

func (s *staticSource) StaleRecords(_ context.Context, cutoff time.Time, _ int) ([]models.EmailRecord, error) {
	s.cutoff = cutoff
	var out []models.EmailRecord
	for _, r := range s.records {
		if r.ScheduledAt.Before(cutoff) && !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, queue.Options{Prefix: "test"}).WithClock(func() time.Time { return now })
}

func record(id string, status models.Status, age time.Duration) models.EmailRecord {
	return models.EmailRecord{ID: id, Sender: "s@example.com", Recipient: id + "@example.com", Status: status, ScheduledAt: now.Add(-age)}
}

func TestSweepResubmitsOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	src := &staticSource{records: []models.EmailRecord{
		record("orphan", models.StatusScheduled, time.Hour),
		record("limited-orphan", models.StatusRateLimited, time.Hour),
		record("live", models.StatusScheduled, time.Hour),
		record("fresh", models.StatusScheduled, time.Minute),
		record("sent", models.StatusSent, time.Hour),
	}}
	_, err := q.Submit(ctx, "live", models.JobPayload{EmailID: "live"}, 0)
	require.NoError(t, err)

	s := NewSweeper(src, q, 5*time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })
	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-5*time.Minute), src.cutoff)

	for _, id := range []string{"orphan", "limited-orphan"} {
		exists, err := q.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	exists, err := q.Exists(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, exists)

	// A second pass finds every record covered.
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&staticSource{}, newQueue(t), time.Minute, zap.NewNop())
	_, err := s.Start(context.Background(), "not a schedule")
	assert.Error(t, err)
}

func TestStartRunsSweeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newQueue(t)
	src := &staticSource{records: []models.EmailRecord{record("orphan", models.StatusScheduled, time.Hour)}}
	s := NewSweeper(src, q, time.Minute, zap.NewNop()).WithClock(func() time.Time { return now })

	_, err := s.Start(ctx, "@every 1s")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ok, _ := q.Exists(context.Background(), "orphan")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSource) StaleRecords(context.Context, time.Time, int) ([]models.EmailRecord, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil, nil
}

func TestStopWaitsForRunningSweep(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := NewSweeper(src, newQueue(t), time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	c, err := s.Start(ctx, "* * * * * *")
	require.NoError(t, err)

	select {
	case <-src.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}
	cancel()
	stopped := c.Stop().Done()

	select {
	case <-stopped:
		t.Fatal("stop returned while a sweep was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(src.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not return after the sweep finished")
	}
}
