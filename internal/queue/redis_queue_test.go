package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-scheduler/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*RedisQueue, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := NewRedisQueue(client, Options{Prefix: "test", LeaseTimeout: time.Minute}).WithClock(clock.Now)
	return q, clock
}

func payload(id string) models.JobPayload {
	return models.JobPayload{EmailID: id, Sender: "s@example.com", Recipient: "r@example.com", Subject: "hi", Body: "body"}
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	created, err := q.Submit(ctx, "job-1", payload("job-1"), 0)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = q.Submit(ctx, "job-1", payload("job-1"), 0)
	require.NoError(t, err)
	assert.False(t, created)

	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "r@example.com", job.Payload.Recipient)

	second, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, second, "duplicate submission must not create a second deliverable")
}

func TestDelayedJobBecomesReadyAtDueTime(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, err := q.Submit(ctx, "later", payload("later"), 10*time.Second)
	require.NoError(t, err)

	n, err := q.PromoteDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(10 * time.Second)
	n, err = q.PromoteDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "later", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.Lease)
}

func TestEarlierDueTimeDispatchesFirst(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "b", payload("b"), 5*time.Second)
	_, _ = q.Submit(ctx, "a", payload("a"), 2*time.Second)

	clock.Advance(10 * time.Second)
	_, err := q.PromoteDue(ctx, 10)
	require.NoError(t, err)

	first, _ := q.Reserve(ctx)
	second, _ := q.Reserve(ctx)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

func TestMoveToDelayedRequiresLease(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	next := clock.Now().Add(time.Hour)
	assert.ErrorIs(t, q.MoveToDelayed(ctx, job.ID, "", next), ErrMissingLease)
	assert.ErrorIs(t, q.MoveToDelayed(ctx, job.ID, "someone-else", next), ErrLeaseMismatch)

	require.NoError(t, q.MoveToDelayed(ctx, job.ID, job.Lease, next))

	// The old lease is spent once the job is moved.
	assert.ErrorIs(t, q.Ack(ctx, job.ID, job.Lease), ErrLeaseMismatch)

	ready, delayed, active, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), delayed)
	assert.Equal(t, int64(0), active)

	// Still one live job: resubmission is a no-op.
	created, err := q.Submit(ctx, job.ID, job.Payload, 0)
	require.NoError(t, err)
	assert.False(t, created)

	clock.Advance(time.Hour)
	_, _ = q.PromoteDue(ctx, 10)
	again, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, next.UnixMilli(), again.DueAt.UnixMilli())
	assert.NotEqual(t, job.Lease, again.Lease)
}

func TestAckForgetsJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	require.NoError(t, q.Ack(ctx, job.ID, job.Lease))
	exists, err := q.Exists(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, q.Ack(ctx, job.ID, job.Lease), ErrJobNotFound)
}

func TestFailRecordsEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	require.NoError(t, q.Fail(ctx, job.ID, job.Lease, "smtp: 550 mailbox unavailable"))

	failed, err := q.FailedPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job", failed[0].ID)
	assert.Equal(t, "smtp: 550 mailbox unavailable", failed[0].Reason)

	// A failed job is gone, so an operator can submit it again.
	created, err := q.Submit(ctx, "job", payload("job"), 0)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	ids, err := q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Advance(2 * time.Minute)
	ids, err = q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job"}, ids)

	// The crashed worker's lease no longer works.
	assert.ErrorIs(t, q.Ack(ctx, job.ID, job.Lease), ErrLeaseMismatch)

	redelivered, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, 2, redelivered.Attempts)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	require.NoError(t, q.ExtendLease(ctx, job.ID, job.Lease, 5*time.Minute))
	clock.Advance(2 * time.Minute)
	ids, err := q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConcurrentReserveHandsOutEachJobOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	const jobs = 20
	for i := 0; i < jobs; i++ {
		id := string(rune('a' + i))
		_, err := q.Submit(ctx, id, payload(id), 0)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Reserve(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s reserved more than once", id)
	}
}

func TestReleaseReturnsJobAfterDelay(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	require.NoError(t, q.Release(ctx, job.ID, job.Lease, 30*time.Second))
	n, err := q.PromoteDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(30 * time.Second)
	n, err = q.PromoteDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExtendLeaseAfterExpiryIsRefused(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)

	clock.Advance(2 * time.Minute)
	_, err := q.RequeueExpired(ctx, 10)
	require.NoError(t, err)
	assert.ErrorIs(t, q.ExtendLease(ctx, job.ID, job.Lease, time.Minute), ErrLeaseMismatch)
}

func TestDeliveredMarkerSurvivesRedelivery(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, _ = q.Submit(ctx, "job", payload("job"), 0)
	job, _ := q.Reserve(ctx)
	require.NotNil(t, job)
	assert.True(t, job.DeliveredAt.IsZero())

	sentAt := clock.Now()
	require.NoError(t, q.MarkDelivered(ctx, job.ID, job.Lease, sentAt))
	assert.ErrorIs(t, q.MarkDelivered(ctx, job.ID, "other", sentAt), ErrLeaseMismatch)
	require.NoError(t, q.Release(ctx, job.ID, job.Lease, 0))
	_, err := q.PromoteDue(ctx, 10)
	require.NoError(t, err)

	again, err := q.Reserve(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, sentAt.UnixMilli(), again.DeliveredAt.UnixMilli())
	assert.Equal(t, 2, again.Attempts)
}
