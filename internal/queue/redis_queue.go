package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mail-scheduler/internal/models"
)

var (
	// ErrMissingLease is returned when a job mutation is attempted without a lease token.
	ErrMissingLease = errors.New("missing job lease token")
	// ErrLeaseMismatch is returned when the presented token does not own the job.
	ErrLeaseMismatch = errors.New("job lease not held")
	// ErrJobNotFound is returned when the job no longer exists in the queue.
	ErrJobNotFound = errors.New("job not found")
)

// Job is a reserved queue item. Lease proves exclusive ownership until acked, failed or moved.
type Job struct {
	ID       string
	Payload  models.JobPayload
	DueAt    time.Time
	Attempts int
	Lease    string
	// DeliveredAt is set when an earlier attempt handed the message to the transport
	// but did not finish recording it.
	DeliveredAt time.Time
}

// FailedJob is an entry of the failed list kept for operator inspection.
type FailedJob struct {
	ID       string    `json:"id"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Options tunes key naming and lease behaviour.
type Options struct {
	Prefix       string
	LeaseTimeout time.Duration
	FailedKeep   int64
}

// RedisQueue coordinates delayed, ready, active and failed job sets in Redis.
// A job hash exists for as long as the job is live; its presence makes Submit idempotent.
type RedisQueue struct {
	client       redis.UniversalClient
	delayedKey   string
	readyKey     string
	activeKey    string
	failedKey    string
	jobPrefix    string
	leaseTimeout time.Duration
	failedKeep   int64
	now          func() time.Time
}

// NewRedisQueue builds a queue on an existing client. The caller owns the client.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "email-send"
	}
	lease := opts.LeaseTimeout
	if lease == 0 {
		lease = 5 * time.Minute
	}
	keep := opts.FailedKeep
	if keep == 0 {
		keep = 1000
	}
	return &RedisQueue{
		client:       client,
		delayedKey:   prefix + ":delayed",
		readyKey:     prefix + ":ready",
		activeKey:    prefix + ":active",
		failedKey:    prefix + ":failed",
		jobPrefix:    prefix + ":job:",
		leaseTimeout: lease,
		failedKeep:   keep,
		now:          time.Now,
	}
}

// WithClock replaces the time source used for due times and lease deadlines.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobPrefix + jobID
}

// Submit adds a job due after delay. Submitting an id that is still live is a no-op;
// the returned flag reports whether a new job was created.
func (q *RedisQueue) Submit(ctx context.Context, jobID string, payload models.JobPayload, delay time.Duration) (bool, error) {
	if delay < 0 {
		delay = 0
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal payload: %w", err)
	}
	now := q.now()
	due := now.Add(delay)
	keys := []string{q.jobKey(jobID), q.delayedKey, q.readyKey}
	created, err := submitScript.Run(ctx, q.client, keys, jobID, raw, due.UnixMilli(), now.UnixMilli()).Int64()
	if err != nil {
		return false, fmt.Errorf("submit job %s: %w", jobID, err)
	}
	return created == 1, nil
}

// PromoteDue moves delayed jobs whose due time has passed into the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, q.now().UnixMilli(), limit, q.jobPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("promote due jobs: %w", err)
	}
	return n, nil
}

// Reserve pops the next ready job and leases it. It returns nil when nothing is ready.
func (q *RedisQueue) Reserve(ctx context.Context) (*Job, error) {
	token := uuid.NewString()
	deadline := q.now().Add(q.leaseTimeout).UnixMilli()
	res, err := reserveScript.Run(ctx, q.client, []string{q.readyKey, q.activeKey}, deadline, token, q.jobPrefix).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job: %w", err)
	}
	if len(res) < 4 {
		return nil, fmt.Errorf("unexpected reserve reply length %d", len(res))
	}

	job := &Job{Lease: token}
	job.ID, _ = res[0].(string)
	raw, _ := res[1].(string)
	if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", job.ID, err)
	}
	dueMs, _ := strconv.ParseInt(fmt.Sprint(res[2]), 10, 64)
	job.DueAt = time.UnixMilli(dueMs)
	attempts, _ := res[3].(int64)
	job.Attempts = int(attempts)
	if len(res) > 4 {
		if ms, err := strconv.ParseInt(fmt.Sprint(res[4]), 10, 64); err == nil && ms > 0 {
			job.DeliveredAt = time.UnixMilli(ms)
		}
	}
	return job, nil
}

// MoveToDelayed returns a leased job to the delayed set at dueAt without creating a new job.
func (q *RedisQueue) MoveToDelayed(ctx context.Context, jobID, lease string, dueAt time.Time) error {
	if lease == "" {
		return ErrMissingLease
	}
	keys := []string{q.jobKey(jobID), q.activeKey, q.delayedKey}
	code, err := moveScript.Run(ctx, q.client, keys, jobID, lease, dueAt.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("move job %s: %w", jobID, err)
	}
	return leaseResult(jobID, code)
}

// Release hands a leased job back to the queue after delay without counting it as handled.
func (q *RedisQueue) Release(ctx context.Context, jobID, lease string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return q.MoveToDelayed(ctx, jobID, lease, q.now().Add(delay))
}

// ExtendLease pushes the lease deadline of a held job forward.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID, lease string, extension time.Duration) error {
	if lease == "" {
		return ErrMissingLease
	}
	deadline := q.now().Add(extension).UnixMilli()
	code, err := extendScript.Run(ctx, q.client, []string{q.jobKey(jobID), q.activeKey}, jobID, lease, deadline).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", jobID, err)
	}
	return leaseResult(jobID, code)
}

// MarkDelivered notes on the job that its message left through the transport at sentAt.
// The marker survives lease expiry and release, so a later attempt does not send again.
func (q *RedisQueue) MarkDelivered(ctx context.Context, jobID, lease string, sentAt time.Time) error {
	if lease == "" {
		return ErrMissingLease
	}
	code, err := deliveredScript.Run(ctx, q.client, []string{q.jobKey(jobID)}, jobID, lease, sentAt.UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("mark job %s delivered: %w", jobID, err)
	}
	return leaseResult(jobID, code)
}

// Ack completes a leased job and forgets it.
func (q *RedisQueue) Ack(ctx context.Context, jobID, lease string) error {
	if lease == "" {
		return ErrMissingLease
	}
	code, err := ackScript.Run(ctx, q.client, []string{q.jobKey(jobID), q.activeKey}, jobID, lease).Int64()
	if err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return leaseResult(jobID, code)
}

// Fail completes a leased job as failed and records it in the failed list.
func (q *RedisQueue) Fail(ctx context.Context, jobID, lease, reason string) error {
	if lease == "" {
		return ErrMissingLease
	}
	entry, err := json.Marshal(FailedJob{ID: jobID, Reason: reason, FailedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal failed entry: %w", err)
	}
	keys := []string{q.jobKey(jobID), q.activeKey, q.failedKey}
	code, err := failScript.Run(ctx, q.client, keys, jobID, lease, entry, q.failedKeep).Int64()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return leaseResult(jobID, code)
}

// RequeueExpired returns jobs whose lease deadline passed to the ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	ids, err := requeueScript.Run(ctx, q.client, []string{q.activeKey, q.readyKey}, q.now().UnixMilli(), limit, q.jobPrefix).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return ids, nil
}

// Exists reports whether a live job with this id is in the queue.
func (q *RedisQueue) Exists(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check job %s: %w", jobID, err)
	}
	return n == 1, nil
}

// Depths reports the ready, delayed and active set sizes.
func (q *RedisQueue) Depths(ctx context.Context) (ready, delayed, active int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, q.readyKey)
	d := pipe.ZCard(ctx, q.delayedKey)
	a := pipe.ZCard(ctx, q.activeKey)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depths: %w", err)
	}
	return r.Val(), d.Val(), a.Val(), nil
}

// FailedPeek reads the most recent failed entries.
func (q *RedisQueue) FailedPeek(ctx context.Context, count int64) ([]FailedJob, error) {
	raw, err := q.client.LRange(ctx, q.failedKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read failed list: %w", err)
	}
	out := make([]FailedJob, 0, len(raw))
	for _, r := range raw {
		var f FailedJob
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func leaseResult(jobID string, code int64) error {
	switch code {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("job %s: %w", jobID, ErrLeaseMismatch)
	case -2:
		return fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	default:
		return fmt.Errorf("job %s: unexpected script result %d", jobID, code)
	}
}
