package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mail-scheduler/internal/archive"
	"mail-scheduler/internal/config"
	"mail-scheduler/internal/mailer"
	"mail-scheduler/internal/models"
	"mail-scheduler/internal/queue"
	"mail-scheduler/internal/ratelimit"
	"mail-scheduler/internal/store"
	"mail-scheduler/internal/telemetry"
)

// RecordStore is the slice of the record store the dispatcher mutates.
type RecordStore interface {
	GetRecord(ctx context.Context, id string) (models.EmailRecord, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkRateLimited(ctx context.Context, id string, nextAt time.Time) error
	MarkScheduled(ctx context.Context, id string) error
}

// JobQueue is the leased delayed queue the dispatcher consumes.
type JobQueue interface {
	PromoteDue(ctx context.Context, limit int64) (int, error)
	Reserve(ctx context.Context) (*queue.Job, error)
	MoveToDelayed(ctx context.Context, jobID, lease string, dueAt time.Time) error
	Release(ctx context.Context, jobID, lease string, delay time.Duration) error
	ExtendLease(ctx context.Context, jobID, lease string, extension time.Duration) error
	MarkDelivered(ctx context.Context, jobID, lease string, sentAt time.Time) error
	Ack(ctx context.Context, jobID, lease string) error
	Fail(ctx context.Context, jobID, lease, reason string) error
	RequeueExpired(ctx context.Context, limit int64) ([]string, error)
	Depths(ctx context.Context) (ready, delayed, active int64, err error)
}

// Limiter answers whether a sender may send one more message now.
type Limiter interface {
	TryConsume(ctx context.Context, sender string) (bool, error)
}

// Pacer spaces consecutive sends. *rate.Limiter paces one process;
// *ratelimit.SendPacer paces every worker sharing a Redis.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FailureObserver is told about every job that ends in the failed state.
type FailureObserver func(ctx context.Context, job *queue.Job, reason string)

// Processor drives the worker pool.
type Processor struct {
	cfg       config.Config
	store     RecordStore
	queue     JobQueue
	limiter   Limiter
	transport mailer.Transport
	archiver  archive.Archiver
	pacer     Pacer
	observers []FailureObserver
	log       *zap.Logger
	now       func() time.Time

	newBackOff func() backoff.BackOff
}

func NewProcessor(cfg config.Config, st RecordStore, q JobQueue, lim Limiter, transport mailer.Transport, logger *zap.Logger) *Processor {
	p := &Processor{
		cfg:       cfg,
		store:     st,
		queue:     q,
		limiter:   lim,
		transport: transport,
		pacer:     rate.NewLimiter(rate.Every(cfg.EmailDelay()), 1),
		log:       logger.Named("worker"),
		now:       time.Now,

		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 5)
		},
	}
	p.OnFailed(p.markRecordFailed)
	return p
}

// WithArchiver stores a copy of every delivered message.
func (p *Processor) WithArchiver(a archive.Archiver) *Processor {
	p.archiver = a
	return p
}

// WithPacer replaces the in-process pacing governor.
func (p *Processor) WithPacer(pacer Pacer) *Processor {
	if pacer != nil {
		p.pacer = pacer
	}
	return p
}

// WithClock replaces the time source used for sent times and rate windows.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// OnFailed registers an observer for failed jobs. Observers run in registration order.
func (p *Processor) OnFailed(fn FailureObserver) {
	if fn != nil {
		p.observers = append(p.observers, fn)
	}
}

// Run starts the pool and blocks until ctx is cancelled and in-flight jobs are done.
func (p *Processor) Run(ctx context.Context) error {
	workers := p.cfg.WorkerConcurrency
	if workers <= 0 {
		workers = 1
	}
	p.log.Info("worker pool starting",
		zap.Int("workers", workers),
		zap.Duration("pacing", p.cfg.EmailDelay()),
		zap.Int("hourly_limit", p.cfg.EmailRateLimitPerHour),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintainLoop(ctx)
	}()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.log.Info("worker pool drained")
	return ctx.Err()
}

func (p *Processor) workerLoop(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := p.ProcessNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("process next failed", zap.Error(err))
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.pollInterval()):
		}
	}
}

func (p *Processor) maintainLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()
	for {
		if err := p.Maintain(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("queue maintenance failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Maintain promotes due jobs, reclaims expired leases and refreshes the depth gauges.
func (p *Processor) Maintain(ctx context.Context) error {
	batch := int64(p.cfg.PromoteBatchSize)
	if batch <= 0 {
		batch = 100
	}
	if _, err := p.queue.PromoteDue(ctx, batch); err != nil {
		return err
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, batch)
	if err != nil {
		return err
	}
	if len(reclaimed) > 0 {
		p.log.Warn("reclaimed jobs with expired leases", zap.Strings("email_ids", reclaimed))
	}
	ready, delayed, active, err := p.queue.Depths(ctx)
	if err != nil {
		return err
	}
	telemetry.ReadyDepthGauge.Set(float64(ready))
	telemetry.DelayedDepthGauge.Set(float64(delayed))
	telemetry.InFlightGauge.Set(float64(active))
	return nil
}

// ProcessNext waits for the pacing governor, then reserves and handles one ready job.
// It reports whether a job was reserved. No job is held while waiting, so a long pacing
// interval cannot outlast a lease. Once handling starts it runs to completion so shutdown
// does not cut a send short.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	if err := p.pacer.Wait(ctx); err != nil {
		return false, err
	}
	job, err := p.queue.Reserve(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.handle(context.WithoutCancel(ctx), job)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, job *queue.Job) {
	log := p.log.With(zap.String("email_id", job.ID), zap.Int("attempt", job.Attempts))

	// A full lease from here covers the bounded send. A job whose lease already
	// lapsed belongs to whoever reserved it next.
	if err := p.queue.ExtendLease(ctx, job.ID, job.Lease, p.cfg.LeaseTimeout); err != nil {
		if errors.Is(err, queue.ErrMissingLease) {
			p.fail(ctx, log, job, err.Error())
			return
		}
		log.Warn("lease lost, abandoning job", zap.Error(err))
		return
	}

	rec, err := p.store.GetRecord(ctx, job.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("record missing, dropping job")
		p.ack(ctx, log, job)
		return
	}
	if err != nil {
		log.Error("load record failed", zap.Error(err))
		p.release(ctx, log, job)
		return
	}
	if rec.Status.Terminal() {
		log.Info("record already final, skipping redelivered job", zap.String("status", string(rec.Status)))
		p.ack(ctx, log, job)
		return
	}
	if !job.DeliveredAt.IsZero() {
		log.Info("message already delivered, recording outcome", zap.Time("sent_at", job.DeliveredAt))
		p.complete(ctx, log, job, job.DeliveredAt)
		return
	}
	if rec.Status == models.StatusRateLimited {
		if err := p.store.MarkScheduled(ctx, rec.ID); err != nil {
			log.Error("reset rate limited record failed", zap.Error(err))
			p.release(ctx, log, job)
			return
		}
	}

	allowed, err := p.limiter.TryConsume(ctx, rec.Sender)
	if err != nil {
		log.Error("rate limiter unavailable", zap.Error(err))
		p.release(ctx, log, job)
		return
	}
	if !allowed {
		p.reschedule(ctx, log, job)
		return
	}

	p.send(ctx, log, job)
}

// reschedule moves a denied job to the start of the next hour window using its lease.
func (p *Processor) reschedule(ctx context.Context, log *zap.Logger, job *queue.Job) {
	next := ratelimit.NextWindow(p.now().UTC())
	telemetry.EmailsRateLimited.Inc()
	if err := p.store.MarkRateLimited(ctx, job.ID, next); err != nil {
		log.Error("mark rate limited failed", zap.Error(err))
	}
	err := p.queue.MoveToDelayed(ctx, job.ID, job.Lease, next)
	switch {
	case err == nil:
		log.Info("hourly limit reached, moved to next window", zap.String("sender", job.Payload.Sender), zap.Time("due_at", next))
	case errors.Is(err, queue.ErrMissingLease):
		p.fail(ctx, log, job, fmt.Sprintf("reschedule without lease: %v", err))
	default:
		// Another worker may own the job after a lease expiry; it will pick up the record.
		log.Error("move job to next window failed", zap.Error(err))
	}
}

func (p *Processor) send(ctx context.Context, log *zap.Logger, job *queue.Job) {
	sendCtx := ctx
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}

	msg := mailer.Message{
		From:    job.Payload.Sender,
		To:      job.Payload.Recipient,
		Subject: job.Payload.Subject,
		Body:    job.Payload.Body,
	}
	start := time.Now()
	receipt, err := p.transport.Send(sendCtx, msg)
	telemetry.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.fail(ctx, log, job, err.Error())
		return
	}

	sentAt := p.now().UTC()
	if err := p.queue.MarkDelivered(ctx, job.ID, job.Lease, sentAt); err != nil {
		log.Error("mark job delivered failed", zap.Error(err))
	}
	telemetry.EmailsSent.Inc()
	log.Info("email sent",
		zap.String("recipient", msg.To),
		zap.String("message_id", receipt.MessageID),
		zap.String("preview", receipt.Preview),
	)

	if p.archiver != nil && len(receipt.Raw) > 0 {
		loc, err := p.archiver.Store(ctx, archive.Key(msg.From, job.ID), receipt.Raw)
		if err != nil {
			log.Warn("archive sent message failed", zap.Error(err))
		} else {
			log.Debug("sent message archived", zap.String("location", loc))
		}
	}

	p.complete(ctx, log, job, sentAt)
}

// complete records a delivered message as sent and acks its job. While the
// store refuses, the job is released instead so it stays visible to the
// reconciler and its delivered marker keeps the next attempt from resending.
func (p *Processor) complete(ctx context.Context, log *zap.Logger, job *queue.Job, sentAt time.Time) {
	op := func() error {
		err := p.store.MarkSent(ctx, job.ID, sentAt)
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("mark sent failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		log.Warn("record not updatable after delivery", zap.Error(err))
	default:
		log.Error("mark sent failed, holding job for another attempt", zap.Error(err))
		p.release(ctx, log, job)
		return
	}
	p.ack(ctx, log, job)
}

// fail marks the job failed in the queue, then notifies observers.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, job *queue.Job, reason string) {
	if err := p.queue.Fail(ctx, job.ID, job.Lease, reason); err != nil {
		log.Error("mark job failed in queue", zap.Error(err))
	}
	telemetry.EmailsFailed.Inc()
	log.Warn("email failed", zap.String("reason", reason))
	for _, fn := range p.observers {
		fn(ctx, job, reason)
	}
}

func (p *Processor) markRecordFailed(ctx context.Context, job *queue.Job, reason string) {
	if err := p.store.MarkFailed(ctx, job.ID, reason); err != nil {
		p.log.Error("mark record failed", zap.String("email_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) ack(ctx context.Context, log *zap.Logger, job *queue.Job) {
	if err := p.queue.Ack(ctx, job.ID, job.Lease); err != nil {
		log.Error("ack job failed", zap.Error(err))
	}
}

func (p *Processor) release(ctx context.Context, log *zap.Logger, job *queue.Job) {
	if err := p.queue.Release(ctx, job.ID, job.Lease, p.cfg.InfraRetryDelay); err != nil {
		log.Error("release job failed", zap.Error(err))
	}
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return 500 * time.Millisecond
}
