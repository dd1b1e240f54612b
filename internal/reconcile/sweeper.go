// Package reconcile resubmits jobs for records that were committed but lost their job.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mail-scheduler/internal/models"
	"mail-scheduler/internal/telemetry"
)

// RecordSource lists non-final records that are past due.
type RecordSource interface {
	StaleRecords(ctx context.Context, cutoff time.Time, limit int) ([]models.EmailRecord, error)
}

// JobQueue is the subset of the queue the sweep needs.
type JobQueue interface {
	Exists(ctx context.Context, jobID string) (bool, error)
	Submit(ctx context.Context, jobID string, payload models.JobPayload, delay time.Duration) (bool, error)
}

// Sweeper finds scheduled or rate limited records older than the grace period
// with no live job and submits one for each.
type Sweeper struct {
	records RecordSource
	queue   JobQueue
	grace   time.Duration
	batch   int
	log     *zap.Logger
	now     func() time.Time
}

func NewSweeper(records RecordSource, q JobQueue, grace time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		records: records,
		queue:   q,
		grace:   grace,
		batch:   500,
		log:     logger.Named("reconcile"),
		now:     time.Now,
	}
}

// WithClock replaces the time source used for the staleness cutoff.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// SweepOnce runs one pass and returns how many jobs were resubmitted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)
	stale, err := s.records.StaleRecords(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("load stale records: %w", err)
	}

	resubmitted := 0
	for _, rec := range stale {
		live, err := s.queue.Exists(ctx, rec.ID)
		if err != nil {
			return resubmitted, err
		}
		if live {
			continue
		}
		created, err := s.queue.Submit(ctx, rec.ID, models.PayloadFor(rec), 0)
		if err != nil {
			return resubmitted, err
		}
		if created {
			resubmitted++
			s.log.Warn("resubmitted orphaned record",
				zap.String("email_id", rec.ID),
				zap.String("status", string(rec.Status)),
				zap.Time("scheduled_at", rec.ScheduledAt),
			)
		}
	}
	telemetry.EmailsReconciled.Add(float64(resubmitted))
	return resubmitted, nil
}

// Start runs SweepOnce on the cron schedule until ctx is done. The returned cron is already started.
func (s *Sweeper) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	_, err := c.AddFunc(schedule, func() {
		n, err := s.SweepOnce(ctx)
		if err != nil {
			s.log.Error("reconcile sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.log.Info("reconcile sweep finished", zap.Int("resubmitted", n))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
