// Package scheduler turns batch requests into staggered email records and their queue jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mail-scheduler/internal/models"
	"mail-scheduler/internal/telemetry"
)

var (
	// ErrInvalidBatch is returned for a request that cannot be scheduled.
	ErrInvalidBatch = errors.New("invalid batch")
	// ErrPartialSubmission is matched by PartialSubmissionError.
	ErrPartialSubmission = errors.New("records committed but jobs not submitted")
)

// PartialSubmissionError lists committed records that have no job yet.
// The reconcile sweep picks them up once they are past due.
type PartialSubmissionError struct {
	Orphaned []string
	Err      error
}

func (e *PartialSubmissionError) Error() string {
	return fmt.Sprintf("%d record(s) without a job: %v", len(e.Orphaned), e.Err)
}

func (e *PartialSubmissionError) Is(target error) bool { return target == ErrPartialSubmission }

func (e *PartialSubmissionError) Unwrap() error { return e.Err }

// RecordStore persists a batch in one transaction.
type RecordStore interface {
	InsertRecords(ctx context.Context, records []models.EmailRecord) error
}

// JobSubmitter submits delayed jobs keyed by record id.
type JobSubmitter interface {
	Submit(ctx context.Context, jobID string, payload models.JobPayload, delay time.Duration) (bool, error)
}

// BatchRequest is one email to many recipients. A nil DelayBetween uses the default spacing;
// a zero value sends every recipient at ScheduledAt.
type BatchRequest struct {
	Sender       string
	Subject      string
	Body         string
	Recipients   []string
	ScheduledAt  time.Time
	DelayBetween *time.Duration
}

// Enqueuer creates records and jobs for batch requests.
type Enqueuer struct {
	store          RecordStore
	queue          JobSubmitter
	defaultSpacing time.Duration
	log            *zap.Logger
	now            func() time.Time
	newID          func() string
}

func NewEnqueuer(st RecordStore, q JobSubmitter, defaultSpacing time.Duration, logger *zap.Logger) *Enqueuer {
	return &Enqueuer{
		store:          st,
		queue:          q,
		defaultSpacing: defaultSpacing,
		log:            logger.Named("scheduler"),
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// WithClock replaces the time source used to compute job delays.
func (e *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	e.now = now
	return e
}

// Plan computes the records for req without persisting them.
// Recipient i is due at ScheduledAt + i*spacing.
func (e *Enqueuer) Plan(req BatchRequest) ([]models.EmailRecord, error) {
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidBatch)
	}
	if strings.TrimSpace(req.Sender) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidBatch)
	}
	spacing := e.defaultSpacing
	if req.DelayBetween != nil {
		spacing = *req.DelayBetween
	}
	if spacing < 0 {
		return nil, fmt.Errorf("%w: negative spacing", ErrInvalidBatch)
	}

	created := e.now().UTC()
	base := req.ScheduledAt.UTC()
	records := make([]models.EmailRecord, len(req.Recipients))
	for i, to := range req.Recipients {
		records[i] = models.EmailRecord{
			ID:          e.newID(),
			Sender:      req.Sender,
			Recipient:   to,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: base.Add(time.Duration(i) * spacing),
			Status:      models.StatusScheduled,
			CreatedAt:   created,
			UpdatedAt:   created,
		}
	}
	return records, nil
}

// ScheduleBatch inserts every record in one transaction, then submits one job per record.
// It returns record ids in recipient order. A failed insert submits nothing; failed
// submissions after the commit are reported as a PartialSubmissionError alongside the ids.
func (e *Enqueuer) ScheduleBatch(ctx context.Context, req BatchRequest) ([]string, error) {
	records, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertRecords(ctx, records); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	telemetry.EmailsScheduled.Add(float64(len(records)))

	ids := make([]string, len(records))
	var orphaned []string
	var submitErr error
	now := e.now()
	for i, rec := range records {
		ids[i] = rec.ID
		delay := rec.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if _, err := e.queue.Submit(ctx, rec.ID, models.PayloadFor(rec), delay); err != nil {
			e.log.Error("submit job failed",
				zap.String("email_id", rec.ID),
				zap.String("recipient", rec.Recipient),
				zap.Error(err),
			)
			orphaned = append(orphaned, rec.ID)
			submitErr = errors.Join(submitErr, err)
		}
	}

	e.log.Info("batch scheduled",
		zap.String("sender", req.Sender),
		zap.Int("recipients", len(records)),
		zap.Time("first_due", records[0].ScheduledAt),
		zap.Int("orphaned", len(orphaned)),
	)
	if len(orphaned) > 0 {
		return ids, &PartialSubmissionError{Orphaned: orphaned, Err: submitErr}
	}
	return ids, nil
}
