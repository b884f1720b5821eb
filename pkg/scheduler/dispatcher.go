package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
	"github.com/fiscalstamp/platform/pkg/submission"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Processor interface {
	Process(ctx context.Context, workerID string, job models.SubmissionJob) (submission.Result, error)
}

type Abandoner interface {
	MarkAbandoned(ctx context.Context, documentID uuid.UUID, reason string) error
}

// Dispatcher turns orchestrator outcomes into scheduling decisions. The core
// only classifies; all looping happens here and is bounded by the policy.
type Dispatcher struct {
	processor Processor
	abandoner Abandoner
	queue     Queue
	policy    RetryPolicy
	now       func() time.Time
	metrics   *metrics.Collector
}

func NewDispatcher(processor Processor, abandoner Abandoner, queue Queue, policy RetryPolicy, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		processor: processor,
		abandoner: abandoner,
		queue:     queue,
		policy:    policy,
		now:       time.Now,
		metrics:   m,
	}
}

// Handle processes one job. A returned error means the job was not settled
// and the queue should redeliver it.
func (d *Dispatcher) Handle(ctx context.Context, workerID string, job models.SubmissionJob) error {
	res, err := d.processor.Process(ctx, workerID, job)
	if err != nil {
		return err
	}

	log := logger.WithWorker(workerID, job.DocumentID.String()).WithFields(logrus.Fields{
		"idempotency_key": res.IdempotencyKey,
		"outcome":         res.Outcome,
		"attempt":         job.Attempt,
		"deferrals":       job.Deferrals,
	})

	switch res.Outcome {
	case submission.OutcomeRetryLater:
		delay := d.policy.Contention(res.IdempotencyKey, job.Deferrals)
		job.Deferrals++
		if err := d.queue.Schedule(ctx, job, d.now().Add(delay)); err != nil {
			return fmt.Errorf("reschedule contended job: %w", err)
		}
		d.metrics.RecordReschedule("contention")
		log.WithField("delay", delay.String()).Debug("Document busy, job deferred")
		return nil

	case submission.OutcomeRetry:
		if d.policy.Exhausted(job.Attempt) {
			reason := fmt.Sprintf("retry budget of %d attempts exhausted: %s", d.policy.MaxAttempts, res.Detail)
			if err := d.abandoner.MarkAbandoned(ctx, job.DocumentID, reason); err != nil {
				return fmt.Errorf("abandon job: %w", err)
			}
			d.metrics.RecordReschedule("exhausted")
			log.WithField("reason", reason).Error("Submission abandoned")
			return nil
		}
		delay := d.policy.Backoff(res.IdempotencyKey, job.Attempt)
		job.Attempt++
		if err := d.queue.Schedule(ctx, job, d.now().Add(delay)); err != nil {
			return fmt.Errorf("reschedule failed job: %w", err)
		}
		d.metrics.RecordReschedule("backoff")
		log.WithField("delay", delay.String()).Info("Submission retry scheduled")
		return nil
	}

	return nil
}
