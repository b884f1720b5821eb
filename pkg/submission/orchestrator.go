package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/classifier"
	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/idempotency"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
	"github.com/fiscalstamp/platform/pkg/provider"
	"github.com/sirupsen/logrus"
)

// Outcome is what the scheduler branches on after a job is processed.
type Outcome string

const (
	OutcomeSubmitted        Outcome = "SUBMITTED"
	OutcomeAlreadySubmitted Outcome = "ALREADY_SUBMITTED"
	// OutcomeRetryLater is lock contention; it is not a failure.
	OutcomeRetryLater Outcome = "RETRY_LATER"
	// OutcomeRetry is a classified-retryable provider failure.
	OutcomeRetry   Outcome = "RETRY"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// Done reports whether the job needs no further scheduling.
func (o Outcome) Done() bool {
	return o != OutcomeRetryLater && o != OutcomeRetry
}

type Result struct {
	Outcome           Outcome                    `json:"outcome"`
	IdempotencyKey    string                     `json:"idempotency_key"`
	AttemptID         string                     `json:"attempt_id,omitempty"`
	ExternalReference string                     `json:"external_reference,omitempty"`
	Reason            RejectReason               `json:"reason,omitempty"`
	Classification    *classifier.Classification `json:"classification,omitempty"`
	Detail            string                     `json:"detail,omitempty"`
}

type Orchestrator struct {
	repo        *Repository
	coordinator *Coordinator
	submitter   provider.Submitter
	classifier  *classifier.Classifier
	callTimeout time.Duration
	metrics     *metrics.Collector
}

// NewOrchestrator requires the call timeout to stay below the lock timeout so
// a slow provider call cannot outlive the lock it runs under.
func NewOrchestrator(repo *Repository, coordinator *Coordinator, submitter provider.Submitter, cls *classifier.Classifier, callTimeout time.Duration, m *metrics.Collector) (*Orchestrator, error) {
	if callTimeout <= 0 || coordinator.LockTimeout() <= callTimeout {
		return nil, fmt.Errorf("%w: lock=%s call=%s", config.ErrLockTimeoutTooShort, coordinator.LockTimeout(), callTimeout)
	}
	if cls == nil {
		cls = classifier.Default()
	}
	return &Orchestrator{
		repo:        repo,
		coordinator: coordinator,
		submitter:   submitter,
		classifier:  cls,
		callTimeout: callTimeout,
		metrics:     m,
	}, nil
}

// Process runs one job through precheck, lock, provider call and commit. The
// returned error is reserved for store failures; provider failures are
// reported through the Result.
func (o *Orchestrator) Process(ctx context.Context, workerID string, job models.SubmissionJob) (Result, error) {
	key := idempotency.Key(job.DocumentID, job.ContentVersion, job.Context)
	log := logger.WithWorker(workerID, job.DocumentID.String()).WithFields(logrus.Fields{
		"idempotency_key": key,
		"content_version": job.ContentVersion,
	})

	res, err := o.process(ctx, workerID, job, key, log)
	if err != nil {
		log.WithError(err).Error("Submission job failed on store access")
		return res, err
	}

	o.metrics.RecordOutcome(string(res.Outcome))
	entry := log.WithField("outcome", res.Outcome)
	if res.Reason != "" {
		entry = entry.WithField("reason", res.Reason)
	}
	if res.Classification != nil {
		entry = entry.WithField("error_kind", res.Classification.Kind)
	}
	switch res.Outcome {
	case OutcomeFailed:
		entry.WithField("detail", res.Detail).Error("Submission failed permanently")
	case OutcomeRetry:
		entry.WithField("detail", res.Detail).Warn("Submission failed, will retry")
	default:
		entry.Info("Submission job processed")
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, workerID string, job models.SubmissionJob, key string, log *logrus.Entry) (Result, error) {
	res := Result{IdempotencyKey: key}

	// PRECHECK
	doc, err := o.repo.GetDocument(ctx, job.DocumentID)
	if errors.Is(err, ErrDocumentNotFound) {
		res.Outcome = OutcomeSkipped
		res.Detail = "document not found"
		return res, nil
	}
	if err != nil {
		return res, err
	}
	switch {
	case doc.Status == models.DocumentSubmitted:
		res.Outcome = OutcomeAlreadySubmitted
		res.ExternalReference = doc.ExternalReference
		return res, nil
	case doc.Status == models.DocumentCancelled:
		res.Outcome = OutcomeSkipped
		res.Reason = ReasonCancelled
		return res, nil
	case job.ContentVersion != doc.ContentVersion:
		res.Outcome = OutcomeSkipped
		res.Reason = ReasonSuperseded
		res.Detail = fmt.Sprintf("job version %d, document version %d", job.ContentVersion, doc.ContentVersion)
		return res, nil
	}

	prior, err := o.repo.AttemptByKey(ctx, key)
	if err != nil {
		return res, err
	}
	if prior != nil && prior.Status == models.AttemptFailed && prior.Permanent {
		res.Outcome = OutcomeFailed
		res.AttemptID = prior.ID.String()
		res.Classification = &classifier.Classification{Kind: classifier.Kind(prior.ErrorKind), Message: prior.ErrorMessage}
		res.Detail = "permanent failure already recorded for this content"
		return res, nil
	}

	// LOCK_WAIT
	acq, err := o.coordinator.Acquire(ctx, AcquireRequest{
		DocumentID:     job.DocumentID,
		ContentVersion: job.ContentVersion,
		IdempotencyKey: key,
		Context:        job.Context,
		WorkerID:       workerID,
	})
	if err != nil {
		return res, fmt.Errorf("acquire lock: %w", err)
	}
	if !acq.Acquired {
		res.Reason = acq.Reason
		switch acq.Reason {
		case ReasonAlreadySubmitted:
			res.Outcome = OutcomeAlreadySubmitted
			res.ExternalReference = acq.ExternalReference
		case ReasonCancelled, ReasonSuperseded:
			res.Outcome = OutcomeSkipped
		default:
			res.Outcome = OutcomeRetryLater
			res.Detail = "held by " + acq.HeldBy
		}
		return res, nil
	}
	attempt := acq.Attempt
	res.AttemptID = attempt.ID.String()

	// CALLING
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	started := time.Now()
	receipt, callErr := o.submitter.Submit(callCtx, provider.Request{
		DocumentID:     job.DocumentID,
		ContentVersion: job.ContentVersion,
		IdempotencyKey: key,
		Content:        acq.Document.Content,
	})
	cancel()
	o.metrics.ObserveProviderCall(time.Since(started))
	if callErr == nil && receipt.Reference == "" {
		callErr = &provider.ReceiptError{Err: errors.New("receipt carries no reference")}
	}

	// COMMIT runs even when the job context was cancelled mid-call, so the
	// lock and the provider's answer are not lost.
	commitCtx := context.WithoutCancel(ctx)

	if callErr == nil {
		return o.commitSuccess(commitCtx, workerID, job, attempt, receipt, res)
	}

	cls := o.classifier.Classify(callErr)
	o.metrics.RecordClassified(string(cls.Kind))
	res.Classification = &cls
	res.Detail = cls.Message

	var perr *provider.Error
	hasProviderErr := errors.As(callErr, &perr)
	if cls.Kind == classifier.KindDuplicate && hasProviderErr && perr.ExistingReference != "" {
		log.WithField("external_reference", perr.ExistingReference).Info("Provider reported duplicate; committing existing reference")
		receipt = provider.Receipt{
			Reference: perr.ExistingReference,
			Metadata:  perr.Diagnostics(),
		}
		return o.commitSuccess(commitCtx, workerID, job, attempt, receipt, res)
	}

	// UNKNOWN is retried once per idempotency key.
	retryable := cls.Retryable
	if cls.Kind == classifier.KindUnknown && attempt.UnknownFailures > 0 {
		retryable = false
		res.Detail = "unknown failure repeated: " + cls.Message
	}

	diagnostics := map[string]interface{}{"error": callErr.Error(), "rule": cls.Rule}
	if hasProviderErr {
		diagnostics = perr.Diagnostics()
		diagnostics["rule"] = cls.Rule
	}
	rel, err := o.coordinator.Release(commitCtx, job.DocumentID, attempt.ID, ReleaseOutcome{
		WorkerID:         workerID,
		Status:           models.AttemptFailed,
		ErrorKind:        string(cls.Kind),
		ErrorMessage:     cls.Message,
		ProviderResponse: diagnostics,
		Permanent:        !retryable,
		UnknownFailure:   cls.Kind == classifier.KindUnknown,
	})
	if err != nil {
		return res, fmt.Errorf("release lock: %w", err)
	}
	if rel.Stale {
		res.Outcome = OutcomeRetryLater
		res.Detail = "attempt taken over by another worker: " + cls.Message
		return res, nil
	}
	if rel.DocumentStatus == models.DocumentSubmitted {
		res.Outcome = OutcomeAlreadySubmitted
		res.ExternalReference = rel.ExternalReference
		return res, nil
	}
	if retryable {
		res.Outcome = OutcomeRetry
	} else {
		res.Outcome = OutcomeFailed
	}
	return res, nil
}

func (o *Orchestrator) commitSuccess(ctx context.Context, workerID string, job models.SubmissionJob, attempt *models.SubmissionAttempt, receipt provider.Receipt, res Result) (Result, error) {
	rel, err := o.coordinator.Release(ctx, job.DocumentID, attempt.ID, ReleaseOutcome{
		WorkerID:          workerID,
		Status:            models.AttemptSuccess,
		ExternalReference: receipt.Reference,
		StampedAt:         receipt.StampedAt,
		ProviderResponse:  receipt.Metadata,
	})
	if err != nil {
		return res, fmt.Errorf("commit success: %w", err)
	}
	res.ExternalReference = rel.ExternalReference
	if rel.AttemptStatus == models.AttemptSuccess && rel.LateReference == "" {
		res.Outcome = OutcomeSubmitted
		res.Classification = nil
	} else {
		res.Outcome = OutcomeAlreadySubmitted
	}
	return res, nil
}
