package submission

import (
	"context"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RejectReason explains why Acquire did not hand out the document.
type RejectReason string

const (
	ReasonAlreadySubmitted RejectReason = "ALREADY_SUBMITTED"
	ReasonInProgress       RejectReason = "IN_PROGRESS"
	ReasonLocked           RejectReason = "LOCKED"
	ReasonCancelled        RejectReason = "CANCELLED"
	ReasonSuperseded       RejectReason = "SUPERSEDED"
)

type AcquireRequest struct {
	DocumentID     uuid.UUID
	ContentVersion int
	IdempotencyKey string
	Context        map[string]string
	WorkerID       string
}

// Acquisition is the result of a lock attempt. When Acquired is false the
// caller must not contact the provider.
type Acquisition struct {
	Acquired bool
	Reason   RejectReason
	// HeldBy names the worker holding the document for IN_PROGRESS and LOCKED.
	HeldBy string
	// ExternalReference is set for ALREADY_SUBMITTED.
	ExternalReference string
	Document          models.StampableDocument
	Attempt           *models.SubmissionAttempt
}

// ReleaseOutcome is what the worker learned from the provider.
type ReleaseOutcome struct {
	// WorkerID is the worker reporting the outcome.
	WorkerID          string
	Status            models.AttemptStatus
	ExternalReference string
	StampedAt         time.Time
	ErrorKind         string
	ErrorMessage      string
	ProviderResponse  map[string]interface{}
	// Permanent moves the document to ERROR.
	Permanent bool
	// UnknownFailure counts against the per-key UNKNOWN budget.
	UnknownFailure bool
}

type ReleaseResult struct {
	AttemptStatus     models.AttemptStatus
	DocumentStatus    models.DocumentStatus
	ExternalReference string
	// Reconciled is set when a late success turned an ERROR document into
	// SUBMITTED.
	Reconciled bool
	// Stale is set when a failure arrived from a worker whose attempt was
	// already revived by another worker; nothing was recorded.
	Stale bool
	// LateReference is a second provider reference reported after the
	// document was already submitted under ExternalReference.
	LateReference string
}

// Coordinator owns the document lock and the attempt ledger transitions.
// Every decision runs in one transaction with the document row held
// FOR UPDATE.
type Coordinator struct {
	db          *gorm.DB
	lockTimeout time.Duration
	now         Clock
	metrics     *metrics.Collector
}

type CoordinatorOption func(*Coordinator)

func WithClock(now Clock) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func WithMetrics(m *metrics.Collector) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(db *gorm.DB, lockTimeout time.Duration, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{db: db, lockTimeout: lockTimeout, now: SystemClock}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) LockTimeout() time.Duration { return c.lockTimeout }

func (c *Coordinator) fresh(t *time.Time, now time.Time) bool {
	return t != nil && now.Sub(*t) < c.lockTimeout
}

// Acquire atomically decides whether workerID may call the provider for the
// document. On success the document carries the lock fields and the attempt
// for the idempotency key is IN_PROGRESS.
func (c *Coordinator) Acquire(ctx context.Context, req AcquireRequest) (Acquisition, error) {
	var out Acquisition
	log := logger.WithWorker(req.WorkerID, req.DocumentID.String()).WithField("idempotency_key", req.IdempotencyKey)

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = Acquisition{}
		now := c.now()

		doc, err := lockDocument(tx, req.DocumentID)
		if err != nil {
			return err
		}
		out.Document = toDocument(doc)

		switch models.DocumentStatus(doc.Status) {
		case models.DocumentSubmitted:
			out.Reason = ReasonAlreadySubmitted
			out.ExternalReference = deref(doc.ExternalReference)
			return nil
		case models.DocumentCancelled:
			out.Reason = ReasonCancelled
			return nil
		}
		if req.ContentVersion != doc.ContentVersion {
			out.Reason = ReasonSuperseded
			return nil
		}

		var running []attemptModel
		if err := tx.Where("document_id = ? AND status = ?", req.DocumentID, string(models.AttemptInProgress)).
			Find(&running).Error; err != nil {
			return err
		}
		for i := range running {
			if c.fresh(running[i].StartedAt, now) {
				out.Reason = ReasonInProgress
				out.HeldBy = deref(running[i].WorkerID)
				return nil
			}
			if err := expireAttempt(tx, &running[i], now, fmt.Sprintf(
				"lock timeout of %s elapsed; expired when %s acquired", c.lockTimeout, req.WorkerID)); err != nil {
				return err
			}
		}

		if c.fresh(doc.LockAcquiredAt, now) {
			out.Reason = ReasonLocked
			out.HeldBy = deref(doc.LockOwner)
			return nil
		}

		updates := map[string]interface{}{
			"lock_owner":       req.WorkerID,
			"lock_acquired_at": now,
			"updated_at":       now,
		}
		if models.DocumentStatus(doc.Status) == models.DocumentError {
			updates["status"] = string(models.DocumentPending)
		}
		res := tx.Model(&documentModel{}).
			Where("id = ? AND (lock_acquired_at IS NULL OR lock_acquired_at <= ?)", req.DocumentID, now.Add(-c.lockTimeout)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			out.Reason = ReasonLocked
			return nil
		}

		attempt, err := c.startAttempt(tx, req, now)
		if err != nil {
			return err
		}
		doc, err = reloadDocument(tx, req.DocumentID)
		if err != nil {
			return err
		}
		out.Acquired = true
		out.Reason = ""
		out.Document = toDocument(doc)
		snapshot := toAttempt(attempt)
		out.Attempt = &snapshot
		return nil
	})
	if err != nil {
		return Acquisition{}, err
	}

	if out.Acquired {
		c.metrics.RecordAcquire("acquired")
		log.WithFields(logrus.Fields{
			"attempt_id": out.Attempt.ID,
			"tries":      out.Attempt.Tries,
		}).Info("Document lock acquired")
	} else {
		c.metrics.RecordAcquire(string(out.Reason))
		log.WithFields(logrus.Fields{
			"reason":  out.Reason,
			"held_by": out.HeldBy,
		}).Debug("Document lock rejected")
	}
	return out, nil
}

// startAttempt creates the attempt for the key or revives the existing one.
func (c *Coordinator) startAttempt(tx *gorm.DB, req AcquireRequest, now time.Time) (*attemptModel, error) {
	var row attemptModel
	err := tx.Where("idempotency_key = ?", req.IdempotencyKey).Limit(1).Find(&row).Error
	if err != nil {
		return nil, err
	}

	if row.ID == uuid.Nil {
		row = attemptModel{
			ID:             uuid.New(),
			DocumentID:     req.DocumentID,
			ContentVersion: req.ContentVersion,
			IdempotencyKey: req.IdempotencyKey,
			Context:        toJSON(req.Context),
			Status:         string(models.AttemptInProgress),
			WorkerID:       strPtr(req.WorkerID),
			Tries:          1,
			StartedAt:      &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return nil, err
		}
		return &row, nil
	}

	if row.Status == string(models.AttemptSuccess) {
		return nil, fmt.Errorf("%w: attempt %s already succeeded", ErrInvalidTransition, row.ID)
	}
	updates := map[string]interface{}{
		"status":            string(models.AttemptInProgress),
		"worker_id":         req.WorkerID,
		"tries":             row.Tries + 1,
		"permanent":         false,
		"started_at":        now,
		"completed_at":      nil,
		"error_kind":        nil,
		"error_message":     nil,
		"provider_response": nil,
		"updated_at":        now,
	}
	if err := tx.Model(&attemptModel{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	var revived attemptModel
	if err := tx.First(&revived, "id = ?", row.ID).Error; err != nil {
		return nil, err
	}
	return &revived, nil
}

// Release records the outcome of a provider call and clears the document
// lock. It is not conditioned on the caller still owning the lock: a late
// success must still be recorded.
func (c *Coordinator) Release(ctx context.Context, documentID, attemptID uuid.UUID, outcome ReleaseOutcome) (ReleaseResult, error) {
	if outcome.Status != models.AttemptSuccess && outcome.Status != models.AttemptFailed {
		return ReleaseResult{}, fmt.Errorf("%w: cannot release with status %s", ErrInvalidTransition, outcome.Status)
	}
	if outcome.Status == models.AttemptSuccess && outcome.ExternalReference == "" {
		return ReleaseResult{}, fmt.Errorf("%w: success without external reference", ErrInvalidTransition)
	}

	var out ReleaseResult
	var previousWorker string
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		out = ReleaseResult{}
		now := c.now()

		doc, err := lockDocument(tx, documentID)
		if err != nil {
			return err
		}
		var attempt attemptModel
		if err := tx.First(&attempt, "id = ? AND document_id = ?", attemptID, documentID).Error; err != nil {
			return notFound(err, ErrAttemptNotFound)
		}
		previousWorker = deref(attempt.WorkerID)
		docStatus := models.DocumentStatus(doc.Status)

		// SUCCESS is final for the attempt.
		if attempt.Status == string(models.AttemptSuccess) {
			if docStatus != models.DocumentSubmitted {
				if err := clearLock(tx, documentID, now); err != nil {
					return err
				}
			}
			out.AttemptStatus = models.AttemptSuccess
			out.DocumentStatus = docStatus
			out.ExternalReference = deref(doc.ExternalReference)
			if outcome.Status == models.AttemptSuccess && outcome.ExternalReference != out.ExternalReference {
				return recordLateReference(tx, &attempt, outcome, now, &out)
			}
			return nil
		}

		if outcome.Status == models.AttemptFailed && outcome.WorkerID != "" &&
			attempt.Status == string(models.AttemptInProgress) && previousWorker != outcome.WorkerID {
			out.AttemptStatus = models.AttemptInProgress
			out.DocumentStatus = docStatus
			out.Stale = true
			return nil
		}

		if outcome.Status == models.AttemptSuccess {
			return c.releaseSuccess(tx, doc, &attempt, outcome, now, &out)
		}
		return c.releaseFailure(tx, doc, &attempt, outcome, now, &out)
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	if !out.Stale {
		c.metrics.RecordRelease(string(out.AttemptStatus))
	}
	entry := logger.WithFields(logrus.Fields{
		"document_id":     documentID,
		"attempt_id":      attemptID,
		"worker_id":       previousWorker,
		"reported_by":     outcome.WorkerID,
		"attempt_status":  out.AttemptStatus,
		"document_status": out.DocumentStatus,
	})
	if outcome.ErrorKind != "" {
		entry = entry.WithField("error_kind", outcome.ErrorKind)
	}
	switch {
	case out.Stale:
		entry.Warn("Ignored failure from superseded lock holder")
	case out.Reconciled:
		entry.WithField("external_reference", out.ExternalReference).Warn("Late success reconciled document out of ERROR")
	case out.LateReference != "":
		entry.WithFields(logrus.Fields{
			"late_reference":     out.LateReference,
			"external_reference": out.ExternalReference,
		}).Error("Provider accepted a second submission for an already submitted document")
	default:
		entry.Info("Document lock released")
	}
	return out, nil
}

func (c *Coordinator) releaseSuccess(tx *gorm.DB, doc *documentModel, attempt *attemptModel, outcome ReleaseOutcome, now time.Time, out *ReleaseResult) error {
	docStatus := models.DocumentStatus(doc.Status)
	existing := deref(doc.ExternalReference)

	if docStatus == models.DocumentSubmitted && existing != outcome.ExternalReference {
		// The document keeps its first reference; this receipt is recorded
		// on the attempt for manual follow-up.
		response := copyResponse(outcome.ProviderResponse)
		response["late_reference"] = outcome.ExternalReference
		if err := finishAttempt(tx, attempt.ID, map[string]interface{}{
			"status":            string(models.AttemptFailed),
			"permanent":         true,
			"error_kind":        "DUPLICATE",
			"error_message":     fmt.Sprintf("provider accepted submission as %s after document was submitted as %s", outcome.ExternalReference, existing),
			"provider_response": toJSON(response),
		}, now); err != nil {
			return err
		}
		out.AttemptStatus = models.AttemptFailed
		out.DocumentStatus = docStatus
		out.ExternalReference = existing
		out.LateReference = outcome.ExternalReference
		return nil
	}

	if err := finishAttempt(tx, attempt.ID, map[string]interface{}{
		"status":            string(models.AttemptSuccess),
		"permanent":         false,
		"error_kind":        nil,
		"error_message":     nil,
		"provider_response": toJSON(outcome.ProviderResponse),
	}, now); err != nil {
		return err
	}
	out.AttemptStatus = models.AttemptSuccess
	out.DocumentStatus = models.DocumentSubmitted
	out.ExternalReference = outcome.ExternalReference

	if docStatus == models.DocumentSubmitted {
		return nil
	}
	submittedAt := outcome.StampedAt.UTC()
	if outcome.StampedAt.IsZero() {
		submittedAt = now
	}
	out.Reconciled = docStatus == models.DocumentError || docStatus == models.DocumentCancelled
	return tx.Model(&documentModel{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":             string(models.DocumentSubmitted),
		"external_reference": outcome.ExternalReference,
		"submitted_at":       submittedAt,
		"lock_owner":         nil,
		"lock_acquired_at":   nil,
		"updated_at":         now,
	}).Error
}

// recordLateReference keeps a second reference reported for an attempt that
// already succeeded. The attempt and the document keep their first answer.
func recordLateReference(tx *gorm.DB, attempt *attemptModel, outcome ReleaseOutcome, now time.Time, out *ReleaseResult) error {
	response := copyResponse(toAttempt(attempt).ProviderResponse)
	response["late_reference"] = outcome.ExternalReference
	if outcome.WorkerID != "" {
		response["late_reported_by"] = outcome.WorkerID
	}
	out.LateReference = outcome.ExternalReference
	return tx.Model(&attemptModel{}).Where("id = ?", attempt.ID).Updates(map[string]interface{}{
		"provider_response": toJSON(response),
		"updated_at":        now,
	}).Error
}

func (c *Coordinator) releaseFailure(tx *gorm.DB, doc *documentModel, attempt *attemptModel, outcome ReleaseOutcome, now time.Time, out *ReleaseResult) error {
	updates := map[string]interface{}{
		"status":            string(models.AttemptFailed),
		"permanent":         outcome.Permanent,
		"error_kind":        strPtr(outcome.ErrorKind),
		"error_message":     strPtr(outcome.ErrorMessage),
		"provider_response": toJSON(outcome.ProviderResponse),
	}
	if outcome.UnknownFailure {
		updates["unknown_failures"] = attempt.UnknownFailures + 1
	}
	if err := finishAttempt(tx, attempt.ID, updates, now); err != nil {
		return err
	}
	out.AttemptStatus = models.AttemptFailed
	out.DocumentStatus = models.DocumentStatus(doc.Status)
	out.ExternalReference = deref(doc.ExternalReference)

	if out.DocumentStatus == models.DocumentSubmitted {
		return nil
	}
	// Another worker holds a live lock under a different key; its lock and
	// the document state are not ours to change.
	if owner := deref(doc.LockOwner); owner != "" && owner != deref(attempt.WorkerID) && c.fresh(doc.LockAcquiredAt, now) {
		return nil
	}
	docUpdates := map[string]interface{}{
		"lock_owner":       nil,
		"lock_acquired_at": nil,
		"updated_at":       now,
	}
	if outcome.Permanent && out.DocumentStatus != models.DocumentCancelled {
		docUpdates["status"] = string(models.DocumentError)
		out.DocumentStatus = models.DocumentError
	}
	return tx.Model(&documentModel{}).Where("id = ?", doc.ID).Updates(docUpdates).Error
}

// MarkAbandoned moves a document to ERROR once the retry budget is spent.
// Submitted and cancelled documents are left untouched.
func (c *Coordinator) MarkAbandoned(ctx context.Context, documentID uuid.UUID, reason string) error {
	var changed bool
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := lockDocument(tx, documentID)
		if err != nil {
			return err
		}
		if models.DocumentStatus(doc.Status).Terminal() || doc.Status == string(models.DocumentError) {
			return nil
		}
		changed = true
		return tx.Model(&documentModel{}).Where("id = ?", documentID).Updates(map[string]interface{}{
			"status":     string(models.DocumentError),
			"updated_at": c.now(),
		}).Error
	})
	if err != nil {
		return err
	}
	if changed {
		logger.WithFields(logrus.Fields{
			"document_id": documentID,
			"reason":      reason,
		}).Warn("Document abandoned after exhausting retries")
	}
	return nil
}

// Cancel withdraws a document that is neither submitted nor being submitted.
func (c *Coordinator) Cancel(ctx context.Context, documentID uuid.UUID) (models.StampableDocument, error) {
	var out models.StampableDocument
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := c.now()
		doc, err := lockDocument(tx, documentID)
		if err != nil {
			return err
		}
		switch models.DocumentStatus(doc.Status) {
		case models.DocumentSubmitted:
			return ErrDocumentSubmitted
		case models.DocumentCancelled:
			out = toDocument(doc)
			return nil
		}
		if c.fresh(doc.LockAcquiredAt, now) {
			return ErrDocumentLocked
		}
		if err := tx.Model(&documentModel{}).Where("id = ?", documentID).Updates(map[string]interface{}{
			"status":           string(models.DocumentCancelled),
			"lock_owner":       nil,
			"lock_acquired_at": nil,
			"updated_at":       now,
		}).Error; err != nil {
			return err
		}
		doc, err = reloadDocument(tx, documentID)
		if err != nil {
			return err
		}
		out = toDocument(doc)
		return nil
	})
	return out, err
}

func expireAttempt(tx *gorm.DB, row *attemptModel, now time.Time, message string) error {
	return tx.Model(&attemptModel{}).
		Where("id = ? AND status = ?", row.ID, string(models.AttemptInProgress)).
		Updates(map[string]interface{}{
			"status":        string(models.AttemptExpired),
			"completed_at":  now,
			"error_message": message,
			"updated_at":    now,
		}).Error
}

func finishAttempt(tx *gorm.DB, attemptID uuid.UUID, updates map[string]interface{}, now time.Time) error {
	updates["completed_at"] = now
	updates["updated_at"] = now
	return tx.Model(&attemptModel{}).Where("id = ?", attemptID).Updates(updates).Error
}

func clearLock(tx *gorm.DB, documentID uuid.UUID, now time.Time) error {
	return tx.Model(&documentModel{}).Where("id = ?", documentID).Updates(map[string]interface{}{
		"lock_owner":       nil,
		"lock_acquired_at": nil,
		"updated_at":       now,
	}).Error
}

func copyResponse(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
