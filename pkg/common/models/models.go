package models

import (
	"time"

	"github.com/google/uuid"
)

// Document lifecycle
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "PENDING"
	DocumentSubmitted DocumentStatus = "SUBMITTED"
	DocumentError     DocumentStatus = "ERROR"
	DocumentCancelled DocumentStatus = "CANCELLED"
)

// Terminal reports whether no further submission attempt may start.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentSubmitted || s == DocumentCancelled
}

// Attempt lifecycle
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "PENDING"
	AttemptInProgress AttemptStatus = "IN_PROGRESS"
	AttemptSuccess    AttemptStatus = "SUCCESS"
	AttemptFailed     AttemptStatus = "FAILED"
	AttemptExpired    AttemptStatus = "EXPIRED"
)

type StampableDocument struct {
	ID                uuid.UUID      `json:"id"`
	Status            DocumentStatus `json:"status"`
	ContentVersion    int            `json:"content_version"`
	Content           []byte         `json:"content,omitempty"`
	ExternalReference string         `json:"external_reference,omitempty"`
	SubmittedAt       *time.Time     `json:"submitted_at,omitempty"`
	LockOwner         string         `json:"lock_owner,omitempty"`
	LockAcquiredAt    *time.Time     `json:"lock_acquired_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type SubmissionAttempt struct {
	ID               uuid.UUID              `json:"id"`
	DocumentID       uuid.UUID              `json:"document_id"`
	ContentVersion   int                    `json:"content_version"`
	IdempotencyKey   string                 `json:"idempotency_key"`
	Context          map[string]string      `json:"context,omitempty"`
	Status           AttemptStatus          `json:"status"`
	WorkerID         string                 `json:"worker_id,omitempty"`
	Tries            int                    `json:"tries"`
	UnknownFailures  int                    `json:"unknown_failures"`
	Permanent        bool                   `json:"permanent"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	ErrorKind        string                 `json:"error_kind,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	ProviderResponse map[string]interface{} `json:"provider_response,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// DocumentView is what operators see: the document plus the diagnostics of
// its most recent attempt.
type DocumentView struct {
	Document    StampableDocument  `json:"document"`
	LastAttempt *SubmissionAttempt `json:"last_attempt,omitempty"`
}

// Queue payloads
type SubmissionJob struct {
	DocumentID     uuid.UUID         `json:"document_id"`
	ContentVersion int               `json:"content_version"`
	Context        map[string]string `json:"context,omitempty"`
	// Attempt counts classified-retryable failures already spent on this job.
	Attempt int `json:"attempt"`
	// Deferrals counts lock-contention reschedules; they never consume Attempt.
	Deferrals  int       `json:"deferrals"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Admin API requests
type CreateDocumentRequest struct {
	Content        []byte `json:"content"`
	ContentVersion int    `json:"content_version"`
}

type UpdateContentRequest struct {
	Content        []byte `json:"content"`
	ContentVersion int    `json:"content_version"`
}

type EnqueueSubmissionRequest struct {
	ContentVersion int               `json:"content_version"`
	Context        map[string]string `json:"context,omitempty"`
}

type SweepResult struct {
	ExpiredAttempts []uuid.UUID `json:"expired_attempts"`
	ClearedLocks    []uuid.UUID `json:"cleared_locks"`
}
