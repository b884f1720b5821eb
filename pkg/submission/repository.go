package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Clock is injected wherever lock freshness is decided.
type Clock func() time.Time

func SystemClock() time.Time { return time.Now().UTC() }

type documentModel struct {
	ID                uuid.UUID  `gorm:"primaryKey;column:id"`
	Status            string     `gorm:"column:status;index"`
	ContentVersion    int        `gorm:"column:content_version"`
	Content           []byte     `gorm:"column:content"`
	ExternalReference *string    `gorm:"column:external_reference;uniqueIndex"`
	SubmittedAt       *time.Time `gorm:"column:submitted_at"`
	LockOwner         *string    `gorm:"column:lock_owner"`
	LockAcquiredAt    *time.Time `gorm:"column:lock_acquired_at;index"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (documentModel) TableName() string { return "stampable_documents" }

// At most one IN_PROGRESS attempt per document is also enforced by a partial
// unique index.
type attemptModel struct {
	ID               uuid.UUID      `gorm:"primaryKey;column:id"`
	DocumentID       uuid.UUID      `gorm:"column:document_id;index;uniqueIndex:idx_attempts_one_in_progress,where:status = 'IN_PROGRESS'"`
	ContentVersion   int            `gorm:"column:content_version"`
	IdempotencyKey   string         `gorm:"column:idempotency_key;uniqueIndex"`
	Context          datatypes.JSON `gorm:"column:context"`
	Status           string         `gorm:"column:status;index"`
	WorkerID         *string        `gorm:"column:worker_id"`
	Tries            int            `gorm:"column:tries"`
	UnknownFailures  int            `gorm:"column:unknown_failures"`
	Permanent        bool           `gorm:"column:permanent"`
	StartedAt        *time.Time     `gorm:"column:started_at;index"`
	CompletedAt      *time.Time     `gorm:"column:completed_at"`
	ErrorKind        *string        `gorm:"column:error_kind"`
	ErrorMessage     *string        `gorm:"column:error_message"`
	ProviderResponse datatypes.JSON `gorm:"column:provider_response"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (attemptModel) TableName() string { return "submission_attempts" }

type Repository struct {
	db  *gorm.DB
	now Clock
}

func NewRepository(db *gorm.DB, now Clock) *Repository {
	if now == nil {
		now = SystemClock
	}
	return &Repository{db: db, now: now}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&documentModel{}, &attemptModel{})
}

func (r *Repository) CreateDocument(ctx context.Context, req models.CreateDocumentRequest) (models.StampableDocument, error) {
	version := req.ContentVersion
	if version <= 0 {
		version = 1
	}
	now := r.now()
	row := &documentModel{
		ID:             uuid.New(),
		Status:         string(models.DocumentPending),
		ContentVersion: version,
		Content:        req.Content,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return models.StampableDocument{}, err
	}
	return toDocument(row), nil
}

func (r *Repository) GetDocument(ctx context.Context, documentID uuid.UUID) (models.StampableDocument, error) {
	var row documentModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", documentID).Error; err != nil {
		return models.StampableDocument{}, notFound(err, ErrDocumentNotFound)
	}
	return toDocument(&row), nil
}

// UpdateContent stores a new content version. A submitted document is
// write-once; a document in ERROR goes back to PENDING since the new content
// gets a fresh idempotency key.
func (r *Repository) UpdateContent(ctx context.Context, documentID uuid.UUID, req models.UpdateContentRequest) (models.StampableDocument, error) {
	var out models.StampableDocument
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := lockDocument(tx, documentID)
		if err != nil {
			return err
		}
		switch models.DocumentStatus(doc.Status) {
		case models.DocumentSubmitted:
			return ErrDocumentSubmitted
		case models.DocumentCancelled:
			return fmt.Errorf("%w: document is cancelled", ErrInvalidTransition)
		}
		if req.ContentVersion <= doc.ContentVersion {
			return fmt.Errorf("%w: content version %d is not newer than %d", ErrInvalidTransition, req.ContentVersion, doc.ContentVersion)
		}

		updates := map[string]interface{}{
			"content":         req.Content,
			"content_version": req.ContentVersion,
			"status":          string(models.DocumentPending),
			"updated_at":      r.now(),
		}
		if err := tx.Model(&documentModel{}).Where("id = ?", documentID).Updates(updates).Error; err != nil {
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

func (r *Repository) GetAttempt(ctx context.Context, attemptID uuid.UUID) (models.SubmissionAttempt, error) {
	var row attemptModel
	if err := r.db.WithContext(ctx).First(&row, "id = ?", attemptID).Error; err != nil {
		return models.SubmissionAttempt{}, notFound(err, ErrAttemptNotFound)
	}
	return toAttempt(&row), nil
}

// AttemptByKey looks up the prior outcome of a unit of work without calling
// the provider.
func (r *Repository) AttemptByKey(ctx context.Context, key string) (*models.SubmissionAttempt, error) {
	var row attemptModel
	err := r.db.WithContext(ctx).First(&row, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	attempt := toAttempt(&row)
	return &attempt, nil
}

func (r *Repository) ListAttempts(ctx context.Context, documentID uuid.UUID, limit int) ([]models.SubmissionAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []attemptModel
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	attempts := make([]models.SubmissionAttempt, 0, len(rows))
	for i := range rows {
		attempts = append(attempts, toAttempt(&rows[i]))
	}
	return attempts, nil
}

// LatestAttempt returns nil when the document was never dispatched.
func (r *Repository) LatestAttempt(ctx context.Context, documentID uuid.UUID) (*models.SubmissionAttempt, error) {
	attempts, err := r.ListAttempts(ctx, documentID, 1)
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return &attempts[0], nil
}

// View returns the document with the diagnostics of its latest attempt.
func (r *Repository) View(ctx context.Context, documentID uuid.UUID) (models.DocumentView, error) {
	doc, err := r.GetDocument(ctx, documentID)
	if err != nil {
		return models.DocumentView{}, err
	}
	last, err := r.LatestAttempt(ctx, documentID)
	if err != nil {
		return models.DocumentView{}, err
	}
	return models.DocumentView{Document: doc, LastAttempt: last}, nil
}

// lockDocument reads the document row under FOR UPDATE so the
// read-decide-write cycle of the caller is serialized per document.
func lockDocument(tx *gorm.DB, documentID uuid.UUID) (*documentModel, error) {
	var row documentModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", documentID).Error
	if err != nil {
		return nil, notFound(err, ErrDocumentNotFound)
	}
	return &row, nil
}

func reloadDocument(tx *gorm.DB, documentID uuid.UUID) (*documentModel, error) {
	var row documentModel
	if err := tx.First(&row, "id = ?", documentID).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func toDocument(row *documentModel) models.StampableDocument {
	return models.StampableDocument{
		ID:                row.ID,
		Status:            models.DocumentStatus(row.Status),
		ContentVersion:    row.ContentVersion,
		Content:           row.Content,
		ExternalReference: deref(row.ExternalReference),
		SubmittedAt:       row.SubmittedAt,
		LockOwner:         deref(row.LockOwner),
		LockAcquiredAt:    row.LockAcquiredAt,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
}

func toAttempt(row *attemptModel) models.SubmissionAttempt {
	attempt := models.SubmissionAttempt{
		ID:              row.ID,
		DocumentID:      row.DocumentID,
		ContentVersion:  row.ContentVersion,
		IdempotencyKey:  row.IdempotencyKey,
		Status:          models.AttemptStatus(row.Status),
		WorkerID:        deref(row.WorkerID),
		Tries:           row.Tries,
		UnknownFailures: row.UnknownFailures,
		Permanent:       row.Permanent,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		ErrorKind:       deref(row.ErrorKind),
		ErrorMessage:    deref(row.ErrorMessage),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.Context) > 0 {
		_ = json.Unmarshal(row.Context, &attempt.Context)
	}
	if len(row.ProviderResponse) > 0 {
		_ = json.Unmarshal(row.ProviderResponse, &attempt.ProviderResponse)
	}
	return attempt
}

func toJSON(v interface{}) datatypes.JSON {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
