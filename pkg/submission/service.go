package submission

import (
	"context"
	"fmt"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobPublisher puts a submission job on the work queue.
type JobPublisher interface {
	PublishJob(ctx context.Context, job models.SubmissionJob) error
}

// Service backs the admin API.
type Service struct {
	repo        *Repository
	coordinator *Coordinator
	reaper      *Reaper
	publisher   JobPublisher
	now         Clock
}

func NewService(repo *Repository, coordinator *Coordinator, reaper *Reaper, publisher JobPublisher) *Service {
	return &Service{repo: repo, coordinator: coordinator, reaper: reaper, publisher: publisher, now: SystemClock}
}

func (s *Service) CreateDocument(ctx context.Context, req models.CreateDocumentRequest) (models.StampableDocument, error) {
	doc, err := s.repo.CreateDocument(ctx, req)
	if err != nil {
		return models.StampableDocument{}, err
	}
	logger.WithFields(logrus.Fields{
		"document_id":     doc.ID,
		"content_version": doc.ContentVersion,
	}).Info("Document created")
	return doc, nil
}

func (s *Service) GetView(ctx context.Context, documentID uuid.UUID) (models.DocumentView, error) {
	return s.repo.View(ctx, documentID)
}

func (s *Service) ListAttempts(ctx context.Context, documentID uuid.UUID, limit int) ([]models.SubmissionAttempt, error) {
	if _, err := s.repo.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.repo.ListAttempts(ctx, documentID, limit)
}

func (s *Service) UpdateContent(ctx context.Context, documentID uuid.UUID, req models.UpdateContentRequest) (models.StampableDocument, error) {
	doc, err := s.repo.UpdateContent(ctx, documentID, req)
	if err != nil {
		return models.StampableDocument{}, err
	}
	logger.WithFields(logrus.Fields{
		"document_id":     doc.ID,
		"content_version": doc.ContentVersion,
	}).Info("Document content updated")
	return doc, nil
}

func (s *Service) Cancel(ctx context.Context, documentID uuid.UUID) (models.StampableDocument, error) {
	doc, err := s.coordinator.Cancel(ctx, documentID)
	if err != nil {
		return models.StampableDocument{}, err
	}
	logger.WithField("document_id", doc.ID).Info("Document cancelled")
	return doc, nil
}

// Enqueue publishes a job for the document's current content version. A zero
// ContentVersion in the request means "current".
func (s *Service) Enqueue(ctx context.Context, documentID uuid.UUID, req models.EnqueueSubmissionRequest) (models.SubmissionJob, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return models.SubmissionJob{}, err
	}
	switch doc.Status {
	case models.DocumentSubmitted:
		return models.SubmissionJob{}, ErrDocumentSubmitted
	case models.DocumentCancelled:
		return models.SubmissionJob{}, fmt.Errorf("%w: document is cancelled", ErrInvalidTransition)
	}
	version := req.ContentVersion
	if version == 0 {
		version = doc.ContentVersion
	}
	if version != doc.ContentVersion {
		return models.SubmissionJob{}, fmt.Errorf("%w: content version %d is not current (%d)", ErrInvalidTransition, version, doc.ContentVersion)
	}

	job := models.SubmissionJob{
		DocumentID:     documentID,
		ContentVersion: version,
		Context:        req.Context,
		EnqueuedAt:     s.now(),
	}
	if err := s.publisher.PublishJob(ctx, job); err != nil {
		return models.SubmissionJob{}, fmt.Errorf("publish submission job: %w", err)
	}
	return job, nil
}

func (s *Service) Sweep(ctx context.Context) (models.SweepResult, error) {
	return s.reaper.Sweep(ctx)
}
