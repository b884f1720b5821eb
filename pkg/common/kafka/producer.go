package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer, topic: topic}
}

// PublishJob writes a submission job keyed by document id, so every job for
// one document lands on the same partition.
func (p *Producer) PublishJob(ctx context.Context, job models.SubmissionJob) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(job.DocumentID.String()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "content-version", Value: []byte(fmt.Sprint(job.ContentVersion))},
			{Key: "attempt", Value: []byte(fmt.Sprint(job.Attempt))},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"document_id": job.DocumentID,
			"topic":       p.topic,
		}).Error("Failed to publish submission job")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"document_id":     job.DocumentID,
		"content_version": job.ContentVersion,
		"attempt":         job.Attempt,
		"topic":           p.topic,
	}).Debug("Submission job published")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
