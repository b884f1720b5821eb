package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     messageReader
	retryDelay time.Duration
}

type JobHandler = func(ctx context.Context, job models.SubmissionJob) error

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader, retryDelay: time.Second}
}

// Consume hands each job to handler and commits only when it returns nil.
// Undecodable payloads are committed and dropped.
func (c *Consumer) Consume(ctx context.Context, handler JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			time.Sleep(c.retryDelay)
			continue
		}

		var job models.SubmissionJob
		if err := json.Unmarshal(message.Value, &job); err != nil {
			logger.Log.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal submission job")
			c.commit(ctx, message)
			continue
		}

		if err := c.handle(ctx, handler, job, message.Offset); err != nil {
			// Not committed; the group redelivers it after a rebalance.
			return err
		}

		c.commit(ctx, message)
	}
}

// handle retries a failing job in place, since committing a later offset
// would skip it.
func (c *Consumer) handle(ctx context.Context, handler JobHandler, job models.SubmissionJob, offset int64) error {
	for {
		err := handler(ctx, job)
		if err == nil {
			return nil
		}
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"document_id": job.DocumentID,
			"offset":      offset,
		}).Error("Failed to process submission job")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
