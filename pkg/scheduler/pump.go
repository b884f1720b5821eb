package scheduler

import (
	"context"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/submission"
	"github.com/sirupsen/logrus"
)

// Pump moves due jobs from the delay queue back onto the work queue.
type Pump struct {
	queue     Queue
	publisher submission.JobPublisher
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewPump(queue Queue, publisher submission.JobPublisher, interval time.Duration) *Pump {
	return &Pump{queue: queue, publisher: publisher, interval: interval, batchSize: 100, now: time.Now}
}

// Tick publishes every due job once. A job whose publish fails goes back on
// the delay queue for the next tick.
func (p *Pump) Tick(ctx context.Context) (int, error) {
	jobs, err := p.queue.Due(ctx, p.now(), p.batchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, job := range jobs {
		if err := p.publisher.PublishJob(ctx, job); err != nil {
			logger.WithFields(logrus.Fields{
				"document_id": job.DocumentID,
				"error":       err.Error(),
			}).Warn("Failed to republish due job, rescheduling")
			if err := p.queue.Schedule(ctx, job, p.now().Add(p.interval)); err != nil {
				return published, err
			}
			continue
		}
		published++
	}
	return published, nil
}

func (p *Pump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("Retry pump tick failed")
			}
		}
	}
}
