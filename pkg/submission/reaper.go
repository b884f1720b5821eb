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

// Reaper reclaims what crashed workers leave behind. It only touches records
// already past the lock timeout, so it never races a live holder.
type Reaper struct {
	db          *gorm.DB
	lockTimeout time.Duration
	now         Clock
	metrics     *metrics.Collector
	batchSize   int
}

func NewReaper(db *gorm.DB, lockTimeout time.Duration, now Clock, m *metrics.Collector) *Reaper {
	if now == nil {
		now = SystemClock
	}
	return &Reaper{db: db, lockTimeout: lockTimeout, now: now, metrics: m, batchSize: 500}
}

// Sweep expires stale IN_PROGRESS attempts and clears stale document locks.
// Running it twice in a row is a no-op the second time.
func (r *Reaper) Sweep(ctx context.Context) (models.SweepResult, error) {
	now := r.now()
	cutoff := now.Add(-r.lockTimeout)
	result := models.SweepResult{ExpiredAttempts: []uuid.UUID{}, ClearedLocks: []uuid.UUID{}}
	db := r.db.WithContext(ctx)

	var stale []attemptModel
	if err := db.Where("status = ? AND started_at <= ?", string(models.AttemptInProgress), cutoff).
		Order("started_at").Limit(r.batchSize).Find(&stale).Error; err != nil {
		return result, fmt.Errorf("find stale attempts: %w", err)
	}
	for i := range stale {
		a := &stale[i]
		msg := fmt.Sprintf("lock timeout of %s elapsed; held by %s since %s",
			r.lockTimeout, deref(a.WorkerID), a.StartedAt.UTC().Format(time.RFC3339))
		res := db.Model(&attemptModel{}).
			Where("id = ? AND status = ? AND started_at <= ?", a.ID, string(models.AttemptInProgress), cutoff).
			Updates(map[string]interface{}{
				"status":        string(models.AttemptExpired),
				"completed_at":  now,
				"error_message": msg,
				"updated_at":    now,
			})
		if res.Error != nil {
			return result, fmt.Errorf("expire attempt %s: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		result.ExpiredAttempts = append(result.ExpiredAttempts, a.ID)
		logger.WithFields(logrus.Fields{
			"attempt_id":      a.ID,
			"document_id":     a.DocumentID,
			"worker_id":       deref(a.WorkerID),
			"idempotency_key": a.IdempotencyKey,
			"started_at":      a.StartedAt,
		}).Warn("Expired stale submission attempt")
	}

	var locked []documentModel
	if err := db.Where("lock_acquired_at IS NOT NULL AND lock_acquired_at <= ? AND status <> ?", cutoff, string(models.DocumentSubmitted)).
		Order("lock_acquired_at").Limit(r.batchSize).Find(&locked).Error; err != nil {
		return result, fmt.Errorf("find stale locks: %w", err)
	}
	for i := range locked {
		d := &locked[i]
		res := db.Model(&documentModel{}).
			Where("id = ? AND lock_acquired_at <= ? AND status <> ?", d.ID, cutoff, string(models.DocumentSubmitted)).
			Updates(map[string]interface{}{
				"lock_owner":       nil,
				"lock_acquired_at": nil,
				"updated_at":       now,
			})
		if res.Error != nil {
			return result, fmt.Errorf("clear lock on %s: %w", d.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		result.ClearedLocks = append(result.ClearedLocks, d.ID)
		logger.WithFields(logrus.Fields{
			"document_id":      d.ID,
			"worker_id":        deref(d.LockOwner),
			"lock_acquired_at": d.LockAcquiredAt,
		}).Warn("Cleared stale document lock")
	}

	r.metrics.RecordSweep(len(result.ExpiredAttempts), len(result.ClearedLocks))
	logger.WithFields(logrus.Fields{
		"expired_attempts": len(result.ExpiredAttempts),
		"cleared_locks":    len(result.ClearedLocks),
	}).Info("Reaper sweep completed")
	return result, nil
}

// Run sweeps on every tick until ctx is done. Sweep errors are logged and the
// loop continues.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("Reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				logger.Log.WithError(err).Error("Reaper sweep failed")
			}
		}
	}
}
