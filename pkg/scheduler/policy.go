package scheduler

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/config"
)

// RetryPolicy bounds classified-retryable failures. Lock contention is
// rescheduled with ContentionDelay and never consumes MaxAttempts.
type RetryPolicy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ContentionDelay time.Duration
	// MaxJitter caps the deterministic jitter added to every delay.
	MaxJitter time.Duration
}

func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
		ContentionDelay: cfg.RetryContentionDelay,
		MaxJitter:       cfg.RetryBaseDelay / 2,
	}
}

// Exhausted reports whether a job that has already failed `spent` times has
// no retry left after its current failure.
func (p RetryPolicy) Exhausted(spent int) bool {
	return spent+1 >= p.MaxAttempts
}

// Backoff returns base*2^attempt capped at MaxDelay, plus jitter derived from
// the idempotency key so replays compute the same schedule.
func (p RetryPolicy) Backoff(key string, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := p.BaseDelay * time.Duration(int64(1)<<attempt)
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	return delay + p.jitter(key, "backoff", attempt)
}

// Contention returns the delay before a lock-contended job is retried.
func (p RetryPolicy) Contention(key string, deferrals int) time.Duration {
	return p.ContentionDelay + p.jitter(key, "contention", deferrals)
}

func (p RetryPolicy) jitter(key, kind string, n int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", key, kind, n)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
