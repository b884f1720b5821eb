package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps delayed jobs in a sorted set scored by due time in unix
// milliseconds. Several pumps may poll the same key: a job belongs to the
// pump whose ZREM removed it.
type RedisQueue struct {
	client redis.Cmdable
	key    string
}

func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Schedule(ctx context.Context, job models.SubmissionJob, at time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(payload),
	}).Err()
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]models.SubmissionJob, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]models.SubmissionJob, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			continue
		}
		var job models.SubmissionJob
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			logger.Log.WithError(err).WithField("queue", q.key).Error("Dropping undecodable retry entry")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
