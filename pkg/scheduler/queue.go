package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/models"
)

// Queue holds jobs until their retry time. Due removes what it returns, so a
// job handed to one caller is never handed to another.
type Queue interface {
	Schedule(ctx context.Context, job models.SubmissionJob, at time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]models.SubmissionJob, error)
}

type scheduledJob struct {
	at  time.Time
	job models.SubmissionJob
}

// MemoryQueue is a process-local Queue for tests and single-node runs.
type MemoryQueue struct {
	mu    sync.Mutex
	items []scheduledJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Schedule(_ context.Context, job models.SubmissionJob, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, scheduledJob{at: at, job: job})
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].at.Before(q.items[j].at) })
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]models.SubmissionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []models.SubmissionJob
	n := 0
	for n < len(q.items) && !q.items[n].at.After(now) && (limit <= 0 || len(due) < limit) {
		due = append(due, q.items[n].job)
		n++
	}
	q.items = q.items[n:]
	return due, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
