package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
)

var (
	ErrPoolStarted = errors.New("worker pool already started")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

type JobHandler = func(ctx context.Context, job models.SubmissionJob) error

// JobSource delivers jobs to a handler until ctx is done. A job whose
// handler returns an error is left for redelivery.
type JobSource interface {
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

type HandleFunc func(ctx context.Context, workerID string, job models.SubmissionJob) error

// Pool runs a fixed number of consumers, each with its own source and a
// stable worker identity derived from the base id.
type Pool struct {
	baseID    string
	newSource func(i int) JobSource
	handle    HandleFunc

	sources []JobSource
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

func NewPool(baseID string, newSource func(i int) JobSource, handle HandleFunc) *Pool {
	return &Pool{baseID: baseID, newSource: newSource, handle: handle}
}

func (p *Pool) WorkerID(i int) string {
	return fmt.Sprintf("%s-%d", p.baseID, i)
}

func (p *Pool) Start(ctx context.Context, workers int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolStarted
	}
	if workers <= 0 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < workers; i++ {
		source := p.newSource(i)
		p.sources = append(p.sources, source)
		workerID := p.WorkerID(i)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(runCtx, workerID, source)
		}()
	}

	p.started = true
	logger.Log.WithField("workers", workers).Info("Worker pool started")
	return nil
}

func (p *Pool) run(ctx context.Context, workerID string, source JobSource) {
	log := logger.WithField("worker_id", workerID)
	log.Info("Worker consuming")

	err := source.Consume(ctx, func(ctx context.Context, job models.SubmissionJob) error {
		return p.handle(ctx, workerID, job)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Worker stopped with error")
		return
	}
	log.Info("Worker stopped")
}

// Stop cancels every consumer, waits for in-flight jobs and closes the
// sources. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	for _, source := range p.sources {
		if err := source.Close(); err != nil {
			logger.Log.WithError(err).Warn("Failed to close job source")
		}
	}
}
