package submission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiscalstamp/platform/pkg/classifier"
	"github.com/fiscalstamp/platform/pkg/common/config"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/idempotency"
	"github.com/fiscalstamp/platform/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
	results  []stubResult
}

type stubResult struct {
	receipt provider.Receipt
	err     error
}

func (s *stubSubmitter) Submit(ctx context.Context, req provider.Request) (provider.Receipt, error) {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, n) {
			break
		}
	}

	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return provider.Receipt{}, ctx.Err()
		}
	}
	if len(s.results) == 0 {
		return provider.Receipt{Reference: "REF-" + req.IdempotencyKey[:12], StampedAt: time.Now()}, nil
	}
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	return s.results[idx].receipt, s.results[idx].err
}

func (s *stubSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newOrchestrator(t *testing.T, f *fixture, sub provider.Submitter) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(f.repo, f.coordinator, sub, classifier.Default(), time.Minute, nil)
	require.NoError(t, err)
	return o
}

func jobFor(doc models.StampableDocument) models.SubmissionJob {
	return models.SubmissionJob{DocumentID: doc.ID, ContentVersion: doc.ContentVersion}
}

func TestNewOrchestratorRequiresCallTimeoutBelowLockTimeout(t *testing.T) {
	f := newFixture(t)
	_, err := NewOrchestrator(f.repo, f.coordinator, &stubSubmitter{}, nil, testLockTimeout, nil)
	assert.ErrorIs(t, err, config.ErrLockTimeoutTooShort)

	_, err = NewOrchestrator(f.repo, f.coordinator, &stubSubmitter{}, nil, 0, nil)
	assert.ErrorIs(t, err, config.ErrLockTimeoutTooShort)
}

func TestProcessSubmitsDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{{receipt: provider.Receipt{
		Reference: "UUID-FISCAL-1",
		StampedAt: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
		Metadata:  map[string]interface{}{"pac": "demo"},
	}}}}
	o := newOrchestrator(t, f, sub)

	res, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, "UUID-FISCAL-1", res.ExternalReference)
	assert.Equal(t, idempotency.Key(doc.ID, 1, nil), res.IdempotencyKey)
	assert.True(t, res.Outcome.Done())

	view, err := f.repo.View(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentSubmitted, view.Document.Status)
	assert.Equal(t, "UUID-FISCAL-1", view.Document.ExternalReference)
	require.NotNil(t, view.LastAttempt)
	assert.Equal(t, models.AttemptSuccess, view.LastAttempt.Status)
	assert.Equal(t, "demo", view.LastAttempt.ProviderResponse["pac"])
}

func TestProcessNeverCallsProviderAfterSuccess(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{}
	o := newOrchestrator(t, f, sub)

	first, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	require.Equal(t, OutcomeSubmitted, first.Outcome)

	for _, worker := range []string{"worker-a", "worker-b", "worker-c"} {
		res, err := o.Process(context.Background(), worker, jobFor(doc))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySubmitted, res.Outcome)
		assert.Equal(t, first.ExternalReference, res.ExternalReference)
	}
	assert.Equal(t, 1, sub.Calls())
}

func TestProcessConcurrentWorkersCallProviderOnce(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{delay: 50 * time.Millisecond}
	o := newOrchestrator(t, f, sub)

	const workers = 6
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			res, err := o.Process(context.Background(), worker, jobFor(doc))
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}("worker-" + string(rune('a'+i)))
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeSubmitted])
	assert.Equal(t, workers-1, counts[OutcomeRetryLater]+counts[OutcomeAlreadySubmitted])
	assert.Equal(t, 1, sub.Calls())
	assert.Equal(t, int32(1), atomic.LoadInt32(&sub.maxSeen))
}

func TestProcessContentionIsRetryLater(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	key := idempotency.Key(doc.ID, 1, nil)
	f.acquire(t, doc, key, "worker-a")

	sub := &stubSubmitter{}
	res, err := newOrchestrator(t, f, sub).Process(context.Background(), "worker-b", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	assert.Equal(t, ReasonInProgress, res.Reason)
	assert.False(t, res.Outcome.Done())
	assert.Zero(t, sub.Calls())
}

func TestProcessPermanentFailureMarksDocumentError(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{{err: &provider.Error{
		Status:  422,
		Code:    "CFDI40108",
		Message: "schema violation at Comprobante/@Total",
	}}}}
	o := newOrchestrator(t, f, sub)

	res, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Classification)
	assert.Equal(t, classifier.KindValidation, res.Classification.Kind)

	view, err := f.repo.View(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentError, view.Document.Status)
	assert.Empty(t, view.Document.LockOwner)
	require.NotNil(t, view.LastAttempt)
	assert.Equal(t, models.AttemptFailed, view.LastAttempt.Status)
	assert.Equal(t, "VALIDATION", view.LastAttempt.ErrorKind)
	assert.True(t, view.LastAttempt.Permanent)
	assert.Equal(t, "CFDI40108", view.LastAttempt.ProviderResponse["code"])

	// A redelivered job for the same content is answered from the ledger.
	again, err := o.Process(context.Background(), "worker-b", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, again.Outcome)
	assert.Equal(t, 1, sub.Calls())
}

func TestProcessRetryableFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{
		{err: &provider.Error{Status: 503, Message: "busy"}},
		{receipt: provider.Receipt{Reference: "UUID-2"}},
	}}
	o := newOrchestrator(t, f, sub)

	res, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, classifier.KindProviderTemporary, res.Classification.Kind)

	stored := f.document(t, doc.ID)
	assert.Equal(t, models.DocumentPending, stored.Status)
	assert.Empty(t, stored.LockOwner)

	res, err = o.Process(context.Background(), "worker-b", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, "UUID-2", res.ExternalReference)

	attempts, err := f.repo.ListAttempts(context.Background(), doc.ID, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 2, attempts[0].Tries)
}

func TestProcessReceiptWithoutReferenceIsRetried(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{
		{receipt: provider.Receipt{}},
		{receipt: provider.Receipt{Reference: "UUID-3"}},
	}}
	o := newOrchestrator(t, f, sub)

	res, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	require.NotNil(t, res.Classification)
	assert.Equal(t, classifier.KindProviderTemporary, res.Classification.Kind)
	assert.Equal(t, models.DocumentPending, f.document(t, doc.ID).Status)

	res, err = o.Process(context.Background(), "worker-b", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, "UUID-3", res.ExternalReference)
}

func TestProcessUnknownFailureRetriedOncePerKey(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{{err: errors.New("the flux capacitor disagrees")}}}
	o := newOrchestrator(t, f, sub)

	first, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, first.Outcome)
	assert.Equal(t, classifier.KindUnknown, first.Classification.Kind)

	// A fresh dispatch of the same content still shares the budget.
	second, err := o.Process(context.Background(), "worker-b", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, second.Outcome)

	attempt, err := f.repo.AttemptByKey(context.Background(), first.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	assert.Equal(t, 2, attempt.UnknownFailures)
	assert.True(t, attempt.Permanent)
	assert.Equal(t, models.DocumentError, f.document(t, doc.ID).Status)
	assert.Equal(t, 2, sub.Calls())
}

func TestProcessDuplicateWithReferenceIsSuccess(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{{err: &provider.Error{
		Status:            409,
		Code:              "DUPLICATE",
		Message:           "document already stamped",
		ExistingReference: "UUID-EXISTING",
	}}}}

	res, err := newOrchestrator(t, f, sub).Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, "UUID-EXISTING", res.ExternalReference)

	stored := f.document(t, doc.ID)
	assert.Equal(t, models.DocumentSubmitted, stored.Status)
	assert.Equal(t, "UUID-EXISTING", stored.ExternalReference)
}

func TestProcessDuplicateWithoutReferenceIsPermanent(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{results: []stubResult{{err: errors.New("document already stamped")}}}

	res, err := newOrchestrator(t, f, sub).Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, classifier.KindDuplicate, res.Classification.Kind)
	assert.Equal(t, models.DocumentError, f.document(t, doc.ID).Status)
}

func TestProcessCallTimeoutClassifiedAsNetwork(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{delay: time.Second}
	o, err := NewOrchestrator(f.repo, f.coordinator, sub, nil, 20*time.Millisecond, nil)
	require.NoError(t, err)

	res, err := o.Process(context.Background(), "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, classifier.KindNetwork, res.Classification.Kind)
	assert.Equal(t, "call-timeout", res.Classification.Rule)
	assert.Empty(t, f.document(t, doc.ID).LockOwner)
}

func TestProcessReleasesLockWhenJobContextIsCancelled(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	sub := &stubSubmitter{delay: time.Second}
	o := newOrchestrator(t, f, sub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := o.Process(ctx, "worker-a", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Empty(t, f.document(t, doc.ID).LockOwner)
}

func TestProcessSkipsCancelledSupersededAndMissingDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := &stubSubmitter{}
	o := newOrchestrator(t, f, sub)

	cancelled := f.createDocument(t)
	_, err := f.coordinator.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)
	res, err := o.Process(ctx, "worker-a", jobFor(cancelled))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, ReasonCancelled, res.Reason)

	old := f.createDocument(t)
	_, err = f.repo.UpdateContent(ctx, old.ID, models.UpdateContentRequest{Content: []byte("<v2/>"), ContentVersion: 2})
	require.NoError(t, err)
	res, err = o.Process(ctx, "worker-a", jobFor(old))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, ReasonSuperseded, res.Reason)

	missing := old
	missing.ID[0] ^= 0xff
	res, err = o.Process(ctx, "worker-a", jobFor(missing))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	assert.Zero(t, sub.Calls())
}

func TestProcessRecoversAfterCrashedWorker(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	key := idempotency.Key(doc.ID, 1, nil)

	crashed := f.acquire(t, doc, key, "worker-a")
	require.True(t, crashed.Acquired)
	f.clock.Advance(testLockTimeout + time.Second)
	_, err := f.reaper.Sweep(context.Background())
	require.NoError(t, err)

	sub := &stubSubmitter{}
	res, err := newOrchestrator(t, f, sub).Process(context.Background(), "worker-c", jobFor(doc))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSubmitted, res.Outcome)
	assert.Equal(t, crashed.Attempt.ID.String(), res.AttemptID)
}
