package submission

import (
	"context"
	"testing"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/fiscalstamp/platform/pkg/observability/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepLeavesLiveHoldersAlone(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	a := f.acquire(t, doc, "key", "worker-a")

	f.clock.Advance(testLockTimeout - time.Second)
	swept, err := f.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept.ExpiredAttempts)
	assert.Empty(t, swept.ClearedLocks)

	assert.Equal(t, models.AttemptInProgress, f.attempt(t, a.Attempt.ID).Status)
	assert.Equal(t, "worker-a", f.document(t, doc.ID).LockOwner)
}

func TestSweepExpiresLockExactlyAtTimeout(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	a := f.acquire(t, doc, "key", "worker-a")

	f.clock.Advance(testLockTimeout)
	swept, err := f.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.Attempt.ID}, swept.ExpiredAttempts)
	assert.Equal(t, []uuid.UUID{doc.ID}, swept.ClearedLocks)

	assert.Equal(t, models.AttemptExpired, f.attempt(t, a.Attempt.ID).Status)
	assert.Empty(t, f.document(t, doc.ID).LockOwner)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		doc := f.createDocument(t)
		f.acquire(t, doc, doc.ID.String(), "worker-a")
	}

	f.clock.Advance(testLockTimeout + time.Minute)
	first, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, first.ExpiredAttempts, 3)
	assert.Len(t, first.ClearedLocks, 3)

	second, err := f.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.ExpiredAttempts)
	assert.Empty(t, second.ClearedLocks)
}

func TestSweepSkipsSubmittedDocuments(t *testing.T) {
	f := newFixture(t)
	doc := f.createDocument(t)
	stale := f.clock.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(&documentModel{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":             string(models.DocumentSubmitted),
		"external_reference": "REF",
		"lock_owner":         "ghost",
		"lock_acquired_at":   stale,
	}).Error)

	swept, err := f.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept.ClearedLocks)
	assert.Equal(t, "ghost", f.document(t, doc.ID).LockOwner)
}

func TestSweepRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	reaper := NewReaper(f.db, testLockTimeout, f.clock.Now, metrics.NewCollector(reg))

	doc := f.createDocument(t)
	f.acquire(t, doc, "key", "worker-a")
	f.clock.Advance(2 * testLockTimeout)

	_, err := reaper.Sweep(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				values[fam.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["stamping_reaper_expired_attempts_total"])
	assert.Equal(t, 1.0, values["stamping_reaper_cleared_locks_total"])
	assert.Equal(t, 1.0, values["stamping_reaper_sweeps_total"])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reaper.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
