package submission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testLockTimeout = 5 * time.Minute

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestDB opens a private in-memory SQLite database. A single connection
// serializes transactions the way row locks do on Postgres.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, NewRepository(db, nil).AutoMigrate())
	return db
}

type fixture struct {
	db          *gorm.DB
	clock       *fakeClock
	repo        *Repository
	coordinator *Coordinator
	reaper      *Reaper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	clock := newFakeClock()
	return &fixture{
		db:          db,
		clock:       clock,
		repo:        NewRepository(db, clock.Now),
		coordinator: NewCoordinator(db, testLockTimeout, WithClock(clock.Now)),
		reaper:      NewReaper(db, testLockTimeout, clock.Now, nil),
	}
}

func (f *fixture) createDocument(t *testing.T) models.StampableDocument {
	t.Helper()
	doc, err := f.repo.CreateDocument(context.Background(), models.CreateDocumentRequest{
		Content:        []byte("<cfdi:Comprobante Total=\"100.00\"/>"),
		ContentVersion: 1,
	})
	require.NoError(t, err)
	return doc
}

func (f *fixture) acquire(t *testing.T, doc models.StampableDocument, key, worker string) Acquisition {
	t.Helper()
	acq, err := f.coordinator.Acquire(context.Background(), AcquireRequest{
		DocumentID:     doc.ID,
		ContentVersion: doc.ContentVersion,
		IdempotencyKey: key,
		WorkerID:       worker,
	})
	require.NoError(t, err)
	return acq
}

func (f *fixture) document(t *testing.T, id uuid.UUID) models.StampableDocument {
	t.Helper()
	doc, err := f.repo.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) attempt(t *testing.T, id uuid.UUID) models.SubmissionAttempt {
	t.Helper()
	attempt, err := f.repo.GetAttempt(context.Background(), id)
	require.NoError(t, err)
	return attempt
}

func success(worker, ref string) ReleaseOutcome {
	return ReleaseOutcome{
		WorkerID:          worker,
		Status:            models.AttemptSuccess,
		ExternalReference: ref,
		ProviderResponse:  map[string]interface{}{"reference": ref},
	}
}

func failure(worker, kind string, permanent bool) ReleaseOutcome {
	return ReleaseOutcome{
		WorkerID:         worker,
		Status:           models.AttemptFailed,
		ErrorKind:        kind,
		ErrorMessage:     "provider said no",
		ProviderResponse: map[string]interface{}{"status": 422},
		Permanent:        permanent,
	}
}
