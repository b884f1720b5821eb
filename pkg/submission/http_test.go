package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []models.SubmissionJob
}

func (p *recordingPublisher) PublishJob(_ context.Context, job models.SubmissionJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func newTestRouter(t *testing.T) (*mux.Router, *fixture, *recordingPublisher) {
	t.Helper()
	f := newFixture(t)
	pub := &recordingPublisher{}
	svc := NewService(f.repo, f.coordinator, f.reaper, pub)
	r := mux.NewRouter()
	NewHandler(svc).Register(r)
	return r, f, pub
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetDocument(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := serve(r, http.MethodPost, "/documents", `{"content":"PGNmZGkvPg==","content_version":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Document models.StampableDocument `json:"document"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	assert.Equal(t, models.DocumentPending, created.Document.Status)
	assert.Equal(t, []byte("<cfdi/>"), created.Document.Content)

	rec = serve(r, http.MethodGet, "/documents/"+created.Document.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view models.DocumentView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, created.Document.ID, view.Document.ID)
	assert.Nil(t, view.LastAttempt)
}

func TestCreateDocumentValidation(t *testing.T) {
	r, _, _ := newTestRouter(t)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/documents", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPost, "/documents", `{"content_version":1}`).Code)
}

func TestGetDocumentErrors(t *testing.T) {
	r, _, _ := newTestRouter(t)
	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodGet, "/documents/not-a-uuid", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/documents/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/documents/"+uuid.NewString()+"/attempts", "").Code)
}

func TestSubmitEnqueuesCurrentVersion(t *testing.T) {
	r, f, pub := newTestRouter(t)
	doc := f.createDocument(t)

	rec := serve(r, http.MethodPost, "/documents/"+doc.ID.String()+"/submit", `{"context":{"series":"A"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.jobs, 1)
	assert.Equal(t, doc.ID, pub.jobs[0].DocumentID)
	assert.Equal(t, 1, pub.jobs[0].ContentVersion)
	assert.Equal(t, "A", pub.jobs[0].Context["series"])

	rec = serve(r, http.MethodPost, "/documents/"+doc.ID.String()+"/submit", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(r, http.MethodPost, "/documents/"+doc.ID.String()+"/submit", `{"content_version":7}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitRejectsSubmittedDocument(t *testing.T) {
	r, f, pub := newTestRouter(t)
	doc := f.createDocument(t)
	a := f.acquire(t, doc, "key", "worker-a")
	_, err := f.coordinator.Release(context.Background(), doc.ID, a.Attempt.ID, success("worker-a", "REF-1"))
	require.NoError(t, err)

	rec := serve(r, http.MethodPost, "/documents/"+doc.ID.String()+"/submit", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, pub.jobs)

	rec = serve(r, http.MethodPut, "/documents/"+doc.ID.String()+"/content", `{"content":"PHYyLz4=","content_version":2}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(r, http.MethodGet, "/documents/"+doc.ID.String()+"/attempts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []models.SubmissionAttempt `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, models.AttemptSuccess, list.Items[0].Status)
}

func TestUpdateContentAndCancel(t *testing.T) {
	r, f, _ := newTestRouter(t)
	doc := f.createDocument(t)
	path := "/documents/" + doc.ID.String()

	assert.Equal(t, http.StatusBadRequest, serve(r, http.MethodPut, path+"/content", `{"content":"PHYyLz4="}`).Code)
	assert.Equal(t, http.StatusConflict, serve(r, http.MethodPut, path+"/content", `{"content":"PHYyLz4=","content_version":1}`).Code)

	rec := serve(r, http.MethodPut, path+"/content", `{"content":"PHYyLz4=","content_version":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.document(t, doc.ID).ContentVersion)

	rec = serve(r, http.MethodPost, path+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DocumentCancelled, f.document(t, doc.ID).Status)

	assert.Equal(t, http.StatusConflict, serve(r, http.MethodPost, path+"/submit", "").Code)
}

func TestCancelWhileLockedConflicts(t *testing.T) {
	r, f, _ := newTestRouter(t)
	doc := f.createDocument(t)
	f.acquire(t, doc, "key", "worker-a")

	rec := serve(r, http.MethodPost, "/documents/"+doc.ID.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	r, f, _ := newTestRouter(t)
	doc := f.createDocument(t)
	a := f.acquire(t, doc, "key", "worker-a")
	f.clock.Advance(2 * testLockTimeout)

	rec := serve(r, http.MethodPost, "/reaper/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.SweepResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, []uuid.UUID{a.Attempt.ID}, result.ExpiredAttempts)
	assert.Equal(t, []uuid.UUID{doc.ID}, result.ClearedLocks)
}
