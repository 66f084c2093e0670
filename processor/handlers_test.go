// Copyright 2025 DocuFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuflow/platform/broker"
	"docuflow/platform/events"
	"docuflow/platform/llm"
	"docuflow/platform/shared/types"
	"docuflow/platform/store"
)

const testSecret = "test-signing-secret"

// =============================================================================
// Fakes
// =============================================================================

type fakeDocs struct {
	mu        sync.Mutex
	docs      map[string]*types.Document
	seq       int
	insertErr error
	statuses  []types.DocumentStatus
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[string]*types.Document)}
}

func (f *fakeDocs) add(doc *types.Document) *types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.ID == "" {
		f.seq++
		doc.ID = fmt.Sprintf("doc-%d", f.seq)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	doc.UpdatedAt = doc.CreatedAt
	f.docs[doc.ID] = doc
	return doc
}

func (f *fakeDocs) get(id string) *types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

func (f *fakeDocs) Insert(ctx context.Context, doc *types.Document) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	if doc.Status == "" {
		doc.Status = types.StatusUploading
	}
	f.add(doc)
	return nil
}

func (f *fakeDocs) GetForUser(ctx context.Context, id, userID string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.UserID != userID {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeDocs) List(ctx context.Context, userID string, filter store.ListFilter) ([]*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Document
	for _, doc := range f.docs {
		if doc.UserID != userID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if filter.Status == "" && doc.Status == types.StatusArchived {
			continue
		}
		copied := *doc
		out = append(out, &copied)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeDocs) UpdateStatus(ctx context.Context, id string, status types.DocumentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
	}
	return nil
}

func (f *fakeDocs) SaveCorrected(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.UserID != userID {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	if doc.Status != types.StatusNeedsReview {
		return nil, &store.StateError{DocumentID: id, Status: doc.Status, Allowed: []types.DocumentStatus{types.StatusNeedsReview}}
	}
	now := time.Now().UTC()
	conf := 0.95
	doc.ParsedData = data
	doc.Confidence = &conf
	doc.ReviewedAt = &now
	copied := *doc
	return &copied, nil
}

func (f *fakeDocs) Approve(ctx context.Context, id, userID string, data map[string]any) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.UserID != userID {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	if doc.Status != types.StatusNeedsReview {
		return nil, &store.StateError{DocumentID: id, Status: doc.Status, Allowed: []types.DocumentStatus{types.StatusNeedsReview}}
	}
	now := time.Now().UTC()
	if data != nil {
		conf := 1.0
		doc.ParsedData = data
		doc.Confidence = &conf
	}
	doc.Status = types.StatusCompleted
	doc.NeedsReview = false
	doc.CompletedAt = &now
	copied := *doc
	return &copied, nil
}

func (f *fakeDocs) Archive(ctx context.Context, id, userID string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.UserID != userID {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	if doc.Status == types.StatusArchived {
		return nil, &store.StateError{DocumentID: id, Status: doc.Status, Allowed: []types.DocumentStatus{types.StatusProcessing}}
	}
	doc.Status = types.StatusArchived
	copied := *doc
	return &copied, nil
}

func (f *fakeDocs) ResetForRetry(ctx context.Context, id, userID string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok || doc.UserID != userID {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	if doc.Status != types.StatusFailed && doc.Status != types.StatusNeedsReview {
		return nil, &store.StateError{DocumentID: id, Status: doc.Status,
			Allowed: []types.DocumentStatus{types.StatusFailed, types.StatusNeedsReview}}
	}
	doc.Status = types.StatusProcessing
	doc.Confidence = nil
	doc.NeedsReview = false
	doc.CompletedAt = nil
	doc.ReviewedAt = nil
	copied := *doc
	return &copied, nil
}

type fakeAudit struct {
	mu        sync.Mutex
	records   []*types.AuditRecord
	insertErr error
	aggregate *types.AuditAggregate
	stages    []types.StageMetrics

	lastStart, lastEnd time.Time
	lastProvider       string
}

func (f *fakeAudit) Insert(ctx context.Context, rec *types.AuditRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.ID = fmt.Sprintf("audit-%d", len(f.records)+1)
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) ByDocument(ctx context.Context, documentID string) ([]*types.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AuditRecord
	for _, rec := range f.records {
		if rec.DocumentID == documentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeAudit) StageMetrics(ctx context.Context, documentID string) ([]types.StageMetrics, error) {
	return f.stages, nil
}

func (f *fakeAudit) Aggregate(ctx context.Context, start, end time.Time, provider string) (*types.AuditAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStart, f.lastEnd, f.lastProvider = start, end, provider
	if f.aggregate != nil {
		return f.aggregate, nil
	}
	return &types.AuditAggregate{}, nil
}

func (f *fakeAudit) uploads(documentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.DocumentID == documentID && rec.Stage == types.StageUpload {
			n++
		}
	}
	return n
}

type fakeObjects struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	uploadErr error
	signedURL string
	signErr   error
	deleted   chan string
	bucket    string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		uploads: make(map[string][]byte),
		bucket:  "docuflow-test",
		deleted: make(chan string, 4),
	}
}

func (f *fakeObjects) Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = data
	return nil
}

func (f *fakeObjects) Download(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.uploads[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return data, nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.deleted <- key
	return nil
}

func (f *fakeObjects) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return f.signedURL, nil
}

func (f *fakeObjects) Bucket() string { return f.bucket }

func (f *fakeObjects) HealthCheck(ctx context.Context) error { return nil }

type fakeQueue struct {
	mu         sync.Mutex
	published  []types.UploadedJob
	publishErr error
}

func (f *fakeQueue) PublishUploaded(ctx context.Context, job types.UploadedJob) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, job)
	return nil
}

func (f *fakeQueue) Start(ctx context.Context, handler broker.Handler) error {
	return nil
}

func (f *fakeQueue) Stop(timeout time.Duration) error { return nil }

func (f *fakeQueue) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeQueue) jobs() []types.UploadedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.UploadedJob(nil), f.published...)
}

type fakeProviders struct {
	infos []llm.ProviderInfo
}

func (f *fakeProviders) Infos() []llm.ProviderInfo { return f.infos }

// =============================================================================
// Fixture
// =============================================================================

type serverFixture struct {
	srv     *Server
	docs    *fakeDocs
	audit   *fakeAudit
	objects *fakeObjects
	queue   *fakeQueue
	bus     *events.MemoryBus
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	fx := &serverFixture{
		docs:    newFakeDocs(),
		audit:   &fakeAudit{},
		objects: newFakeObjects(),
		queue:   &fakeQueue{},
		bus:     events.NewMemoryBus(),
	}
	t.Cleanup(func() { _ = fx.bus.Close() })

	srv, err := NewServer(ServerConfig{
		Documents:   fx.docs,
		Audit:       fx.audit,
		Objects:     fx.objects,
		Queue:       fx.queue,
		Bus:         fx.bus,
		Providers:   &fakeProviders{},
		JWTSecret:   testSecret,
		MaxFileSize: 1 << 20, // 1 MiB keeps oversize tests small
	})
	require.NoError(t, err)
	fx.srv = srv
	return fx
}

func (fx *serverFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	fx.srv.Routes().ServeHTTP(rr, req)
	return rr
}

// subscribe attaches a firehose subscriber so tests can assert emitted
// events.
func (fx *serverFixture) subscribe(t *testing.T) *events.Subscription {
	t.Helper()
	sub, err := fx.bus.Subscribe(context.Background(), events.TopicAll)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

func nextEvent(t *testing.T, sub *events.Subscription) types.DocumentEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return types.DocumentEvent{}
	}
}

func signToken(t *testing.T, secret, userID string, premium bool, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(expiry).Unix(),
	}
	if premium {
		claims["premium"] = true
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authed(t *testing.T, req *http.Request, userID string) *http.Request {
	t.Helper()
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, userID, false, time.Hour))
	return req
}

// multipartUpload builds a multipart body with one "file" part carrying an
// explicit content type, the way browsers send uploads.
func multipartUpload(t *testing.T, filename, contentType string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func decodeDocument(t *testing.T, rr *httptest.ResponseRecorder) types.Document {
	t.Helper()
	var doc types.Document
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&doc))
	return doc
}

// =============================================================================
// Upload Tests
// =============================================================================

func TestUploadAcceptsDocumentAndQueuesJob(t *testing.T) {
	fx := newServerFixture(t)
	sub := fx.subscribe(t)

	body, contentType := multipartUpload(t, "invoice.png", "image/png", bytes.Repeat([]byte{0x89}, 2048))
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", body), "user-1")
	req.Header.Set("Content-Type", contentType)

	rr := fx.do(t, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	doc := decodeDocument(t, rr)
	assert.Equal(t, types.StatusProcessing, doc.Status)
	assert.Equal(t, "user-1", doc.UserID)
	assert.Equal(t, "invoice.png", doc.Filename)
	assert.Equal(t, "image/png", doc.MimeType)
	assert.Equal(t, int64(2048), doc.FileSize)
	assert.Equal(t, "docuflow-test", doc.Bucket)
	assert.True(t, strings.HasPrefix(doc.ObjectKey, "documents/user-1/"), doc.ObjectKey)

	// Bytes landed under the generated key.
	stored, err := fx.objects.Download(context.Background(), doc.ObjectKey)
	require.NoError(t, err)
	assert.Len(t, stored, 2048)

	// One UPLOAD audit record anchors the checkpoint watermark.
	assert.Equal(t, 1, fx.audit.uploads(doc.ID))

	// The job mirrors the stored document.
	jobs := fx.queue.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, doc.ID, jobs[0].DocumentID)
	assert.Equal(t, doc.ObjectKey, jobs[0].ObjectKey)
	assert.Equal(t, "image/png", jobs[0].MimeType)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.False(t, jobs[0].Premium)

	ev := nextEvent(t, sub)
	assert.Equal(t, types.EventCreated, ev.Type)
	assert.Equal(t, doc.ID, ev.Document.ID)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	fx := newServerFixture(t)

	body, contentType := multipartUpload(t, "malware.exe", "application/x-msdownload", []byte("MZ"))
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", body), "user-1")
	req.Header.Set("Content-Type", contentType)

	rr := fx.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "application/x-msdownload")
	assert.Empty(t, fx.queue.jobs())
	assert.Empty(t, fx.objects.uploads)
}

func TestUploadInfersTypeFromExtension(t *testing.T) {
	fx := newServerFixture(t)

	// No per-part content type: the extension decides.
	body, contentType := multipartUpload(t, "report.pdf", "", []byte("%PDF-1.7"))
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", body), "user-1")
	req.Header.Set("Content-Type", contentType)

	rr := fx.do(t, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "application/pdf", decodeDocument(t, rr).MimeType)
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	fx := newServerFixture(t)

	body, contentType := multipartUpload(t, "huge.png", "image/png", bytes.Repeat([]byte{1}, (1<<20)+1))
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", body), "user-1")
	req.Header.Set("Content-Type", contentType)

	rr := fx.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "maximum size")
	assert.Empty(t, fx.queue.jobs())
}

func TestUploadRequiresFilePart(t *testing.T) {
	fx := newServerFixture(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf), "user-1")
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := fx.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "file")
}

func TestUploadQueueFailureMarksDocumentFailed(t *testing.T) {
	fx := newServerFixture(t)
	fx.queue.publishErr = fmt.Errorf("jetstream unavailable")

	body, contentType := multipartUpload(t, "invoice.png", "image/png", []byte("png"))
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents", body), "user-1")
	req.Header.Set("Content-Type", contentType)

	rr := fx.do(t, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	// The document stays visible in a retryable state.
	require.Len(t, fx.docs.statuses, 1)
	assert.Equal(t, types.StatusFailed, fx.docs.statuses[0])
}

func TestUploadPremiumClaimFlowsIntoJob(t *testing.T) {
	fx := newServerFixture(t)

	body, contentType := multipartUpload(t, "contract.pdf", "application/pdf", []byte("%PDF-1.7"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, "user-premium", true, time.Hour))

	rr := fx.do(t, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	jobs := fx.queue.jobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].Premium)
}

// =============================================================================
// Read Endpoint Tests
// =============================================================================

func TestListFiltersByStatusAndOwner(t *testing.T) {
	fx := newServerFixture(t)
	fx.docs.add(&types.Document{UserID: "user-1", Filename: "a.png", Status: types.StatusCompleted})
	fx.docs.add(&types.Document{UserID: "user-1", Filename: "b.png", Status: types.StatusNeedsReview})
	fx.docs.add(&types.Document{UserID: "user-2", Filename: "c.png", Status: types.StatusCompleted})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents?status=COMPLETED", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Documents []types.Document `json:"documents"`
		Count     int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "a.png", resp.Documents[0].Filename)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	fx := newServerFixture(t)

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents?status=EXPLODED", nil), "user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetHidesForeignDocuments(t *testing.T) {
	fx := newServerFixture(t)
	doc := fx.docs.add(&types.Document{UserID: "user-2", Filename: "secret.pdf", Status: types.StatusCompleted})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID, nil), "user-1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID, nil), "user-2"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSignedURLEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.objects.signedURL = "https://signed.example/doc?sig=abc"
	doc := fx.docs.add(&types.Document{UserID: "user-1", ObjectKey: "documents/user-1/1_a.png", Status: types.StatusCompleted})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID+"/url", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		URL       string `json:"url"`
		ExpiresIn int    `json:"expiresInSeconds"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "https://signed.example/doc?sig=abc", resp.URL)
	assert.Equal(t, 900, resp.ExpiresIn)
}

func TestAuditTrailEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	doc := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusCompleted})
	require.NoError(t, fx.audit.Insert(context.Background(), &types.AuditRecord{DocumentID: doc.ID, Stage: types.StageUpload}))
	require.NoError(t, fx.audit.Insert(context.Background(), &types.AuditRecord{DocumentID: doc.ID, Stage: types.StageClassification}))
	require.NoError(t, fx.audit.Insert(context.Background(), &types.AuditRecord{DocumentID: "other", Stage: types.StageUpload}))

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID+"/audit", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Records []types.AuditRecord `json:"records"`
		Count   int                 `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)

	// Foreign documents 404 before any audit data leaks.
	rr = fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID+"/audit", nil), "user-2"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStageStatsEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	doc := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusCompleted})
	fx.audit.stages = []types.StageMetrics{{Stage: types.StageClassification, Attempts: 1, AvgLatencyMs: 420}}

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+doc.ID+"/stats", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Stages []types.StageMetrics `json:"stages"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, types.StageClassification, resp.Stages[0].Stage)
}

// =============================================================================
// Review Lifecycle Tests
// =============================================================================

func TestRetryRequeuesFailedDocument(t *testing.T) {
	fx := newServerFixture(t)
	sub := fx.subscribe(t)
	doc := fx.docs.add(&types.Document{
		UserID:    "user-1",
		Filename:  "invoice.png",
		MimeType:  "image/png",
		FileSize:  512,
		ObjectKey: "documents/user-1/1_invoice.png",
		Bucket:    "docuflow-test",
		Status:    types.StatusFailed,
	})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+doc.ID+"/retry", nil), "user-1"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	assert.Equal(t, types.StatusProcessing, decodeDocument(t, rr).Status)
	assert.Equal(t, 1, fx.audit.uploads(doc.ID), "retry writes a fresh UPLOAD watermark")

	jobs := fx.queue.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, doc.ID, jobs[0].DocumentID)
	assert.Equal(t, "documents/user-1/1_invoice.png", jobs[0].ObjectKey)

	assert.Equal(t, types.EventUpdated, nextEvent(t, sub).Type)
}

func TestRetryConflictsOutsideRetryableStates(t *testing.T) {
	fx := newServerFixture(t)
	doc := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusCompleted})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+doc.ID+"/retry", nil), "user-1"))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Empty(t, fx.queue.jobs())
}

func TestSaveCorrectedUpdatesReviewDocument(t *testing.T) {
	fx := newServerFixture(t)
	sub := fx.subscribe(t)
	doc := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusNeedsReview})

	payload := `{"parsedData":{"total":108.0,"currency":"USD"}}`
	req := authed(t, httptest.NewRequest(http.MethodPut, "/api/v1/documents/"+doc.ID, strings.NewReader(payload)), "user-1")

	rr := fx.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	updated := decodeDocument(t, rr)
	require.NotNil(t, updated.Confidence)
	assert.InDelta(t, 0.95, *updated.Confidence, 1e-9)
	assert.Equal(t, "USD", updated.ParsedData["currency"])

	assert.Equal(t, types.EventUpdated, nextEvent(t, sub).Type)
}

func TestSaveCorrectedGuardsStatusAndBody(t *testing.T) {
	fx := newServerFixture(t)
	processing := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusProcessing})
	review := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusNeedsReview})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodPut, "/api/v1/documents/"+processing.ID,
		strings.NewReader(`{"parsedData":{"a":1}}`)), "user-1"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = fx.do(t, authed(t, httptest.NewRequest(http.MethodPut, "/api/v1/documents/"+review.ID,
		strings.NewReader(`{}`)), "user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestApproveCompletesDocument(t *testing.T) {
	fx := newServerFixture(t)
	sub := fx.subscribe(t)
	doc := fx.docs.add(&types.Document{UserID: "user-1", Status: types.StatusNeedsReview})

	payload := `{"parsedData":{"total":99.5}}`
	req := authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+doc.ID+"/approve", strings.NewReader(payload)), "user-1")

	rr := fx.do(t, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	approved := decodeDocument(t, rr)
	assert.Equal(t, types.StatusCompleted, approved.Status)
	require.NotNil(t, approved.Confidence)
	assert.InDelta(t, 1.0, *approved.Confidence, 1e-9)
	assert.False(t, approved.NeedsReview)

	assert.Equal(t, types.EventCompleted, nextEvent(t, sub).Type)
}

func TestApproveWithoutBodyKeepsStoredData(t *testing.T) {
	fx := newServerFixture(t)
	conf := 0.8
	doc := fx.docs.add(&types.Document{
		UserID:     "user-1",
		Status:     types.StatusNeedsReview,
		ParsedData: map[string]any{"total": 10.0},
		Confidence: &conf,
	})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodPost, "/api/v1/documents/"+doc.ID+"/approve", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	approved := decodeDocument(t, rr)
	assert.Equal(t, types.StatusCompleted, approved.Status)
	assert.Equal(t, 10.0, approved.ParsedData["total"])
}

func TestDeleteArchivesAndRemovesObject(t *testing.T) {
	fx := newServerFixture(t)
	sub := fx.subscribe(t)
	doc := fx.docs.add(&types.Document{
		UserID:    "user-1",
		ObjectKey: "documents/user-1/1_old.png",
		Status:    types.StatusCompleted,
	})

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodDelete, "/api/v1/documents/"+doc.ID, nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, types.StatusArchived, decodeDocument(t, rr).Status)

	select {
	case key := <-fx.objects.deleted:
		assert.Equal(t, "documents/user-1/1_old.png", key)
	case <-time.After(time.Second):
		t.Fatal("stored object was never deleted")
	}

	assert.Equal(t, types.EventDeleted, nextEvent(t, sub).Type)
}

// =============================================================================
// Usage / Monitoring Tests
// =============================================================================

func TestUsageEndpointAggregatesWindow(t *testing.T) {
	fx := newServerFixture(t)
	fx.audit.aggregate = &types.AuditAggregate{
		TotalRecords:   12,
		TotalTokens:    34000,
		TotalCostCents: 42,
		ByProvider:     map[string]int64{"anthropic": 8, "gemini": 4},
	}

	url := "/api/v1/usage?from=2025-06-01T00:00:00Z&to=2025-07-01T00:00:00Z&provider=anthropic"
	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, url, nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Usage types.AuditAggregate `json:"usage"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(34000), resp.Usage.TotalTokens)
	assert.Equal(t, "anthropic", fx.audit.lastProvider)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), fx.audit.lastStart)
}

func TestUsageEndpointRejectsBadWindow(t *testing.T) {
	fx := newServerFixture(t)

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/usage?from=yesterday", nil), "user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = fx.do(t, authed(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/usage?from=2025-07-01T00:00:00Z&to=2025-06-01T00:00:00Z", nil), "user-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProviderHealthEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	fx.srv.providers = &fakeProviders{infos: []llm.ProviderInfo{
		{Name: "anthropic", Type: llm.ProviderTypeAnthropic, Health: llm.HealthCheckResult{Status: llm.HealthStatusHealthy}},
		{Name: "gemini", Type: llm.ProviderTypeGemini, Health: llm.HealthCheckResult{Status: llm.HealthStatusDegraded}},
	}}

	rr := fx.do(t, authed(t, httptest.NewRequest(http.MethodGet, "/api/v1/providers/health", nil), "user-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Providers []llm.ProviderInfo `json:"providers"`
		Count     int                `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, llm.HealthStatusDegraded, resp.Providers[1].Health.Status)
}

func TestHealthEndpointReportsComponents(t *testing.T) {
	fx := newServerFixture(t)
	fx.srv.health = []HealthProbe{
		{Name: "database", Check: func(ctx context.Context) error { return nil }},
		{Name: "object_store", Check: func(ctx context.Context) error { return fmt.Errorf("bucket gone") }},
	}

	rr := fx.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status     string          `json:"status"`
		Service    string          `json:"service"`
		Components map[string]bool `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "docuflow-processor", resp.Service)
	assert.True(t, resp.Components["database"])
	assert.False(t, resp.Components["object_store"])
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestProtectedRoutesRequireToken(t *testing.T) {
	fx := newServerFixture(t)

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/documents"},
		{http.MethodGet, "/api/v1/documents"},
		{http.MethodGet, "/api/v1/documents/doc-1"},
		{http.MethodGet, "/api/v1/documents/events"},
		{http.MethodGet, "/api/v1/usage"},
	}
	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rr := fx.do(t, httptest.NewRequest(route.method, route.path, nil))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestRejectsForgedAndExpiredTokens(t *testing.T) {
	fx := newServerFixture(t)

	forged := signToken(t, "wrong-secret", "user-1", false, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, req).Code)

	expired := signToken(t, testSecret, "user-1", false, -time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, req).Code)
}

func TestRejectsTokenWithoutSubject(t *testing.T) {
	fx := newServerFixture(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, req).Code)
}
