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

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuflow/platform/broker"
	"docuflow/platform/llm"
	"docuflow/platform/shared/types"
	"docuflow/platform/store"
)

// auditBase anchors the fake audit clock. The fixture's UPLOAD record is
// seeded at this instant; records the pipeline writes land strictly after.
var auditBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// Fakes
// =============================================================================

type fakeDocs struct {
	mu      sync.Mutex
	docs    map[string]*types.Document
	results []store.ProcessingResult
	getErr  error
	setErr  error
}

func (f *fakeDocs) Get(_ context.Context, id string) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocs) SetProcessingResult(_ context.Context, id string, res store.ProcessingResult) (*types.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return nil, f.setErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, &store.NotFoundError{DocumentID: id}
	}
	f.results = append(f.results, res)
	doc.Status = res.Status
	doc.DocumentType = res.DocumentType
	doc.ParsedData = res.ParsedData
	doc.Confidence = res.Confidence
	doc.NeedsReview = res.NeedsReview
	now := time.Now().UTC()
	doc.UpdatedAt = now
	if res.Status == types.StatusCompleted || res.Status == types.StatusNeedsReview {
		doc.CompletedAt = &now
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocs) UpdateStatus(_ context.Context, id string, status types.DocumentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return &store.NotFoundError{DocumentID: id}
	}
	doc.Status = status
	return nil
}

func (f *fakeDocs) current(id string) *types.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.docs[id]
	return &cp
}

type fakeAudit struct {
	mu        sync.Mutex
	records   []*types.AuditRecord
	now       time.Time
	insertErr error
}

func newFakeAudit() *fakeAudit {
	return &fakeAudit{now: auditBase}
}

func (f *fakeAudit) Insert(_ context.Context, rec *types.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("audit-%d", len(f.records)+1)
	}
	if rec.CreatedAt.IsZero() {
		f.now = f.now.Add(time.Second)
		rec.CreatedAt = f.now
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAudit) LatestStageRecord(_ context.Context, documentID string, stage types.Stage) (*types.AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *types.AuditRecord
	for _, rec := range f.records {
		if rec.DocumentID != documentID || rec.Stage != stage {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	return latest, nil
}

// seed appends a record with an explicit timestamp, bypassing the clock.
func (f *fakeAudit) seed(documentID string, stage types.Stage, at time.Time, snapshot map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, &types.AuditRecord{
		ID:         fmt.Sprintf("seed-%d", len(f.records)+1),
		DocumentID: documentID,
		Stage:      stage,
		Snapshot:   snapshot,
		CreatedAt:  at,
	})
}

func (f *fakeAudit) stages(documentID string) []types.Stage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stages []types.Stage
	for _, rec := range f.records {
		if rec.DocumentID == documentID {
			stages = append(stages, rec.Stage)
		}
	}
	return stages
}

func (f *fakeAudit) byStage(documentID string, stage types.Stage) []*types.AuditRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var recs []*types.AuditRecord
	for _, rec := range f.records {
		if rec.DocumentID == documentID && rec.Stage == stage {
			recs = append(recs, rec)
		}
	}
	return recs
}

type fakeObjects struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	calls int
}

func (f *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.data[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return b, nil
}

type fakeLLM struct {
	mu sync.Mutex

	classifyFn func(doc llm.DocumentInput) (*llm.ClassificationResult, error)
	extractFn  func(doc llm.DocumentInput, docType types.DocumentType) (*llm.ExtractionResult, error)
	validateFn func(data map[string]any) (*llm.ValidationResult, error)
	singleFn   func(data map[string]any) (*llm.ValidationResult, error)
	correctFn  func(data map[string]any, issues []types.ValidationIssue) (*llm.CorrectionResult, error)

	classifyCalls int
	extractCalls  int
	validateCalls int
	singleCalls   int
	correctCalls  int

	lastInput   llm.DocumentInput
	lastDocType types.DocumentType
}

func (f *fakeLLM) Classify(_ context.Context, doc llm.DocumentInput) (*llm.ClassificationResult, error) {
	f.mu.Lock()
	f.classifyCalls++
	f.lastInput = doc
	fn := f.classifyFn
	f.mu.Unlock()
	return fn(doc)
}

func (f *fakeLLM) Extract(_ context.Context, doc llm.DocumentInput, docType types.DocumentType) (*llm.ExtractionResult, error) {
	f.mu.Lock()
	f.extractCalls++
	f.lastDocType = docType
	fn := f.extractFn
	f.mu.Unlock()
	return fn(doc, docType)
}

func (f *fakeLLM) Validate(_ context.Context, _ llm.DocumentInput, _ types.DocumentType, data map[string]any, _ string) (*llm.ValidationResult, error) {
	f.mu.Lock()
	f.validateCalls++
	fn := f.validateFn
	f.mu.Unlock()
	return fn(data)
}

func (f *fakeLLM) ValidateSingle(_ context.Context, _ llm.DocumentInput, _ types.DocumentType, data map[string]any, _ string) (*llm.ValidationResult, error) {
	f.mu.Lock()
	f.singleCalls++
	fn := f.singleFn
	f.mu.Unlock()
	return fn(data)
}

func (f *fakeLLM) Correct(_ context.Context, _ llm.DocumentInput, _ types.DocumentType, data map[string]any, issues []types.ValidationIssue) (*llm.CorrectionResult, error) {
	f.mu.Lock()
	f.correctCalls++
	fn := f.correctFn
	f.mu.Unlock()
	return fn(data, issues)
}

type fakeBus struct {
	mu     sync.Mutex
	events []types.DocumentEvent
}

func (f *fakeBus) Publish(event types.DocumentEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBus) all() []types.DocumentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.DocumentEvent(nil), f.events...)
}

func (f *fakeBus) kinds() []types.EventType {
	var kinds []types.EventType
	for _, e := range f.all() {
		kinds = append(kinds, e.Type)
	}
	return kinds
}

// =============================================================================
// Fixtures
// =============================================================================

func invoiceData() map[string]any {
	return map[string]any{
		"invoice_number": "INV-2041",
		"date":           "2025-01-15",
		"subtotal":       100.0,
		"tax":            8.0,
		"total":          108.0,
		"currency":       "USD",
	}
}

func callMeta() llm.CallMeta {
	return llm.CallMeta{
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		PromptID:     "prompt_v1",
		TokensUsed:   llm.UsageStats{PromptTokens: 900, CompletionTokens: 150},
		ProcessingMs: 420,
		Prompt:       "rendered prompt",
		RawResponse:  `{"ok":true}`,
	}
}

func classified(docType types.DocumentType, conf float64) *llm.ClassificationResult {
	return &llm.ClassificationResult{CallMeta: callMeta(), DocumentType: docType, Confidence: conf}
}

func extracted(data map[string]any, conf float64) *llm.ExtractionResult {
	res := &llm.ExtractionResult{CallMeta: callMeta(), RawData: data, AggregateConfidence: conf}
	for name, value := range data {
		res.Fields = append(res.Fields, llm.Field{Name: name, Value: value, Confidence: conf})
	}
	return res
}

func validated(valid bool, conf float64, issues ...types.ValidationIssue) *llm.ValidationResult {
	return &llm.ValidationResult{CallMeta: callMeta(), IsValid: valid, Confidence: conf, Issues: issues}
}

func corrected(data map[string]any, conf float64, changes ...llm.FieldChange) *llm.CorrectionResult {
	return &llm.CorrectionResult{CallMeta: callMeta(), CorrectedData: data, Confidence: conf, Changes: changes}
}

func errIssue(field, message string) types.ValidationIssue {
	return types.ValidationIssue{Field: field, Message: message, Severity: types.SeverityError}
}

func warnIssue(field, message string) types.ValidationIssue {
	return types.ValidationIssue{Field: field, Message: message, Severity: types.SeverityWarning}
}

// newHappyLLM answers every stage the way a clean invoice run would.
func newHappyLLM() *fakeLLM {
	return &fakeLLM{
		classifyFn: func(llm.DocumentInput) (*llm.ClassificationResult, error) {
			return classified(types.DocTypeInvoice, 0.95), nil
		},
		extractFn: func(llm.DocumentInput, types.DocumentType) (*llm.ExtractionResult, error) {
			return extracted(invoiceData(), 0.92), nil
		},
		validateFn: func(map[string]any) (*llm.ValidationResult, error) {
			return validated(true, 0.90), nil
		},
		singleFn: func(map[string]any) (*llm.ValidationResult, error) {
			return validated(true, 0.95), nil
		},
		correctFn: func(data map[string]any, _ []types.ValidationIssue) (*llm.CorrectionResult, error) {
			return corrected(data, 0.90), nil
		},
	}
}

type fixture struct {
	docs    *fakeDocs
	audit   *fakeAudit
	objects *fakeObjects
	llm     *fakeLLM
	bus     *fakeBus
	p       *Pipeline
	job     types.UploadedJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	doc := &types.Document{
		ID:        "doc-1",
		UserID:    "user-1",
		Filename:  "invoice.png",
		MimeType:  "image/png",
		FileSize:  2048,
		ObjectKey: "documents/user-1/1748779200000_invoice.png",
		Bucket:    "docuflow-test",
		Status:    types.StatusProcessing,
		CreatedAt: auditBase.Add(-time.Minute),
		UpdatedAt: auditBase.Add(-time.Minute),
	}

	f := &fixture{
		docs:    &fakeDocs{docs: map[string]*types.Document{doc.ID: doc}},
		audit:   newFakeAudit(),
		objects: &fakeObjects{data: map[string][]byte{doc.ObjectKey: []byte("png-bytes")}},
		llm:     newHappyLLM(),
		bus:     &fakeBus{},
	}
	f.job = types.UploadedJob{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		ObjectKey:  doc.ObjectKey,
		Bucket:     doc.Bucket,
		MimeType:   doc.MimeType,
		FileSize:   doc.FileSize,
		Attempt:    1,
	}

	f.audit.seed(doc.ID, types.StageUpload, auditBase, map[string]any{"objectKey": doc.ObjectKey})

	p, err := New(Config{
		Documents: f.docs,
		Audit:     f.audit,
		Objects:   f.objects,
		LLM:       f.llm,
		Events:    f.bus,
	})
	require.NoError(t, err)
	f.p = p
	return f
}

// =============================================================================
// Happy Path Tests
// =============================================================================

func TestProcess_ValidInvoiceLandsInReview(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.p.Process(context.Background(), f.job))

	// 0.95*0.10 + 0.92*0.50 + 0.90*0.30 = 0.825, below the 0.95 bar.
	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 0.825, *doc.Confidence, 1e-9)
	assert.True(t, doc.NeedsReview)
	assert.NotNil(t, doc.CompletedAt)
	require.NotNil(t, doc.DocumentType)
	assert.Equal(t, types.DocTypeInvoice, *doc.DocumentType)
	assert.Equal(t, invoiceData(), doc.ParsedData)

	assert.Equal(t, []types.Stage{
		types.StageUpload, types.StageClassification, types.StageExtraction,
		types.StageValidation, types.StageFinalize,
	}, f.audit.stages("doc-1"))

	assert.Equal(t, 0, f.llm.correctCalls)
	assert.Equal(t, 0, f.llm.singleCalls)

	events := f.bus.all()
	require.Len(t, events, 4)
	assert.Equal(t, []types.EventType{
		types.EventProcessing, types.EventProcessing, types.EventProcessing, types.EventCompleted,
	}, f.bus.kinds())
	assert.Equal(t, "CLASSIFICATION", events[0].Document.Stage)
	assert.Equal(t, "EXTRACTION", events[1].Document.Stage)
	assert.Equal(t, "VALIDATION", events[2].Document.Stage)
	assert.Equal(t, types.StatusNeedsReview, events[3].Document.Status)
	for _, e := range events {
		assert.Equal(t, "user-1", e.UserID)
	}
}

func TestProcess_CorrectedDocumentAutoCompletes(t *testing.T) {
	f := newFixture(t)
	f.llm.classifyFn = func(llm.DocumentInput) (*llm.ClassificationResult, error) {
		return classified(types.DocTypeInvoice, 1.0), nil
	}
	f.llm.extractFn = func(llm.DocumentInput, types.DocumentType) (*llm.ExtractionResult, error) {
		return extracted(invoiceData(), 1.0), nil
	}
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(false, 0.90, errIssue("total", "total does not match the document")), nil
	}
	f.llm.correctFn = func(map[string]any, []types.ValidationIssue) (*llm.CorrectionResult, error) {
		return corrected(invoiceData(), 1.0), nil
	}
	f.llm.singleFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(true, 1.0), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	// 1.0*0.10 + 1.0*0.50 + 1.0*0.30 + 1.0*0.10 = 1.0
	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusCompleted, doc.Status)
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 1.0, *doc.Confidence, 1e-9)
	assert.False(t, doc.NeedsReview)

	assert.Equal(t, []types.Stage{
		types.StageUpload, types.StageClassification, types.StageExtraction,
		types.StageValidation, types.StageCorrection, types.StageRevalidation,
		types.StageFinalize,
	}, f.audit.stages("doc-1"))

	assert.Equal(t, 1, f.llm.validateCalls)
	assert.Equal(t, 1, f.llm.singleCalls)

	events := f.bus.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventCompleted, last.Type)
	assert.Equal(t, types.StatusCompleted, last.Document.Status)
}

// =============================================================================
// Verdict Combination Tests
// =============================================================================

func TestProcess_RuleViolationOverridesModelVerdict(t *testing.T) {
	f := newFixture(t)
	badTotals := invoiceData()
	badTotals["total"] = 120.0 // subtotal 100 + tax 8 != 120
	f.llm.extractFn = func(llm.DocumentInput, types.DocumentType) (*llm.ExtractionResult, error) {
		return extracted(badTotals, 0.92), nil
	}
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(true, 0.90), nil // the model missed the mismatch
	}
	f.llm.correctFn = func(map[string]any, []types.ValidationIssue) (*llm.CorrectionResult, error) {
		return corrected(map[string]any{"total": 108.0}, 0.88,
			llm.FieldChange{Field: "total", OldValue: 120.0, NewValue: 108.0}), nil
	}
	f.llm.singleFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(true, 0.95), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	// The rule error overrides the model's verdict and discounts its
	// confidence: 0.90 * (1 - (0.25 + 0.15)) = 0.54.
	recs := f.audit.byStage("doc-1", types.StageValidation)
	require.Len(t, recs, 1)
	assert.Equal(t, false, recs[0].Snapshot["isValid"])
	require.NotNil(t, recs[0].Confidence)
	assert.InDelta(t, 0.54, *recs[0].Confidence, 1e-9)

	reval := f.audit.byStage("doc-1", types.StageRevalidation)
	require.Len(t, reval, 1)
	assert.Equal(t, true, reval[0].Snapshot["isValid"])

	// Correction merged over the extraction: only total changed.
	doc := f.docs.current("doc-1")
	assert.Equal(t, 108.0, doc.ParsedData["total"])
	assert.Equal(t, "INV-2041", doc.ParsedData["invoice_number"])

	// 0.95*0.10 + 0.92*0.50 + 0.95*0.30 + 0.88*0.10 = 0.928
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 0.928, *doc.Confidence, 1e-9)
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
}

func TestProcess_WarningsOnlySkipCorrection(t *testing.T) {
	f := newFixture(t)
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(false, 0.80, warnIssue("due_date", "due date looks unusual")), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	assert.Equal(t, 0, f.llm.correctCalls)
	assert.NotContains(t, f.audit.stages("doc-1"), types.StageCorrection)

	// Invalid with one warning: validation component 0.80-0.05=0.75;
	// (0.095 + 0.46 + 0.225) * 0.70 = 0.546.
	doc := f.docs.current("doc-1")
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 0.546, *doc.Confidence, 1e-9)
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
}

// =============================================================================
// Degraded Outcome Tests
// =============================================================================

func TestProcess_EmptyExtractionScoresZero(t *testing.T) {
	f := newFixture(t)
	f.llm.extractFn = func(llm.DocumentInput, types.DocumentType) (*llm.ExtractionResult, error) {
		return extracted(nil, 0.05), nil
	}
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(false, 0.20, errIssue("document", "no data extracted")), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
	require.NotNil(t, doc.Confidence)
	assert.Zero(t, *doc.Confidence)
	assert.True(t, doc.NeedsReview)

	// Nothing to correct: the loop is skipped even though the verdict
	// carries errors.
	assert.Equal(t, 0, f.llm.correctCalls)
	assert.Equal(t, []types.Stage{
		types.StageUpload, types.StageClassification, types.StageExtraction,
		types.StageValidation, types.StageFinalize,
	}, f.audit.stages("doc-1"))
}

func TestProcess_CorrectionCallFailureCapsScore(t *testing.T) {
	f := newFixture(t)
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(false, 0.85, errIssue("total", "total unreadable")), nil
	}
	f.llm.correctFn = func(map[string]any, []types.ValidationIssue) (*llm.CorrectionResult, error) {
		return nil, llm.NewProviderError("anthropic", llm.ErrCodeServerError, "upstream 500")
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 0.30, *doc.Confidence, 1e-9)
	assert.Equal(t, invoiceData(), doc.ParsedData, "original extraction must survive a failed correction")

	// No CORRECTION record and no re-validation pass.
	assert.NotContains(t, f.audit.stages("doc-1"), types.StageCorrection)
	assert.NotContains(t, f.audit.stages("doc-1"), types.StageRevalidation)
	assert.Equal(t, 0, f.llm.singleCalls)
}

func TestProcess_RevalidationFailureKeepsCorrectionFlagged(t *testing.T) {
	f := newFixture(t)
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(false, 0.85, errIssue("total", "total unreadable")), nil
	}
	f.llm.correctFn = func(map[string]any, []types.ValidationIssue) (*llm.CorrectionResult, error) {
		// The "fix" breaks subtotal + tax = total, so re-validation's rule
		// pass rejects it.
		return corrected(map[string]any{"total": 999.0}, 0.90), nil
	}
	f.llm.singleFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(true, 0.90), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusNeedsReview, doc.Status)
	require.NotNil(t, doc.Confidence)
	assert.InDelta(t, 0.30, *doc.Confidence, 1e-9)
	assert.Equal(t, 999.0, doc.ParsedData["total"], "corrected data is retained even when flagged")

	assert.Contains(t, f.audit.stages("doc-1"), types.StageCorrection)
	reval := f.audit.byStage("doc-1", types.StageRevalidation)
	require.Len(t, reval, 1)
	assert.Equal(t, false, reval[0].Snapshot["isValid"])

	fin := f.audit.byStage("doc-1", types.StageFinalize)
	require.Len(t, fin, 1)
	assert.Equal(t, true, fin[0].Snapshot["correctionFailed"])
}

// =============================================================================
// Checkpointing Tests
// =============================================================================

func TestProcess_ResumesFromCheckpoints(t *testing.T) {
	f := newFixture(t)
	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return nil, llm.NewProviderError("anthropic", llm.ErrCodeServerError, "upstream 500")
	}

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, broker.IsFatal(err), "transient provider failures must redeliver")
	assert.Equal(t, types.StatusProcessing, f.docs.current("doc-1").Status)
	assert.Equal(t, []types.Stage{
		types.StageUpload, types.StageClassification, types.StageExtraction,
	}, f.audit.stages("doc-1"))

	f.llm.validateFn = func(map[string]any) (*llm.ValidationResult, error) {
		return validated(true, 0.90), nil
	}
	f.job.Attempt = 2
	require.NoError(t, f.p.Process(context.Background(), f.job))

	// The redelivery reused the classification and extraction checkpoints.
	assert.Equal(t, 1, f.llm.classifyCalls)
	assert.Equal(t, 1, f.llm.extractCalls)
	assert.Equal(t, 2, f.llm.validateCalls)
	assert.Equal(t, []types.Stage{
		types.StageUpload, types.StageClassification, types.StageExtraction,
		types.StageValidation, types.StageFinalize,
	}, f.audit.stages("doc-1"))
	assert.Equal(t, types.StatusNeedsReview, f.docs.current("doc-1").Status)

	// Memoized stages emit no second progress event.
	assert.Len(t, f.bus.all(), 4)
}

func TestProcess_NewUploadInvalidatesOldCheckpoints(t *testing.T) {
	f := newFixture(t)
	// A classification left over from before the latest enqueue.
	f.audit.seed("doc-1", types.StageClassification, auditBase.Add(-time.Hour),
		snapshotOf(classificationSnapshot{DocumentType: types.DocTypeReceipt, Confidence: 0.90}))

	require.NoError(t, f.p.Process(context.Background(), f.job))

	assert.Equal(t, 1, f.llm.classifyCalls, "stale checkpoint must not be reused")
	assert.Len(t, f.audit.byStage("doc-1", types.StageClassification), 2)
	doc := f.docs.current("doc-1")
	require.NotNil(t, doc.DocumentType)
	assert.Equal(t, types.DocTypeInvoice, *doc.DocumentType)
}

func TestProcess_CheckpointRestoresDocumentType(t *testing.T) {
	f := newFixture(t)
	f.audit.seed("doc-1", types.StageClassification, auditBase.Add(time.Second),
		snapshotOf(classificationSnapshot{DocumentType: types.DocTypeOther, Confidence: 0.90}))
	f.llm.extractFn = func(llm.DocumentInput, types.DocumentType) (*llm.ExtractionResult, error) {
		return extracted(map[string]any{"description": "misc paperwork"}, 0.80), nil
	}

	require.NoError(t, f.p.Process(context.Background(), f.job))

	assert.Equal(t, 0, f.llm.classifyCalls)
	assert.Equal(t, types.DocTypeOther, f.llm.lastDocType,
		"extraction must run with the checkpointed document type")
}

// =============================================================================
// Failure Policy Tests
// =============================================================================

func TestProcess_NonRetryableStageFailureFailsDocument(t *testing.T) {
	f := newFixture(t)
	f.llm.classifyFn = func(llm.DocumentInput) (*llm.ClassificationResult, error) {
		return nil, llm.NewProviderError("anthropic", llm.ErrCodeAuth, "invalid x-api-key")
	}

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.True(t, broker.IsFatal(err))

	doc := f.docs.current("doc-1")
	assert.Equal(t, types.StatusFailed, doc.Status)

	events := f.bus.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFailed, events[0].Type)
	assert.Equal(t, "CLASSIFICATION", events[0].Document.Stage)
	assert.Contains(t, events[0].Document.Error, "invalid x-api-key")

	// The stage never completed, so nothing beyond UPLOAD was recorded.
	assert.Equal(t, []types.Stage{types.StageUpload}, f.audit.stages("doc-1"))
}

func TestProcess_RetryableStageFailureLeavesProcessing(t *testing.T) {
	f := newFixture(t)
	f.llm.classifyFn = func(llm.DocumentInput) (*llm.ClassificationResult, error) {
		return nil, llm.NewProviderError("anthropic", llm.ErrCodeRateLimit, "429 too many requests")
	}

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, broker.IsFatal(err))
	assert.Equal(t, types.StatusProcessing, f.docs.current("doc-1").Status)
	assert.Empty(t, f.bus.all())
}

func TestProcess_DownloadFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.objects.err = errors.New("connection reset by peer")

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, broker.IsFatal(err))
	assert.Equal(t, 0, f.llm.classifyCalls)
	assert.Equal(t, types.StatusProcessing, f.docs.current("doc-1").Status)
}

func TestProcess_AuditWriteFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.audit.insertErr = errors.New("pq: connection refused")

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, broker.IsFatal(err))
	assert.Contains(t, err.Error(), "record classification")
	assert.Equal(t, types.StatusProcessing, f.docs.current("doc-1").Status)
}

// =============================================================================
// Job Guard Tests
// =============================================================================

func TestProcess_SkipsDocumentsThePipelineDoesNotOwn(t *testing.T) {
	for _, status := range []types.DocumentStatus{
		types.StatusUploading, types.StatusNeedsReview, types.StatusCompleted,
		types.StatusFailed, types.StatusArchived,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.docs.docs["doc-1"].Status = status

			require.NoError(t, f.p.Process(context.Background(), f.job))
			assert.Equal(t, 0, f.llm.classifyCalls)
			assert.Equal(t, 0, f.objects.calls)
			assert.Empty(t, f.bus.all())
		})
	}
}

func TestProcess_MissingDocumentTerminatesJob(t *testing.T) {
	f := newFixture(t)
	f.job.DocumentID = "doc-gone"

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.True(t, broker.IsFatal(err))
}

func TestProcess_DocumentLoadErrorRetries(t *testing.T) {
	f := newFixture(t)
	f.docs.getErr = errors.New("pq: the database system is starting up")

	err := f.p.Process(context.Background(), f.job)
	require.Error(t, err)
	assert.False(t, broker.IsFatal(err))
}

func TestProcess_JobCarriesPremiumIntoLLMInput(t *testing.T) {
	f := newFixture(t)
	f.job.Premium = true

	require.NoError(t, f.p.Process(context.Background(), f.job))

	assert.True(t, f.llm.lastInput.Premium)
	assert.Equal(t, "image/png", f.llm.lastInput.MimeType)
	assert.Equal(t, []byte("png-bytes"), f.llm.lastInput.Data)
}
