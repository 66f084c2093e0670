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

// Package pipeline drives a document through the processing stages:
// classification, extraction, validation, the optional correction loop,
// and finalization. Every completed stage appends an audit record,
// updates the document row, and emits a progress event. The audit trail
// doubles as the checkpoint log: a re-delivered job resumes after the
// last recorded stage instead of repeating LLM calls.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"docuflow/platform/broker"
	"docuflow/platform/confidence"
	"docuflow/platform/llm"
	"docuflow/platform/rules"
	"docuflow/platform/shared/types"
	"docuflow/platform/store"
)

// DocumentStore is the slice of the document store the pipeline drives.
type DocumentStore interface {
	Get(ctx context.Context, id string) (*types.Document, error)
	SetProcessingResult(ctx context.Context, id string, res store.ProcessingResult) (*types.Document, error)
	UpdateStatus(ctx context.Context, id string, status types.DocumentStatus) error
}

// AuditStore appends stage records and serves the checkpoint lookups.
type AuditStore interface {
	Insert(ctx context.Context, rec *types.AuditRecord) error
	LatestStageRecord(ctx context.Context, documentID string, stage types.Stage) (*types.AuditRecord, error)
}

// ObjectStore fetches the uploaded bytes.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// LLM is the semantic operation surface of the llm orchestrator.
type LLM interface {
	Classify(ctx context.Context, doc llm.DocumentInput) (*llm.ClassificationResult, error)
	Extract(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType) (*llm.ExtractionResult, error)
	Validate(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*llm.ValidationResult, error)
	ValidateSingle(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, rules string) (*llm.ValidationResult, error)
	Correct(ctx context.Context, doc llm.DocumentInput, docType types.DocumentType, data map[string]any, issues []types.ValidationIssue) (*llm.CorrectionResult, error)
}

// EventSink receives document state changes. Publishing is best-effort;
// the pipeline never blocks on it and never fails a stage over it.
type EventSink interface {
	Publish(event types.DocumentEvent)
}

// Config wires a Pipeline.
type Config struct {
	Documents DocumentStore
	Audit     AuditStore
	Objects   ObjectStore
	LLM       LLM
	Rules     *rules.Engine // nil means the built-in contracts
	Events    EventSink     // nil disables event emission
}

// Pipeline processes uploaded-document jobs. Safe for concurrent use
// across documents; the broker guarantees stages of one document never
// run concurrently.
type Pipeline struct {
	docs    DocumentStore
	audit   AuditStore
	objects ObjectStore
	llm     LLM
	rules   *rules.Engine
	events  EventSink
	logger  *log.Logger
}

// New wires a pipeline over its collaborators.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Documents == nil || cfg.Audit == nil || cfg.Objects == nil || cfg.LLM == nil {
		return nil, fmt.Errorf("pipeline: documents, audit, objects and llm are all required")
	}
	if cfg.Rules == nil {
		cfg.Rules = rules.NewEngine()
	}
	if cfg.Events == nil {
		cfg.Events = noopSink{}
	}
	return &Pipeline{
		docs:    cfg.Documents,
		audit:   cfg.Audit,
		objects: cfg.Objects,
		llm:     cfg.LLM,
		rules:   cfg.Rules,
		events:  cfg.Events,
		logger:  log.New(os.Stdout, "[PIPELINE] ", log.LstdFlags),
	}, nil
}

type noopSink struct{}

func (noopSink) Publish(types.DocumentEvent) {}

// run accumulates per-document state as the stages advance.
type run struct {
	doc       *types.Document
	input     llm.DocumentInput
	watermark time.Time
	started   time.Time

	docType        types.DocumentType
	classification float64

	data       map[string]any // extraction output, replaced by corrected data
	extraction float64
	fieldCount int

	verdict validationSnapshot // latest validation outcome (validation, then re-validation)

	correctionAttempted bool
	correctionApplied   bool
	correctionFailed    bool
	correction          float64
}

// Process runs one uploaded-document job to completion. It is the broker
// handler: nil acknowledges the job, a broker.FatalError stops redelivery,
// and any other error asks for redelivery after the Nak delay.
func (p *Pipeline) Process(ctx context.Context, job types.UploadedJob) error {
	doc, err := p.docs.Get(ctx, job.DocumentID)
	if err != nil {
		if store.IsNotFound(err) {
			p.logger.Printf("Document %s no longer exists, dropping job", job.DocumentID)
			return broker.Fatal(err)
		}
		return fmt.Errorf("pipeline: load document %s: %w", job.DocumentID, err)
	}
	if doc.Status != types.StatusProcessing {
		p.logger.Printf("Document %s is %s, skipping delivery %d", doc.ID, doc.Status, job.Attempt)
		return nil
	}

	watermark, err := p.uploadWatermark(ctx, doc.ID)
	if err != nil {
		return err
	}

	r := &run{
		doc:       doc,
		watermark: watermark,
		started:   time.Now(),
		data:      doc.ParsedData,
	}

	body, err := p.objects.Download(ctx, doc.ObjectKey)
	if err != nil {
		return fmt.Errorf("pipeline: download %s: %w", doc.ObjectKey, err)
	}
	r.input = llm.DocumentInput{Data: body, MimeType: doc.MimeType, Premium: job.Premium}

	if err := p.classify(ctx, r); err != nil {
		return err
	}
	if err := p.extract(ctx, r); err != nil {
		return err
	}
	if err := p.validate(ctx, r); err != nil {
		return err
	}
	if p.shouldCorrect(r) {
		if err := p.correct(ctx, r); err != nil {
			return err
		}
		if r.correctionApplied {
			if err := p.revalidate(ctx, r); err != nil {
				return err
			}
		}
	}
	return p.finalize(ctx, r)
}

// classify determines the document type.
func (p *Pipeline) classify(ctx context.Context, r *run) error {
	if rec, err := p.checkpoint(ctx, r, types.StageClassification); err != nil {
		return err
	} else if rec != nil {
		var snap classificationSnapshot
		if err := decodeSnapshot(rec.Snapshot, &snap); err == nil && snap.DocumentType != "" {
			r.docType = snap.DocumentType
			r.classification = snap.Confidence
			p.logger.Printf("Document %s: reusing classification %s from audit trail", r.doc.ID, snap.DocumentType)
			return nil
		}
		p.logger.Printf("Document %s: classification checkpoint unreadable, re-running stage", r.doc.ID)
	}

	res, err := p.llm.Classify(ctx, r.input)
	if err != nil {
		return p.stageFailure(ctx, r, types.StageClassification, err)
	}
	r.docType = res.DocumentType
	r.classification = res.Confidence

	rec := auditRecord(r.doc.ID, types.StageClassification, res.CallMeta, &res.Confidence,
		snapshotOf(classificationSnapshot{
			DocumentType: res.DocumentType,
			Confidence:   res.Confidence,
			Reasoning:    res.Reasoning,
		}))
	return p.commitStage(ctx, r, types.StageClassification, rec)
}

// extract pulls the typed fields for the classified document.
func (p *Pipeline) extract(ctx context.Context, r *run) error {
	if rec, err := p.checkpoint(ctx, r, types.StageExtraction); err != nil {
		return err
	} else if rec != nil {
		var snap extractionSnapshot
		if err := decodeSnapshot(rec.Snapshot, &snap); err == nil {
			r.data = snap.Data
			r.extraction = snap.Confidence
			r.fieldCount = snap.FieldCount
			p.logger.Printf("Document %s: reusing extraction (%d fields) from audit trail", r.doc.ID, snap.FieldCount)
			return nil
		}
		p.logger.Printf("Document %s: extraction checkpoint unreadable, re-running stage", r.doc.ID)
	}

	res, err := p.llm.Extract(ctx, r.input, r.docType)
	if err != nil {
		return p.stageFailure(ctx, r, types.StageExtraction, err)
	}
	r.data = res.Data()
	r.extraction = res.AggregateConfidence
	r.fieldCount = len(res.Fields)

	rec := auditRecord(r.doc.ID, types.StageExtraction, res.CallMeta, &res.AggregateConfidence,
		snapshotOf(extractionSnapshot{
			Data:       r.data,
			FieldCount: r.fieldCount,
			Confidence: r.extraction,
		}))
	return p.commitStage(ctx, r, types.StageExtraction, rec)
}

// validate combines the deterministic business rules with an LLM
// validation pass over the extracted data.
func (p *Pipeline) validate(ctx context.Context, r *run) error {
	if rec, err := p.checkpoint(ctx, r, types.StageValidation); err != nil {
		return err
	} else if rec != nil {
		var snap validationSnapshot
		if err := decodeSnapshot(rec.Snapshot, &snap); err == nil {
			r.verdict = snap
			p.logger.Printf("Document %s: reusing validation verdict (valid=%t) from audit trail", r.doc.ID, snap.IsValid)
			return nil
		}
		p.logger.Printf("Document %s: validation checkpoint unreadable, re-running stage", r.doc.ID)
	}

	ruleIssues := p.rules.Validate(r.docType, r.data)
	ruleErrors, ruleWarnings := types.CountBySeverity(ruleIssues)

	res, err := p.llm.Validate(ctx, r.input, r.docType, r.data, p.rules.Summary(r.docType))
	if err != nil {
		return p.stageFailure(ctx, r, types.StageValidation, err)
	}

	r.verdict = combineVerdict(res, ruleIssues, ruleErrors, ruleWarnings)

	conf := r.verdict.Confidence
	rec := auditRecord(r.doc.ID, types.StageValidation, res.CallMeta, &conf, snapshotOf(r.verdict))
	return p.commitStage(ctx, r, types.StageValidation, rec)
}

// shouldCorrect decides whether the correction loop runs: only for an
// invalid verdict carrying at least one error-severity issue, and only
// when extraction produced data to correct.
func (p *Pipeline) shouldCorrect(r *run) bool {
	if r.verdict.IsValid || len(r.data) == 0 {
		return false
	}
	return r.verdict.Errors > 0
}

// correct asks a provider to fix the fields named by the validation
// issues. A correction call failure never fails the pipeline: the original
// extraction is kept, no CORRECTION record is written, and finalization
// caps the score.
func (p *Pipeline) correct(ctx context.Context, r *run) error {
	r.correctionAttempted = true

	if rec, err := p.checkpoint(ctx, r, types.StageCorrection); err != nil {
		return err
	} else if rec != nil {
		var snap correctionSnapshot
		if err := decodeSnapshot(rec.Snapshot, &snap); err == nil && len(snap.Data) > 0 {
			r.data = snap.Data
			r.correction = snap.Confidence
			r.correctionApplied = true
			p.logger.Printf("Document %s: reusing correction from audit trail", r.doc.ID)
			return nil
		}
		p.logger.Printf("Document %s: correction checkpoint unreadable, re-running stage", r.doc.ID)
	}

	res, err := p.llm.Correct(ctx, r.input, r.docType, r.data, r.verdict.Issues)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pipeline: correction for %s interrupted: %w", r.doc.ID, ctx.Err())
		}
		p.logger.Printf("Document %s: correction call failed, keeping original extraction: %v", r.doc.ID, err)
		r.correctionFailed = true
		return nil
	}

	r.data = mergeData(r.data, res.CorrectedData)
	r.correction = res.Confidence
	r.correctionApplied = true

	rec := auditRecord(r.doc.ID, types.StageCorrection, res.CallMeta, &res.Confidence,
		snapshotOf(correctionSnapshot{
			Data:       r.data,
			Changes:    res.Changes,
			Confidence: res.Confidence,
		}))
	return p.commitStage(ctx, r, types.StageCorrection, rec)
}

// revalidate re-checks corrected data: business rules plus a single
// provider validation pass. A failed verdict or a failed call keeps the
// corrected data but marks the correction failed, which caps the score
// and forces review.
func (p *Pipeline) revalidate(ctx context.Context, r *run) error {
	if rec, err := p.checkpoint(ctx, r, types.StageRevalidation); err != nil {
		return err
	} else if rec != nil {
		var snap validationSnapshot
		if err := decodeSnapshot(rec.Snapshot, &snap); err == nil {
			r.verdict = snap
			r.correctionFailed = !snap.IsValid
			p.logger.Printf("Document %s: reusing re-validation verdict (valid=%t) from audit trail", r.doc.ID, snap.IsValid)
			return nil
		}
		p.logger.Printf("Document %s: re-validation checkpoint unreadable, re-running stage", r.doc.ID)
	}

	ruleIssues := p.rules.Validate(r.docType, r.data)
	ruleErrors, ruleWarnings := types.CountBySeverity(ruleIssues)

	res, err := p.llm.ValidateSingle(ctx, r.input, r.docType, r.data, p.rules.Summary(r.docType))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("pipeline: re-validation for %s interrupted: %w", r.doc.ID, ctx.Err())
		}
		p.logger.Printf("Document %s: re-validation call failed, correction kept but flagged: %v", r.doc.ID, err)
		r.correctionFailed = true
		return nil
	}

	r.verdict = combineVerdict(res, ruleIssues, ruleErrors, ruleWarnings)
	if !r.verdict.IsValid {
		r.correctionFailed = true
		p.logger.Printf("Document %s: corrected data still invalid (%d errors)", r.doc.ID, r.verdict.Errors)
	}

	conf := r.verdict.Confidence
	rec := auditRecord(r.doc.ID, types.StageRevalidation, res.CallMeta, &conf, snapshotOf(r.verdict))
	return p.commitStage(ctx, r, types.StageRevalidation, rec)
}

// finalize computes the overall score and writes the terminal review state.
// Finalization makes no LLM call, so it is never checkpointed; a crash
// between its audit record and the document update simply re-runs it.
func (p *Pipeline) finalize(ctx context.Context, r *run) error {
	input := confidence.Input{
		Classification: r.classification,
		Extraction:     r.extraction,
		FieldCount:     r.fieldCount,
		Validation: confidence.ValidationInput{
			Confidence: r.verdict.Confidence,
			IsValid:    r.verdict.IsValid,
			Errors:     r.verdict.Errors,
			Warnings:   r.verdict.Warnings,
		},
	}
	if r.correctionAttempted {
		input.Correction = &confidence.CorrectionInput{
			Confidence: r.correction,
			Applied:    r.correctionApplied,
			Failed:     r.correctionFailed,
		}
	}
	report := confidence.Calculate(input)

	status := types.StatusCompleted
	if report.NeedsReview {
		status = types.StatusNeedsReview
	}

	rec := &types.AuditRecord{
		DocumentID:   r.doc.ID,
		Stage:        types.StageFinalize,
		Confidence:   &report.Score,
		ProcessingMs: time.Since(r.started).Milliseconds(),
		Snapshot: snapshotOf(finalizeSnapshot{
			Score:            report.Score,
			NeedsReview:      report.NeedsReview,
			Status:           status,
			CorrectionFailed: r.correctionFailed,
		}),
	}
	if err := p.audit.Insert(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: record finalize for %s: %w", r.doc.ID, err)
	}

	doc, err := p.docs.SetProcessingResult(ctx, r.doc.ID, store.ProcessingResult{
		Status:       status,
		DocumentType: docTypePtr(r.docType),
		ParsedData:   r.data,
		Confidence:   &report.Score,
		NeedsReview:  report.NeedsReview,
	})
	if err != nil {
		return fmt.Errorf("pipeline: finalize %s: %w", r.doc.ID, err)
	}
	r.doc = doc

	p.publish(types.EventCompleted, doc, types.StageFinalize, "")
	p.logger.Printf("Document %s finalized as %s (confidence %s, %s)",
		doc.ID, status, confidence.FormatPercent(report.Score), confidence.Level(report.Score))
	return nil
}

// commitStage persists one completed stage: audit record, document row,
// progress event, in that order. The audit write comes first so that a
// crash between the two leaves a checkpoint rather than a lost stage.
func (p *Pipeline) commitStage(ctx context.Context, r *run, stage types.Stage, rec *types.AuditRecord) error {
	name := strings.ToLower(stage.String())
	if err := p.audit.Insert(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: record %s for %s: %w", name, r.doc.ID, err)
	}

	doc, err := p.docs.SetProcessingResult(ctx, r.doc.ID, store.ProcessingResult{
		Status:       types.StatusProcessing,
		DocumentType: docTypePtr(r.docType),
		ParsedData:   r.data,
	})
	if err != nil {
		return fmt.Errorf("pipeline: update %s after %s: %w", r.doc.ID, name, err)
	}
	r.doc = doc

	p.publish(types.EventProcessing, doc, stage, "")
	p.logger.Printf("Document %s: %s complete", doc.ID, name)
	return nil
}

// stageFailure routes an error from a required LLM stage. Retryable errors
// go back to the broker for redelivery; anything else is final: the
// document is marked FAILED, document.failed goes out, and the job is
// terminated.
func (p *Pipeline) stageFailure(ctx context.Context, r *run, stage types.Stage, cause error) error {
	name := strings.ToLower(stage.String())
	if ctx.Err() != nil {
		return fmt.Errorf("pipeline: %s for %s interrupted: %w", name, r.doc.ID, ctx.Err())
	}
	if llm.IsRetryable(cause) {
		return fmt.Errorf("pipeline: %s for %s: %w", name, r.doc.ID, cause)
	}

	p.logger.Printf("Document %s: %s failed permanently: %v", r.doc.ID, name, cause)
	if err := p.docs.UpdateStatus(ctx, r.doc.ID, types.StatusFailed); err != nil {
		// The FAILED mark did not land; have the broker retry the stage.
		return fmt.Errorf("pipeline: mark %s failed: %w", r.doc.ID, err)
	}
	r.doc.Status = types.StatusFailed
	p.publish(types.EventFailed, r.doc, stage, cause.Error())
	return broker.Fatal(fmt.Errorf("%s: %w", name, cause))
}

// publish emits a document event with the stage stamped on the snapshot.
func (p *Pipeline) publish(kind types.EventType, doc *types.Document, stage types.Stage, errMsg string) {
	summary := doc.Summarize()
	if stage != "" {
		summary.Stage = stage.String()
	}
	if errMsg != "" {
		summary.Error = errMsg
	}
	p.events.Publish(types.DocumentEvent{
		Type:      kind,
		UserID:    doc.UserID,
		Document:  summary,
		Timestamp: time.Now().UTC(),
	})
}

// combineVerdict merges the deterministic rule findings with the LLM
// verdict. The document is valid only when the model agrees and no rule
// errored, and rule errors discount the model's confidence before it
// reaches the score.
func combineVerdict(res *llm.ValidationResult, ruleIssues []types.ValidationIssue, ruleErrors, ruleWarnings int) validationSnapshot {
	issues := types.DedupIssues(append(ruleIssues, res.Issues...))
	errors, warnings := types.CountBySeverity(issues)
	return validationSnapshot{
		IsValid:    res.IsValid && ruleErrors == 0,
		Confidence: confidence.ApplyRulePenalty(res.Confidence, ruleErrors, ruleWarnings),
		Errors:     errors,
		Warnings:   warnings,
		Issues:     issues,
	}
}

// mergeData overlays corrected fields onto the extracted data. Providers
// usually return the full corrected dataset, but a partial response only
// replaces the fields it names.
func mergeData(base, corrected map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(corrected))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range corrected {
		merged[k] = v
	}
	return merged
}

func docTypePtr(t types.DocumentType) *types.DocumentType {
	if t == "" {
		return nil
	}
	return &t
}
