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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"docuflow/platform/llm"
	"docuflow/platform/shared/types"
)

// Checkpointing rides on the audit trail. The entry points write an UPLOAD
// record on every enqueue, so the newest UPLOAD record marks the start of
// the current pipeline attempt: stage records newer than it are results of
// this attempt and can be reused; older ones belong to a previous run of
// the same document (a retry) and must not be.

// uploadWatermark returns the creation time of the newest UPLOAD record.
// A missing UPLOAD record makes every existing stage record eligible.
func (p *Pipeline) uploadWatermark(ctx context.Context, docID string) (time.Time, error) {
	rec, err := p.audit.LatestStageRecord(ctx, docID, types.StageUpload)
	if err != nil {
		return time.Time{}, fmt.Errorf("pipeline: upload watermark for %s: %w", docID, err)
	}
	if rec == nil {
		p.logger.Printf("Document %s has no upload record, treating all checkpoints as current", docID)
		return time.Time{}, nil
	}
	return rec.CreatedAt, nil
}

// checkpoint returns the stage's reusable audit record, or nil when the
// stage has to run.
func (p *Pipeline) checkpoint(ctx context.Context, r *run, stage types.Stage) (*types.AuditRecord, error) {
	rec, err := p.audit.LatestStageRecord(ctx, r.doc.ID, stage)
	if err != nil {
		return nil, fmt.Errorf("pipeline: checkpoint %s for %s: %w", strings.ToLower(stage.String()), r.doc.ID, err)
	}
	if rec == nil || !rec.CreatedAt.After(r.watermark) {
		return nil, nil
	}
	return rec, nil
}

// Stage snapshots are stored as the audit record's snapshot map and read
// back on re-delivery, so every field must survive a JSON round trip.

type classificationSnapshot struct {
	DocumentType types.DocumentType `json:"documentType"`
	Confidence   float64            `json:"confidence"`
	Reasoning    string             `json:"reasoning,omitempty"`
}

type extractionSnapshot struct {
	Data       map[string]any `json:"data"`
	FieldCount int            `json:"fieldCount"`
	Confidence float64        `json:"confidence"`
}

// validationSnapshot is shared by the validation and re-validation stages.
// Confidence is the rule-adjusted LLM confidence; Errors and Warnings
// count the combined issue list.
type validationSnapshot struct {
	IsValid    bool                    `json:"isValid"`
	Confidence float64                 `json:"confidence"`
	Errors     int                     `json:"errors"`
	Warnings   int                     `json:"warnings"`
	Issues     []types.ValidationIssue `json:"issues,omitempty"`
}

type correctionSnapshot struct {
	Data       map[string]any    `json:"data"`
	Changes    []llm.FieldChange `json:"changes,omitempty"`
	Confidence float64           `json:"confidence"`
}

type finalizeSnapshot struct {
	Score            float64              `json:"score"`
	NeedsReview      bool                 `json:"needsReview"`
	Status           types.DocumentStatus `json:"status"`
	CorrectionFailed bool                 `json:"correctionFailed,omitempty"`
}

// snapshotOf renders a typed snapshot as the generic map the audit store
// persists.
func snapshotOf(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// decodeSnapshot reads a stored snapshot back into its typed form.
func decodeSnapshot(m map[string]any, v any) error {
	if len(m) == 0 {
		return fmt.Errorf("empty snapshot")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// auditRecord assembles the audit row for one LLM-backed stage.
func auditRecord(docID string, stage types.Stage, meta llm.CallMeta, confidence *float64, snapshot map[string]any) *types.AuditRecord {
	return &types.AuditRecord{
		DocumentID:       docID,
		Stage:            stage,
		Provider:         meta.Provider,
		Model:            meta.Model,
		PromptID:         meta.PromptID,
		Prompt:           meta.Prompt,
		Response:         meta.RawResponse,
		Snapshot:         snapshot,
		Confidence:       confidence,
		ProcessingMs:     meta.ProcessingMs,
		PromptTokens:     meta.TokensUsed.PromptTokens,
		CompletionTokens: meta.TokensUsed.CompletionTokens,
	}
}
