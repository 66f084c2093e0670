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

package llm

import (
	"docuflow/platform/shared/types"
)

// CallMeta carries the provenance of a semantic operation result: which
// provider and model produced it, the prompt template used, tokens, and
// wall time. Every audit record is built from these fields.
type CallMeta struct {
	Provider     string     `json:"provider"`
	Model        string     `json:"model"`
	PromptID     string     `json:"prompt_id,omitempty"`
	TokensUsed   UsageStats `json:"tokens_used"`
	ProcessingMs int64      `json:"processing_ms"`

	// Prompt is the rendered prompt text, preserved for audit.
	Prompt string `json:"-"`

	// RawResponse is the unparsed model output, preserved for audit.
	RawResponse string `json:"-"`
}

// ClassificationResult is the outcome of the classify operation.
type ClassificationResult struct {
	CallMeta

	DocumentType types.DocumentType `json:"document_type"`
	Confidence   float64            `json:"confidence"`
	Reasoning    string             `json:"reasoning,omitempty"`
}

// Field is one extracted key/value with the model's per-field confidence.
type Field struct {
	Name       string  `json:"name"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractionResult is the outcome of the extract operation.
// AggregateConfidence is the arithmetic mean of the field confidences when
// the model reported them, else the caller-supplied fallback.
type ExtractionResult struct {
	CallMeta

	Fields              []Field        `json:"fields"`
	RawData             map[string]any `json:"raw_data,omitempty"`
	AggregateConfidence float64        `json:"aggregate_confidence"`
}

// Data flattens the extracted fields into a map, preferring RawData when
// the model returned a full object.
func (r *ExtractionResult) Data() map[string]any {
	if len(r.RawData) > 0 {
		return r.RawData
	}
	data := make(map[string]any, len(r.Fields))
	for _, f := range r.Fields {
		data[f.Name] = f.Value
	}
	return data
}

// ValidationResult is the outcome of the validate operation.
type ValidationResult struct {
	CallMeta

	IsValid    bool                    `json:"is_valid"`
	Issues     []types.ValidationIssue `json:"issues,omitempty"`
	Confidence float64                 `json:"confidence"`

	// CorrectedData is an optional inline fix suggested by the validator.
	CorrectedData map[string]any `json:"corrected_data,omitempty"`

	// AgreementLevel measures cross-provider agreement for voting
	// strategies (1.0 = full agreement). Zero for single-provider calls.
	AgreementLevel float64 `json:"agreement_level,omitempty"`
}

// FieldChange records one correction applied to the extracted data.
type FieldChange struct {
	Field     string `json:"field"`
	OldValue  any    `json:"old_value"`
	NewValue  any    `json:"new_value"`
	Reasoning string `json:"reasoning,omitempty"`
}

// CorrectionResult is the outcome of the correct operation.
type CorrectionResult struct {
	CallMeta

	CorrectedData map[string]any `json:"corrected_data"`
	Changes       []FieldChange  `json:"changes,omitempty"`
	Confidence    float64        `json:"confidence"`
}
