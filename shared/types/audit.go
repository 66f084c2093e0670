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

package types

import "time"

// Stage identifies one step of the per-document pipeline
type Stage string

const (
	StageUpload         Stage = "UPLOAD"
	StageClassification Stage = "CLASSIFICATION"
	StageExtraction     Stage = "EXTRACTION"
	StageValidation     Stage = "VALIDATION"
	StageCorrection     Stage = "CORRECTION"
	StageRevalidation   Stage = "REVALIDATION"
	StageFinalize       Stage = "FINALIZE"
)

// String returns the string representation of the Stage
func (s Stage) String() string {
	return string(s)
}

// IsValid returns true if the Stage is a known value
func (s Stage) IsValid() bool {
	switch s {
	case StageUpload, StageClassification, StageExtraction, StageValidation,
		StageCorrection, StageRevalidation, StageFinalize:
		return true
	default:
		return false
	}
}

// StageOrder lists stages in canonical pipeline order. Audit records for a
// document always form a prefix of this sequence (with the correction pair
// optional).
func StageOrder() []Stage {
	return []Stage{
		StageUpload, StageClassification, StageExtraction, StageValidation,
		StageCorrection, StageRevalidation, StageFinalize,
	}
}

// AuditRecord is one immutable per-stage entry in a document's history.
// Records are written once per stage attempt and never mutated or deleted.
type AuditRecord struct {
	ID               string         `json:"id"`
	DocumentID       string         `json:"documentId"`
	Stage            Stage          `json:"stage"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	PromptID         string         `json:"promptId,omitempty"`
	Prompt           string         `json:"prompt,omitempty"`
	Response         string         `json:"response,omitempty"`
	Snapshot         map[string]any `json:"snapshot,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	ProcessingMs     int64          `json:"processingMs"`
	PromptTokens     int            `json:"promptTokens"`
	CompletionTokens int            `json:"completionTokens"`
	TotalTokens      int            `json:"totalTokens"`
	CostCents        int            `json:"costCents"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// AuditAggregate summarizes audit activity over a time window.
type AuditAggregate struct {
	TotalRecords   int64            `json:"totalRecords"`
	TotalTokens    int64            `json:"totalTokens"`
	TotalCostCents int64            `json:"totalCostCents"`
	AvgLatencyMs   float64          `json:"avgLatencyMs"`
	ByProvider     map[string]int64 `json:"byProvider"`
}

// StageMetrics summarizes one stage of one document.
type StageMetrics struct {
	Stage         Stage    `json:"stage"`
	Attempts      int      `json:"attempts"`
	AvgLatencyMs  float64  `json:"avgLatencyMs"`
	AvgTokens     float64  `json:"avgTokens"`
	AvgConfidence *float64 `json:"avgConfidence,omitempty"`
}
