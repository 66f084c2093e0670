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

// DocumentStatus represents the processing state of a document
type DocumentStatus string

const (
	// StatusUploading is set by upload-side collaborators before bytes land
	StatusUploading DocumentStatus = "UPLOADING"
	// StatusProcessing means the pipeline owns the document
	StatusProcessing DocumentStatus = "PROCESSING"
	// StatusNeedsReview means processing finished below the auto-approval bar
	StatusNeedsReview DocumentStatus = "NEEDS_REVIEW"
	// StatusCompleted means processing finished and the data is trusted
	StatusCompleted DocumentStatus = "COMPLETED"
	// StatusFailed means a pipeline stage exhausted its retries
	StatusFailed DocumentStatus = "FAILED"
	// StatusArchived is the logical-delete state
	StatusArchived DocumentStatus = "ARCHIVED"
)

// String returns the string representation of the DocumentStatus
func (s DocumentStatus) String() string {
	return string(s)
}

// IsValid returns true if the DocumentStatus is a known value
func (s DocumentStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusNeedsReview,
		StatusCompleted, StatusFailed, StatusArchived:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no pipeline run will mutate the document further
func (s DocumentStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusArchived, StatusNeedsReview:
		return true
	default:
		return false
	}
}

// DocumentType classifies what kind of document was uploaded
type DocumentType string

const (
	DocTypeInvoice       DocumentType = "INVOICE"
	DocTypeReceipt       DocumentType = "RECEIPT"
	DocTypePayslip       DocumentType = "PAYSLIP"
	DocTypeBankStatement DocumentType = "BANK_STATEMENT"
	DocTypeTaxForm       DocumentType = "TAX_FORM"
	DocTypeContract      DocumentType = "CONTRACT"
	DocTypeOther         DocumentType = "OTHER"
)

// String returns the string representation of the DocumentType
func (t DocumentType) String() string {
	return string(t)
}

// IsValid returns true if the DocumentType is a known value
func (t DocumentType) IsValid() bool {
	switch t {
	case DocTypeInvoice, DocTypeReceipt, DocTypePayslip, DocTypeBankStatement,
		DocTypeTaxForm, DocTypeContract, DocTypeOther:
		return true
	default:
		return false
	}
}

// AllDocumentTypes lists every known document type in display order.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		DocTypeInvoice, DocTypeReceipt, DocTypePayslip, DocTypeBankStatement,
		DocTypeTaxForm, DocTypeContract, DocTypeOther,
	}
}

// Document is the mutable per-upload record. One row per uploaded file.
//
// Invariants:
//   - Status COMPLETED implies ParsedData != nil and CompletedAt != nil
//   - Status NEEDS_REVIEW implies ParsedData != nil and NeedsReview == true
//   - only the owner (UserID) may read or mutate the document
type Document struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Filename     string         `json:"filename"`
	MimeType     string         `json:"mimeType"`
	FileSize     int64          `json:"fileSize"`
	ObjectKey    string         `json:"objectKey"`
	Bucket       string         `json:"bucket"`
	Status       DocumentStatus `json:"status"`
	DocumentType *DocumentType  `json:"documentType,omitempty"`
	ParsedData   map[string]any `json:"parsedData,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
	NeedsReview  bool           `json:"needsReview"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	ReviewedAt   *time.Time     `json:"reviewedAt,omitempty"`
}

// DocumentSummary is the snapshot embedded in events and SSE payloads.
// Timestamps serialize as RFC 3339 / ISO 8601.
type DocumentSummary struct {
	ID           string         `json:"id"`
	Status       DocumentStatus `json:"status"`
	DocumentType *DocumentType  `json:"documentType,omitempty"`
	Confidence   *float64       `json:"confidence,omitempty"`
	NeedsReview  bool           `json:"needsReview"`
	Filename     string         `json:"filename"`
	Stage        string         `json:"stage,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// Summarize builds the event snapshot for a document.
func (d *Document) Summarize() DocumentSummary {
	return DocumentSummary{
		ID:           d.ID,
		Status:       d.Status,
		DocumentType: d.DocumentType,
		Confidence:   d.Confidence,
		NeedsReview:  d.NeedsReview,
		Filename:     d.Filename,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  d.CompletedAt,
	}
}
