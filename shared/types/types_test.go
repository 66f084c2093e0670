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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentStatus_IsValid(t *testing.T) {
	tests := []struct {
		status   DocumentStatus
		expected bool
	}{
		{StatusUploading, true},
		{StatusProcessing, true},
		{StatusNeedsReview, true},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusArchived, true},
		{DocumentStatus("DONE"), false},
		{DocumentStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.IsValid())
		})
	}
}

func TestDocumentStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusProcessing.IsTerminal())
	assert.False(t, StatusUploading.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusNeedsReview.IsTerminal())
	assert.True(t, StatusArchived.IsTerminal())
}

func TestDocumentType_IsValid(t *testing.T) {
	for _, dt := range AllDocumentTypes() {
		assert.True(t, dt.IsValid(), "type %s should be valid", dt)
	}
	assert.False(t, DocumentType("LETTER").IsValid())
}

func TestDedupIssues_RemovesDuplicatesAndSorts(t *testing.T) {
	issues := []ValidationIssue{
		{Field: "total", Message: "must be positive", Severity: SeverityInfo},
		{Field: "date", Message: "in the future", Severity: SeverityError},
		{Field: "total", Message: "must be positive", Severity: SeverityInfo},
		{Field: "tip", Message: "exceeds total", Severity: SeverityWarning},
		{Field: "date", Message: "in the future", Severity: SeverityError},
	}

	out := DedupIssues(issues)

	assert.Len(t, out, 3)
	assert.Equal(t, SeverityError, out[0].Severity)
	assert.Equal(t, "date", out[0].Field)
	assert.Equal(t, SeverityWarning, out[1].Severity)
	assert.Equal(t, SeverityInfo, out[2].Severity)
}

func TestDedupIssues_SameFieldDifferentSeverity(t *testing.T) {
	issues := []ValidationIssue{
		{Field: "total", Message: "suspicious", Severity: SeverityWarning},
		{Field: "total", Message: "suspicious", Severity: SeverityError},
	}

	out := DedupIssues(issues)

	// Same field and message but different severity are distinct findings.
	assert.Len(t, out, 2)
	assert.Equal(t, SeverityError, out[0].Severity)
}

func TestCountBySeverity(t *testing.T) {
	issues := []ValidationIssue{
		{Field: "a", Message: "x", Severity: SeverityError},
		{Field: "b", Message: "y", Severity: SeverityError},
		{Field: "c", Message: "z", Severity: SeverityWarning},
		{Field: "d", Message: "w", Severity: SeverityInfo},
	}

	errors, warnings := CountBySeverity(issues)
	assert.Equal(t, 2, errors)
	assert.Equal(t, 1, warnings)
}

func TestDocument_Summarize(t *testing.T) {
	conf := 0.87
	dt := DocTypeInvoice
	doc := Document{
		ID:           "doc-1",
		UserID:       "user-1",
		Filename:     "invoice.pdf",
		Status:       StatusNeedsReview,
		DocumentType: &dt,
		Confidence:   &conf,
		NeedsReview:  true,
	}

	s := doc.Summarize()
	assert.Equal(t, "doc-1", s.ID)
	assert.Equal(t, StatusNeedsReview, s.Status)
	assert.Equal(t, &dt, s.DocumentType)
	assert.Equal(t, &conf, s.Confidence)
	assert.True(t, s.NeedsReview)
	assert.Equal(t, "invoice.pdf", s.Filename)
}
