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

import "sort"

// Severity ranks a validation issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Rank returns the sort rank of a severity: error < warning < info.
func (s Severity) Rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// ValidationIssue is a single finding from the business rule engine or an
// LLM validation pass. Issues are deduplicated by (Field, Message, Severity).
type ValidationIssue struct {
	Field      string   `json:"field"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// DedupIssues removes duplicate issues and sorts the result by severity rank,
// then field, then message. The input slice is not modified.
func DedupIssues(issues []ValidationIssue) []ValidationIssue {
	type key struct {
		field    string
		message  string
		severity Severity
	}

	seen := make(map[key]bool, len(issues))
	out := make([]ValidationIssue, 0, len(issues))
	for _, issue := range issues {
		k := key{issue.Field, issue.Message, issue.Severity}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, issue)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() < out[j].Severity.Rank()
		}
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Message < out[j].Message
	})

	return out
}

// CountBySeverity returns the number of error and warning issues.
func CountBySeverity(issues []ValidationIssue) (errors, warnings int) {
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityError:
			errors++
		case SeverityWarning:
			warnings++
		}
	}
	return errors, warnings
}
