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

// Package rules implements the deterministic business rule engine that runs
// after LLM extraction. Each document type carries a contract of required
// fields and predicate rules; the engine evaluates a contract against the
// extracted data and returns a deduplicated, severity-sorted issue list.
//
// Rule evaluation never aborts: a predicate that cannot be evaluated (for
// example because a field holds an unparseable value) downgrades to a
// warning instead of failing the whole pass.
package rules

import (
	"fmt"
	"strings"

	"docuflow/platform/shared/types"
)

// Predicate evaluates extracted data. It returns ok=false when the rule is
// violated, and a non-nil error when the rule could not be evaluated at all.
// Predicates treat missing optional inputs as satisfied; required-field
// coverage is handled separately by the contract's Required list.
type Predicate func(data map[string]any) (bool, error)

// Rule is one deterministic check within a document type contract. Message
// doubles as the rule's description in prompt summaries, so it is phrased as
// a constraint ("total must be greater than zero").
type Rule struct {
	Field    string
	Message  string
	Severity types.Severity
	Check    Predicate
}

// Contract describes the expectations for one document type.
type Contract struct {
	Required []string
	Optional []string
	Rules    []Rule
}

// Engine evaluates document type contracts. The zero value is not usable;
// construct with NewEngine. Engines are immutable after construction and
// safe for concurrent use.
type Engine struct {
	contracts map[types.DocumentType]Contract
}

// NewEngine returns an engine loaded with the built-in contracts for every
// known document type.
func NewEngine() *Engine {
	return &Engine{contracts: builtinContracts()}
}

// Contract returns the contract registered for a document type.
func (e *Engine) Contract(docType types.DocumentType) (Contract, bool) {
	c, ok := e.contracts[docType]
	return c, ok
}

// Validate runs the contract for docType against extracted data and returns
// the deduplicated, severity-sorted issues. Document types without a
// contract (including OTHER) validate cleanly. Validation is deterministic
// and has no side effects.
func (e *Engine) Validate(docType types.DocumentType, data map[string]any) []types.ValidationIssue {
	contract, ok := e.contracts[docType]
	if !ok {
		return nil
	}

	issues := make([]types.ValidationIssue, 0, len(contract.Required)+len(contract.Rules))

	for _, field := range contract.Required {
		if v, ok := lookup(data, field); !ok || !present(v) {
			issues = append(issues, types.ValidationIssue{
				Field:    field,
				Message:  "required field is missing",
				Severity: types.SeverityError,
			})
		}
	}

	for _, rule := range contract.Rules {
		ok, err := rule.Check(data)
		if err != nil {
			issues = append(issues, types.ValidationIssue{
				Field:    rule.Field,
				Message:  fmt.Sprintf("unable to validate: %v", err),
				Severity: types.SeverityWarning,
			})
			continue
		}
		if !ok {
			issues = append(issues, types.ValidationIssue{
				Field:    rule.Field,
				Message:  rule.Message,
				Severity: rule.Severity,
			})
		}
	}

	if len(issues) == 0 {
		return nil
	}
	return types.DedupIssues(issues)
}

// HasErrors reports whether any issue in the list is an error.
func HasErrors(issues []types.ValidationIssue) bool {
	for _, issue := range issues {
		if issue.Severity == types.SeverityError {
			return true
		}
	}
	return false
}

// Summary renders the contract for a document type as plain text for
// inclusion in an LLM validation prompt.
func (e *Engine) Summary(docType types.DocumentType) string {
	contract, ok := e.contracts[docType]
	if !ok || (len(contract.Required) == 0 && len(contract.Rules) == 0) {
		return "No specific validation rules apply to this document type."
	}

	var b strings.Builder
	if len(contract.Required) > 0 {
		b.WriteString("Required fields: ")
		b.WriteString(strings.Join(contract.Required, ", "))
		b.WriteString(".")
	}
	if len(contract.Optional) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Optional fields: ")
		b.WriteString(strings.Join(contract.Optional, ", "))
		b.WriteString(".")
	}
	if len(contract.Rules) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Rules:")
		for _, rule := range contract.Rules {
			b.WriteString("\n- ")
			b.WriteString(rule.Field)
			b.WriteString(": ")
			b.WriteString(rule.Message)
			if rule.Severity != types.SeverityError {
				b.WriteString(fmt.Sprintf(" (%s)", rule.Severity))
			}
		}
	}
	return b.String()
}
