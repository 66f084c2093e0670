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
	"fmt"
	"strings"
	"sync"

	"docuflow/platform/shared/types"
)

// DefaultPromptVersion is used when a caller passes version <= 0.
const DefaultPromptVersion = 1

// anyDocument is the wildcard slot for templates shared by every
// document type at a given stage.
const anyDocument = types.DocumentType("")

// PromptTemplate is one versioned prompt. Text may contain {{name}}
// placeholders filled in by Render; System is sent verbatim.
type PromptTemplate struct {
	ID     string
	System string
	Text   string
}

// Render substitutes {{name}} placeholders in the template text.
// Unknown placeholders are left in place so a missing variable is
// visible in the audit trail instead of silently vanishing.
func (t *PromptTemplate) Render(vars map[string]string) string {
	if len(vars) == 0 {
		return t.Text
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(t.Text)
}

type promptKey struct {
	Stage   types.Stage
	DocType types.DocumentType
	Version int
}

// PromptRegistry resolves the prompt for a (stage, document type,
// version) triple. Lookups fall back to the stage-wide template when no
// type-specific one is registered. The resolved template's ID is what
// goes into the audit record, so responses stay reproducible.
type PromptRegistry struct {
	mu        sync.RWMutex
	templates map[promptKey]*PromptTemplate
}

// NewPromptRegistry returns a registry preloaded with the builtin
// prompts for every pipeline stage.
func NewPromptRegistry() *PromptRegistry {
	r := &PromptRegistry{
		templates: make(map[promptKey]*PromptTemplate),
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a template. An empty template ID is filled
// in from the key, e.g. "extraction.invoice.v1".
func (r *PromptRegistry) Register(stage types.Stage, docType types.DocumentType, version int, tpl *PromptTemplate) {
	if version <= 0 {
		version = DefaultPromptVersion
	}
	if tpl.ID == "" {
		tpl.ID = templateID(stage, docType, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[promptKey{Stage: stage, DocType: docType, Version: version}] = tpl
}

// Get resolves a template, preferring the type-specific one and falling
// back to the stage-wide template for the same version.
func (r *PromptRegistry) Get(stage types.Stage, docType types.DocumentType, version int) (*PromptTemplate, error) {
	if version <= 0 {
		version = DefaultPromptVersion
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if tpl, ok := r.templates[promptKey{Stage: stage, DocType: docType, Version: version}]; ok {
		return tpl, nil
	}
	if tpl, ok := r.templates[promptKey{Stage: stage, DocType: anyDocument, Version: version}]; ok {
		return tpl, nil
	}
	return nil, fmt.Errorf("no prompt registered for stage=%s document_type=%s version=%d", stage, docType, version)
}

func templateID(stage types.Stage, docType types.DocumentType, version int) string {
	typePart := strings.ToLower(string(docType))
	if typePart == "" {
		typePart = "generic"
	}
	return fmt.Sprintf("%s.%s.v%d", strings.ToLower(string(stage)), typePart, version)
}

// ============================================================================
// Builtin prompts
// ============================================================================

func (r *PromptRegistry) registerBuiltins() {
	r.Register(types.StageClassification, anyDocument, 1, &PromptTemplate{
		System: "You are a document classification assistant for a financial document processing platform. You answer with strict JSON only.",
		Text: `Classify the attached document into exactly one of these categories:

- INVOICE: a bill issued by a vendor requesting payment
- RECEIPT: proof of a completed payment or purchase
- PAYSLIP: an employee salary or wage statement
- BANK_STATEMENT: a bank account statement covering a period
- TAX_FORM: a government tax form or filing
- CONTRACT: a legal agreement between parties
- OTHER: none of the above

Return a JSON object with this structure:
{
  "document_type": "INVOICE|RECEIPT|PAYSLIP|BANK_STATEMENT|TAX_FORM|CONTRACT|OTHER",
  "confidence": <number between 0 and 1>,
  "reasoning": "one sentence explaining the decision"
}

Respond ONLY with valid JSON, no additional text.`,
	})

	r.Register(types.StageExtraction, anyDocument, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract all clearly legible key facts from the attached {{document_type}} document: identifiers, names, dates, amounts, and totals.

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypeInvoice, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached invoice:

- invoice_number: the invoice identifier
- date: issue date (YYYY-MM-DD)
- due_date: payment due date (YYYY-MM-DD), if present
- vendor_name: who issued the invoice
- customer_name: who the invoice is addressed to, if present
- subtotal: amount before tax
- tax: tax amount
- total: final amount due
- currency: ISO 4217 code, e.g. "USD"
- line_items: array of {description, quantity, unit_price, amount}, if itemized

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypeReceipt, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached receipt:

- merchant: merchant or store name
- date: transaction date (YYYY-MM-DD)
- subtotal: amount before tax, if shown
- tax: tax amount, if shown
- tip: tip or gratuity, if shown
- total: final amount paid
- currency: ISO 4217 code, e.g. "USD"
- payment_method: cash, card, credit, debit, mobile, online, check, or other
- items: array of {description, amount}, if itemized

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypePayslip, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached payslip:

- employee_name: the employee the payslip is for
- employer_name: the paying employer, if shown
- period: the pay period, e.g. "2024-01" or "Jan 1 - Jan 15, 2024"
- pay_date: the payment date (YYYY-MM-DD), if shown
- gross_salary: pay before deductions
- deductions: total deductions (taxes, insurance, pension), if shown
- net_salary: pay after deductions
- currency: ISO 4217 code, e.g. "USD"

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypeBankStatement, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached bank statement:

- bank_name: the issuing bank
- account_number: the account number, masked digits included as printed
- period_start: statement period start (YYYY-MM-DD)
- period_end: statement period end (YYYY-MM-DD)
- opening_balance: balance at period start
- closing_balance: balance at period end
- currency: ISO 4217 code, e.g. "USD"
- transactions: array of {date, description, amount} with amount negative for debits

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypeTaxForm, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached tax form:

- form_type: the form designation, e.g. "W-2", "1099-MISC"
- tax_year: the tax year the form covers
- taxpayer_name: the taxpayer the form is for
- taxpayer_id: taxpayer identification number, masked digits included as printed
- total_income: total reported income, if shown
- total_tax: total tax amount, if shown
- currency: ISO 4217 code, e.g. "USD"

` + extractionResponseShape,
	})

	r.Register(types.StageExtraction, types.DocTypeContract, 1, &PromptTemplate{
		System: extractionSystemPrompt,
		Text: `Extract the following fields from the attached contract:

- title: the contract title or subject
- parties: array of party names
- effective_date: when the contract takes effect (YYYY-MM-DD)
- expiration_date: when the contract expires (YYYY-MM-DD), if present
- contract_value: total contract value, if stated
- currency: ISO 4217 code, e.g. "USD"
- governing_law: governing jurisdiction, if stated

` + extractionResponseShape,
	})

	r.Register(types.StageValidation, anyDocument, 1, &PromptTemplate{
		System: "You are a meticulous document validation assistant. You cross-check extracted data against the document image and business rules. You answer with strict JSON only.",
		Text: `Validate the extracted data below against the attached {{document_type}} document.

Business rules for this document type:
{{rules}}

Extracted data:
{{data}}

Check that every value matches the document, that required fields are present, and that the business rules hold. For each problem report an issue with the field name, a message, and a severity ("error" for wrong or missing data, "warning" for suspicious but plausible data). If you can read a correct value off the document for a wrong field, include it in corrected_data.

Return a JSON object with this structure:
{
  "is_valid": <true if there are no error-severity issues>,
  "confidence": <number between 0 and 1>,
  "issues": [
    {"field": "field_name", "message": "what is wrong", "severity": "error|warning", "suggestion": "corrected value, if known"}
  ],
  "corrected_data": <object with corrected field values, or null>
}

Respond ONLY with valid JSON, no additional text.`,
	})

	r.Register(types.StageCorrection, anyDocument, 1, &PromptTemplate{
		System: "You are a document data correction assistant. You re-read the document and fix exactly the reported problems. You answer with strict JSON only.",
		Text: `The extracted data below failed validation against the attached {{document_type}} document.

Current data:
{{data}}

Validation issues:
{{issues}}

Re-read the document and produce corrected data. Fix only the fields named in the issues; keep every other field unchanged. If a value genuinely cannot be read from the document, keep the current value and say so in the change reasoning.

Return a JSON object with this structure:
{
  "corrected_data": <the complete corrected data object>,
  "changes": [
    {"field": "field_name", "old_value": <previous value>, "new_value": <corrected value>, "reasoning": "why"}
  ],
  "confidence": <number between 0 and 1>
}

Respond ONLY with valid JSON, no additional text.`,
	})
}

const extractionSystemPrompt = "You are a precise document data extraction assistant. You read financial documents and transcribe their contents exactly as printed, without guessing. You answer with strict JSON only."

const extractionResponseShape = `Use null for fields that are not present or not legible. Transcribe numbers as plain JSON numbers without currency symbols or thousand separators.

Return a JSON object with this structure:
{
  "data": {<field name>: <value>, ...},
  "field_confidences": {<field name>: <number between 0 and 1>, ...},
  "confidence": <overall extraction confidence between 0 and 1>
}

Respond ONLY with valid JSON, no additional text.`
