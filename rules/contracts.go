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

package rules

import (
	"fmt"
	"strings"
	"time"

	"docuflow/platform/shared/types"
)

// knownPaymentMethods is the accepted payment_method vocabulary on receipts.
var knownPaymentMethods = map[string]bool{
	"cash":   true,
	"card":   true,
	"credit": true,
	"debit":  true,
	"mobile": true,
	"online": true,
	"check":  true,
	"other":  true,
}

func builtinContracts() map[types.DocumentType]Contract {
	return map[types.DocumentType]Contract{
		types.DocTypeInvoice:       invoiceContract(),
		types.DocTypeReceipt:       receiptContract(),
		types.DocTypePayslip:       payslipContract(),
		types.DocTypeBankStatement: bankStatementContract(),
		types.DocTypeTaxForm:       taxFormContract(),
		types.DocTypeContract:      contractContract(),
		types.DocTypeOther:         {},
	}
}

func invoiceContract() Contract {
	return Contract{
		Required: []string{"invoice_number", "date", "total", "currency"},
		Optional: []string{"subtotal", "tax", "due_date", "vendor", "line_items"},
		Rules: []Rule{
			{
				Field:    "total",
				Message:  "total must be greater than zero",
				Severity: types.SeverityError,
				Check:    positiveNumber("total"),
			},
			{
				Field:    "date",
				Message:  "date must not be in the future",
				Severity: types.SeverityError,
				Check:    dateNotInFuture("date"),
			},
			{
				Field:    "total",
				Message:  "subtotal + tax must equal total",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					subtotal, okSub, err := numberField(data, "subtotal")
					if err != nil {
						return false, err
					}
					tax, okTax, err := numberField(data, "tax")
					if err != nil {
						return false, err
					}
					total, okTotal, err := numberField(data, "total")
					if err != nil {
						return false, err
					}
					if !okSub || !okTax || !okTotal {
						return true, nil
					}
					return approxEqual(subtotal+tax, total), nil
				},
			},
			{
				Field:    "due_date",
				Message:  "due_date must not be earlier than date",
				Severity: types.SeverityWarning,
				Check:    dateNotBefore("due_date", "date"),
			},
			{
				Field:    "invoice_number",
				Message:  "invoice_number must be between 1 and 99 characters",
				Severity: types.SeverityError,
				Check:    stringLengthBetween("invoice_number", 1, 100),
			},
		},
	}
}

func receiptContract() Contract {
	return Contract{
		Required: []string{"merchant", "total", "date", "currency"},
		Optional: []string{"tax", "tip", "payment_method", "items"},
		Rules: []Rule{
			{
				Field:    "total",
				Message:  "total must be greater than zero",
				Severity: types.SeverityError,
				Check:    positiveNumber("total"),
			},
			{
				Field:    "merchant",
				Message:  "merchant name must not be empty",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					v, ok := lookup(data, "merchant")
					if !ok || !present(v) {
						return true, nil
					}
					switch m := v.(type) {
					case string:
						return strings.TrimSpace(m) != "", nil
					case map[string]any:
						name, ok := m["name"]
						return ok && present(name), nil
					default:
						return false, fmt.Errorf("merchant has unexpected shape %T", v)
					}
				},
			},
			{
				Field:    "date",
				Message:  "date must not be in the future",
				Severity: types.SeverityError,
				Check:    dateNotInFuture("date"),
			},
			{
				Field:    "payment_method",
				Message:  "payment_method is not a recognized method (cash, card, credit, debit, mobile, online, check, other)",
				Severity: types.SeverityInfo,
				Check: func(data map[string]any) (bool, error) {
					method, ok, err := stringField(data, "payment_method")
					if err != nil {
						return false, err
					}
					if !ok {
						return true, nil
					}
					return knownPaymentMethods[strings.ToLower(strings.TrimSpace(method))], nil
				},
			},
			{
				Field:    "tax",
				Message:  "tax must be less than total",
				Severity: types.SeverityWarning,
				Check:    numberLessThan("tax", "total"),
			},
			{
				Field:    "tip",
				Message:  "tip must be less than total",
				Severity: types.SeverityWarning,
				Check:    numberLessThan("tip", "total"),
			},
		},
	}
}

func payslipContract() Contract {
	return Contract{
		Required: []string{"employee_name", "period", "gross_salary", "net_salary", "currency"},
		Optional: []string{"deductions", "employer", "payment_date"},
		Rules: []Rule{
			{
				Field:    "gross_salary",
				Message:  "gross_salary must be greater than zero",
				Severity: types.SeverityError,
				Check:    positiveNumber("gross_salary"),
			},
			{
				Field:    "net_salary",
				Message:  "net_salary must be greater than zero and not exceed gross_salary",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					net, okNet, err := numberField(data, "net_salary")
					if err != nil {
						return false, err
					}
					if !okNet {
						return true, nil
					}
					if net <= 0 {
						return false, nil
					}
					gross, okGross, err := numberField(data, "gross_salary")
					if err != nil {
						return false, err
					}
					if !okGross {
						return true, nil
					}
					return net <= gross+1e-9, nil
				},
			},
			{
				Field:    "net_salary",
				Message:  "gross_salary minus deductions must equal net_salary",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					deductions, okDed, err := numberField(data, "deductions")
					if err != nil {
						return false, err
					}
					gross, okGross, err := numberField(data, "gross_salary")
					if err != nil {
						return false, err
					}
					net, okNet, err := numberField(data, "net_salary")
					if err != nil {
						return false, err
					}
					if !okDed || !okGross || !okNet {
						return true, nil
					}
					return approxEqual(gross-deductions, net), nil
				},
			},
			{
				Field:    "employee_name",
				Message:  "employee_name must be between 1 and 199 characters",
				Severity: types.SeverityError,
				Check:    stringLengthBetween("employee_name", 1, 200),
			},
			{
				Field:    "period",
				Message:  "period must not be empty",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					period, ok, err := stringField(data, "period")
					if err != nil {
						return false, err
					}
					if !ok {
						return true, nil
					}
					return strings.TrimSpace(period) != "", nil
				},
			},
		},
	}
}

func bankStatementContract() Contract {
	return Contract{
		Required: []string{"account_number", "period_start", "period_end", "currency"},
		Optional: []string{"opening_balance", "closing_balance", "transactions", "bank_name"},
		Rules: []Rule{
			{
				Field:    "period_end",
				Message:  "period_end must not be earlier than period_start",
				Severity: types.SeverityError,
				Check:    dateNotBefore("period_end", "period_start"),
			},
			{
				Field:    "period_start",
				Message:  "period_start must not be in the future",
				Severity: types.SeverityError,
				Check:    dateNotInFuture("period_start"),
			},
			{
				Field:    "closing_balance",
				Message:  "opening_balance plus transaction amounts must equal closing_balance",
				Severity: types.SeverityWarning,
				Check: func(data map[string]any) (bool, error) {
					opening, okOpen, err := numberField(data, "opening_balance")
					if err != nil {
						return false, err
					}
					closing, okClose, err := numberField(data, "closing_balance")
					if err != nil {
						return false, err
					}
					raw, okTx := lookup(data, "transactions")
					if !okOpen || !okClose || !okTx || !present(raw) {
						return true, nil
					}
					transactions, ok := raw.([]any)
					if !ok {
						return false, fmt.Errorf("transactions has unexpected shape %T", raw)
					}
					sum := opening
					for _, tx := range transactions {
						entry, ok := tx.(map[string]any)
						if !ok {
							return false, fmt.Errorf("transaction entry has unexpected shape %T", tx)
						}
						amount, okAmount, err := numberField(entry, "amount")
						if err != nil {
							return false, err
						}
						if okAmount {
							sum += amount
						}
					}
					return approxEqual(sum, closing), nil
				},
			},
		},
	}
}

func taxFormContract() Contract {
	return Contract{
		Required: []string{"tax_year", "taxpayer_name"},
		Optional: []string{"total_tax", "total_income", "form_type"},
		Rules: []Rule{
			{
				Field:    "tax_year",
				Message:  "tax_year is outside the plausible range",
				Severity: types.SeverityWarning,
				Check: func(data map[string]any) (bool, error) {
					year, ok, err := numberField(data, "tax_year")
					if err != nil {
						return false, err
					}
					if !ok {
						return true, nil
					}
					current := float64(time.Now().Year())
					return year >= current-10 && year <= current+1, nil
				},
			},
			{
				Field:    "total_tax",
				Message:  "total_tax must not be negative",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					tax, ok, err := numberField(data, "total_tax")
					if err != nil {
						return false, err
					}
					if !ok {
						return true, nil
					}
					return tax >= 0, nil
				},
			},
		},
	}
}

func contractContract() Contract {
	return Contract{
		Required: []string{"parties", "effective_date"},
		Optional: []string{"expiration_date", "contract_type", "value"},
		Rules: []Rule{
			{
				Field:    "effective_date",
				Message:  "effective_date must be a recognizable date",
				Severity: types.SeverityError,
				Check: func(data map[string]any) (bool, error) {
					v, ok := lookup(data, "effective_date")
					if !ok || !present(v) {
						return true, nil
					}
					_, err := asDate(v)
					return err == nil, nil
				},
			},
			{
				Field:    "expiration_date",
				Message:  "expiration_date must not be earlier than effective_date",
				Severity: types.SeverityWarning,
				Check:    dateNotBefore("expiration_date", "effective_date"),
			},
		},
	}
}

// positiveNumber builds a predicate requiring field > 0 when present.
func positiveNumber(field string) Predicate {
	return func(data map[string]any) (bool, error) {
		n, ok, err := numberField(data, field)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return n > 0, nil
	}
}

// dateNotInFuture builds a predicate requiring field ≤ today when present.
func dateNotInFuture(field string) Predicate {
	return func(data map[string]any) (bool, error) {
		d, ok, err := dateField(data, field)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		return beforeTomorrow(d), nil
	}
}

// dateNotBefore builds a predicate requiring field ≥ reference when both are
// present.
func dateNotBefore(field, reference string) Predicate {
	return func(data map[string]any) (bool, error) {
		d, okField, err := dateField(data, field)
		if err != nil {
			return false, err
		}
		ref, okRef, err := dateField(data, reference)
		if err != nil {
			return false, err
		}
		if !okField || !okRef {
			return true, nil
		}
		return !d.Before(ref), nil
	}
}

// numberLessThan builds a predicate requiring field < reference when both
// are present.
func numberLessThan(field, reference string) Predicate {
	return func(data map[string]any) (bool, error) {
		n, okField, err := numberField(data, field)
		if err != nil {
			return false, err
		}
		ref, okRef, err := numberField(data, reference)
		if err != nil {
			return false, err
		}
		if !okField || !okRef {
			return true, nil
		}
		return n < ref, nil
	}
}

// stringLengthBetween builds a predicate requiring min ≤ len(field) < max
// when the field is present.
func stringLengthBetween(field string, min, max int) Predicate {
	return func(data map[string]any) (bool, error) {
		s, ok, err := stringField(data, field)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		length := len(strings.TrimSpace(s))
		return length >= min && length < max, nil
	}
}
