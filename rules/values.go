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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NumericTolerance is the absolute tolerance used for numeric equality checks.
// Extracted monetary values routinely differ by a cent or two from rounding.
const NumericTolerance = 0.02

// dateLayouts are tried in order when coercing a string into a date.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// lookup resolves a dot-separated path inside extracted data. Intermediate
// segments must be JSON objects.
func lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = data
	for _, segment := range segments {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// present reports whether a value counts as filled in. Empty strings, empty
// objects, and empty arrays are treated the same as absent fields.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

// asNumber coerces a JSON value into a float64. Numeric strings may carry
// currency symbols and thousand separators ("$1,234.56", "1.234,56 €").
func asNumber(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		return parseNumericString(val)
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

// parseNumericString strips currency decoration and normalizes separators
// before parsing. When both comma and dot appear, the later one is the
// decimal mark ("1,234.56" and "1.234,56" both parse). A lone comma followed
// by at most two digits is a decimal comma; other commas group thousands.
func parseNumericString(s string) (float64, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, fmt.Errorf("string %q contains no numeric value", s)
	}

	if strings.Contains(cleaned, ",") && strings.Contains(cleaned, ".") {
		if strings.LastIndex(cleaned, ",") > strings.LastIndex(cleaned, ".") {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}
	if idx := strings.LastIndex(cleaned, ","); idx >= 0 {
		if strings.Count(cleaned, ",") == 1 && len(cleaned)-idx-1 <= 2 {
			cleaned = cleaned[:idx] + "." + cleaned[idx+1:]
		} else {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		}
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("string %q is not numeric", s)
	}
	return f, nil
}

// asString coerces a JSON value into a string. Numbers stringify; other
// shapes fail.
func asString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case json.Number:
		return val.String(), nil
	default:
		return "", fmt.Errorf("value %v (%T) is not a string", v, v)
	}
}

// asDate coerces a JSON value into a date, trying the known layouts in order.
func asDate(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		trimmed := strings.TrimSpace(val)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, trimmed); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("string %q is not a recognized date", val)
	default:
		return time.Time{}, fmt.Errorf("value %v (%T) is not a date", v, v)
	}
}

// numberField resolves a field path as a number. found is false when the
// field is absent or empty; err is set when it is present but not numeric.
func numberField(data map[string]any, path string) (value float64, found bool, err error) {
	v, ok := lookup(data, path)
	if !ok || !present(v) {
		return 0, false, nil
	}
	n, err := asNumber(v)
	if err != nil {
		return 0, true, err
	}
	return n, true, nil
}

// stringField resolves a field path as a string. found is false when the
// field is absent or empty.
func stringField(data map[string]any, path string) (value string, found bool, err error) {
	v, ok := lookup(data, path)
	if !ok || !present(v) {
		return "", false, nil
	}
	s, err := asString(v)
	if err != nil {
		return "", true, err
	}
	return s, true, nil
}

// dateField resolves a field path as a date. found is false when the field
// is absent or empty.
func dateField(data map[string]any, path string) (value time.Time, found bool, err error) {
	v, ok := lookup(data, path)
	if !ok || !present(v) {
		return time.Time{}, false, nil
	}
	t, err := asDate(v)
	if err != nil {
		return time.Time{}, true, err
	}
	return t, true, nil
}

// approxEqual reports numeric equality within NumericTolerance.
func approxEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= NumericTolerance+1e-9
}

// beforeTomorrow reports whether a date falls on or before today (UTC).
func beforeTomorrow(t time.Time) bool {
	y, m, d := time.Now().UTC().AddDate(0, 0, 1).Date()
	tomorrow := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return t.UTC().Before(tomorrow)
}
