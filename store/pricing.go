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

package store

import "fmt"

// Vision LLM pricing as of mid-2025.
// Prices stored in millicents (thousandths of a cent) per 1K tokens so that
// sub-cent rates stay in integer arithmetic. All prices are USD.

// ProviderPricing contains pricing for a specific model.
type ProviderPricing struct {
	PromptCostPer1K     int // millicents per 1K prompt tokens
	CompletionCostPer1K int // millicents per 1K completion tokens
}

// providerPricing maps provider-model combinations to pricing.
var providerPricing = map[string]ProviderPricing{
	// Anthropic
	"anthropic-claude-sonnet-4-20250514": {300, 1500}, // $0.003/$0.015 per 1K tokens
	"anthropic-claude-sonnet-4":          {300, 1500},
	"anthropic-claude-3-5-sonnet":        {300, 1500},
	"anthropic-claude-3-5-haiku":         {80, 400}, // $0.0008/$0.004 per 1K tokens

	// Google Gemini
	"gemini-gemini-2.0-flash": {10, 40}, // $0.0001/$0.0004 per 1K tokens
	"gemini-gemini-1.5-pro":   {125, 500},
	"gemini-gemini-1.5-flash": {8, 30},

	// OpenAI
	"openai-gpt-4o":      {250, 1000}, // $0.0025/$0.01 per 1K tokens
	"openai-gpt-4o-mini": {15, 60},

	// AWS Bedrock (Anthropic models carry Anthropic list pricing)
	"bedrock-anthropic.claude-sonnet-4-20250514-v1:0": {300, 1500},
	"bedrock-anthropic.claude-3-5-sonnet-20241022-v2:0": {300, 1500},

	// Fallback for unknown models (conservative estimate)
	"default": {300, 1500},
}

// CalculateCostCents estimates the cost of an LLM call in whole cents,
// rounded half-up. Unknown provider-model combinations fall back to the
// default rate rather than reporting zero cost.
func CalculateCostCents(provider, model string, promptTokens, completionTokens int) int {
	pricing, ok := providerPricing[provider+"-"+model]
	if !ok {
		pricing = providerPricing["default"]
	}

	// tokens * millicents/1K tokens = micro-cents; 1e6 micro-cents per cent.
	microCents := promptTokens*pricing.PromptCostPer1K + completionTokens*pricing.CompletionCostPer1K
	return (microCents + 500000) / 1000000
}

// GetProviderPricing returns the pricing for a provider-model combination,
// reporting whether an explicit entry exists.
func GetProviderPricing(provider, model string) (ProviderPricing, bool) {
	pricing, ok := providerPricing[provider+"-"+model]
	return pricing, ok
}

// FormatCostToDollars converts cents to a dollar string (135 -> "$1.35").
func FormatCostToDollars(cents int64) string {
	return fmt.Sprintf("$%.2f", float64(cents)/100.0)
}
