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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateCostCents(t *testing.T) {
	tests := []struct {
		name             string
		provider         string
		model            string
		promptTokens     int
		completionTokens int
		expected         int
	}{
		{
			// 1000*300 + 500*1500 = 1.05M micro-cents -> 1.05 cents -> 1
			name:     "claude sonnet typical stage",
			provider: "anthropic", model: "claude-sonnet-4",
			promptTokens: 1000, completionTokens: 500,
			expected: 1,
		},
		{
			// 40000*15 = 600k micro-cents -> 0.6 cents rounds up
			name:     "half-up rounding",
			provider: "openai", model: "gpt-4o-mini",
			promptTokens: 40000, completionTokens: 0,
			expected: 1,
		},
		{
			// 10000*10 = 100k micro-cents -> 0.1 cents rounds down
			name:     "sub-half rounds down",
			provider: "gemini", model: "gemini-2.0-flash",
			promptTokens: 10000, completionTokens: 0,
			expected: 0,
		},
		{
			name:     "unknown model falls back to default rate",
			provider: "anthropic", model: "claude-experimental",
			promptTokens: 1000, completionTokens: 1000,
			expected: 2, // default {300,1500}: 1.8 cents -> 2
		},
		{
			name:     "zero tokens cost nothing",
			provider: "anthropic", model: "claude-sonnet-4",
			promptTokens: 0, completionTokens: 0,
			expected: 0,
		},
		{
			// 100000*250 + 20000*1000 = 45M micro-cents -> 45 cents
			name:     "large batch",
			provider: "openai", model: "gpt-4o",
			promptTokens: 100000, completionTokens: 20000,
			expected: 45,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCostCents(tt.provider, tt.model, tt.promptTokens, tt.completionTokens)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestGetProviderPricing(t *testing.T) {
	pricing, ok := GetProviderPricing("anthropic", "claude-sonnet-4")
	assert.True(t, ok)
	assert.Equal(t, 300, pricing.PromptCostPer1K)
	assert.Equal(t, 1500, pricing.CompletionCostPer1K)

	_, ok = GetProviderPricing("anthropic", "no-such-model")
	assert.False(t, ok)
}

func TestFormatCostToDollars(t *testing.T) {
	assert.Equal(t, "$1.35", FormatCostToDollars(135))
	assert.Equal(t, "$0.00", FormatCostToDollars(0))
	assert.Equal(t, "$12.00", FormatCostToDollars(1200))
}
