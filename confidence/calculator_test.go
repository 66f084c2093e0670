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

package confidence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Weighted Base Tests
// =============================================================================

func TestCalculate_WeightedBase(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.95,
		Extraction:     0.90,
		FieldCount:     10,
		Validation:     ValidationInput{Confidence: 0.85, IsValid: true},
	})

	// 0.95*0.10 + 0.90*0.50 + 0.85*0.30
	assert.InDelta(t, 0.80, report.Score, 1e-9)
	assert.True(t, report.NeedsReview)
}

func TestCalculate_PerfectStagesWithoutCorrectionStillReviews(t *testing.T) {
	report := Calculate(Input{
		Classification: 1.0,
		Extraction:     1.0,
		FieldCount:     8,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: true},
	})

	assert.InDelta(t, 0.90, report.Score, 1e-9)
	assert.True(t, report.NeedsReview)
}

func TestCalculate_CorrectionBonusReachesAutoApproval(t *testing.T) {
	report := Calculate(Input{
		Classification: 1.0,
		Extraction:     1.0,
		FieldCount:     8,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: true},
		Correction:     &CorrectionInput{Confidence: 1.0, Applied: true},
	})

	assert.InDelta(t, 1.0, report.Score, 1e-9)
	assert.False(t, report.NeedsReview)
}

func TestCalculate_CorrectionBonusBelowThreshold(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     5,
		Validation:     ValidationInput{Confidence: 0.90, IsValid: true},
		Correction:     &CorrectionInput{Confidence: 0.80, Applied: true},
	})

	// 0.09 + 0.45 + 0.27 + 0.08
	assert.InDelta(t, 0.89, report.Score, 1e-9)
	assert.True(t, report.NeedsReview)
}

// =============================================================================
// Zero Extraction Tests
// =============================================================================

func TestCalculate_ZeroFields(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.99,
		Extraction:     0.99,
		FieldCount:     0,
		Validation:     ValidationInput{Confidence: 0.99, IsValid: true},
	})

	assert.Zero(t, report.Score)
	assert.True(t, report.NeedsReview)
}

// =============================================================================
// Validation Penalty Tests
// =============================================================================

func TestCalculate_InvalidPenalties(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.80,
		FieldCount:     6,
		Validation:     ValidationInput{Confidence: 0.85, IsValid: false, Errors: 2, Warnings: 1},
	})

	// validation adjusted: 0.85 - 0.30 - 0.05 = 0.50
	// base: 0.09 + 0.40 + 0.15 = 0.64, then *0.70 (invalid, no correction)
	assert.InDelta(t, 0.448, report.Score, 1e-9)
	assert.True(t, report.NeedsReview)
}

func TestCalculate_ErrorPenaltyCapsAtSixErrors(t *testing.T) {
	sixErrors := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     6,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: false, Errors: 6},
	})
	twentyErrors := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     6,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: false, Errors: 20},
	})

	// error penalty saturates at 0.75 from 5 errors upward
	assert.InDelta(t, sixErrors.Score, twentyErrors.Score, 1e-9)

	// adjusted validation: max(0, 1.0-0.75) = 0.25
	// base: 0.09 + 0.45 + 0.075 = 0.615, then *0.70
	assert.InDelta(t, 0.4305, sixErrors.Score, 1e-9)
}

func TestCalculate_WarningPenaltyCaps(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     6,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: false, Warnings: 50},
	})

	// warning penalty saturates at 0.20: adjusted validation 0.80
	// base: 0.09 + 0.45 + 0.24 = 0.78, then *0.70
	assert.InDelta(t, 0.546, report.Score, 1e-9)
}

func TestCalculate_PenaltyFloorIsZero(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.50,
		Extraction:     0.50,
		FieldCount:     3,
		Validation:     ValidationInput{Confidence: 0.10, IsValid: false, Errors: 5, Warnings: 4},
	})

	// adjusted validation bottoms out at 0, never negative
	// base: 0.05 + 0.25 + 0 = 0.30, then *0.70
	assert.InDelta(t, 0.21, report.Score, 1e-9)
}

// =============================================================================
// Correction Outcome Tests
// =============================================================================

func TestCalculate_CorrectionFailedCapsScore(t *testing.T) {
	report := Calculate(Input{
		Classification: 0.95,
		Extraction:     0.95,
		FieldCount:     9,
		Validation:     ValidationInput{Confidence: 0.80, IsValid: false, Errors: 1},
		Correction:     &CorrectionInput{Applied: false, Failed: true},
	})

	assert.LessOrEqual(t, report.Score, CorrectionFailedCap)
	assert.True(t, report.NeedsReview)
}

func TestCalculate_CorrectionAppliedButRevalidationFailed(t *testing.T) {
	report := Calculate(Input{
		Classification: 1.0,
		Extraction:     1.0,
		FieldCount:     9,
		Validation:     ValidationInput{Confidence: 1.0, IsValid: false, Errors: 1},
		Correction:     &CorrectionInput{Confidence: 0.9, Applied: true, Failed: true},
	})

	// no bonus for a failed correction, and the cap still applies
	assert.LessOrEqual(t, report.Score, CorrectionFailedCap)
	assert.True(t, report.NeedsReview)
}

func TestCalculate_InvalidWithAppliedCorrectionSkipsGlobalPenalty(t *testing.T) {
	withCorrection := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     5,
		Validation:     ValidationInput{Confidence: 0.80, IsValid: false, Errors: 1},
		Correction:     &CorrectionInput{Confidence: 0.85, Applied: true},
	})
	withoutCorrection := Calculate(Input{
		Classification: 0.90,
		Extraction:     0.90,
		FieldCount:     5,
		Validation:     ValidationInput{Confidence: 0.80, IsValid: false, Errors: 1},
	})

	assert.Greater(t, withCorrection.Score, withoutCorrection.Score)
}

// =============================================================================
// Sanitization Tests
// =============================================================================

func TestCalculate_SanitizesHostileInputs(t *testing.T) {
	tests := []struct {
		name  string
		input Input
	}{
		{
			name: "NaN classification",
			input: Input{
				Classification: math.NaN(),
				Extraction:     0.9,
				FieldCount:     4,
				Validation:     ValidationInput{Confidence: 0.9, IsValid: true},
			},
		},
		{
			name: "positive infinity extraction",
			input: Input{
				Classification: 0.9,
				Extraction:     math.Inf(1),
				FieldCount:     4,
				Validation:     ValidationInput{Confidence: 0.9, IsValid: true},
			},
		},
		{
			name: "negative validation",
			input: Input{
				Classification: 0.9,
				Extraction:     0.9,
				FieldCount:     4,
				Validation:     ValidationInput{Confidence: -3.5, IsValid: true},
			},
		},
		{
			name: "everything out of range",
			input: Input{
				Classification: math.Inf(-1),
				Extraction:     42,
				FieldCount:     4,
				Validation:     ValidationInput{Confidence: math.NaN(), IsValid: false, Errors: 2},
				Correction:     &CorrectionInput{Confidence: math.Inf(1), Applied: true},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Calculate(tt.input)

			assert.False(t, math.IsNaN(report.Score))
			assert.False(t, math.IsInf(report.Score, 0))
			assert.GreaterOrEqual(t, report.Score, 0.0)
			assert.LessOrEqual(t, report.Score, 1.0)
		})
	}
}

// =============================================================================
// Business Rule Penalty Tests
// =============================================================================

func TestApplyRulePenalty(t *testing.T) {
	tests := []struct {
		name     string
		raw      float64
		errors   int
		warnings int
		want     float64
	}{
		{"no errors passes through", 0.85, 0, 3, 0.85},
		{"one error", 0.80, 1, 0, 0.80 * (1 - 0.40)},
		{"one error two warnings", 0.80, 1, 2, 0.80 * (1 - 0.50)},
		{"error step caps at 0.55", 0.80, 10, 0, 0.80 * (1 - 0.80)},
		{"warning step caps at 0.20", 0.80, 1, 50, 0.80 * (1 - 0.60)},
		{"total caps at 0.80", 1.0, 20, 20, 1.0 * (1 - 0.80)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApplyRulePenalty(tt.raw, tt.errors, tt.warnings)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestApplyRulePenalty_SanitizesRaw(t *testing.T) {
	assert.Equal(t, 0.0, ApplyRulePenalty(math.NaN(), 0, 0))
	assert.Equal(t, 1.0, ApplyRulePenalty(5.0, 0, 0))
}

// =============================================================================
// Display Helper Tests
// =============================================================================

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "80.5%", FormatPercent(0.805))
	assert.Equal(t, "100.0%", FormatPercent(1.0))
	assert.Equal(t, "100.0%", FormatPercent(1.7))
	assert.Equal(t, "0.0%", FormatPercent(-0.2))
	assert.Equal(t, "94.9%", FormatPercent(0.949))
}

func TestLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.99, "high"},
		{0.90, "high"},
		{0.89, "medium"},
		{0.70, "medium"},
		{0.69, "low"},
		{0.40, "low"},
		{0.39, "critical"},
		{0.0, "critical"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Level(tt.score), "score %v", tt.score)
	}
}
