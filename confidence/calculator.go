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

// Package confidence aggregates per-stage confidences into the overall
// document score and the review decision. The weighted base is
//
//	classification·0.10 + extraction·0.50 + validation·0.30
//
// with a correction bonus of up to 0.10, so a document that never went
// through correction tops out at 0.90 and always lands in review.
package confidence

import (
	"fmt"
	"log"
	"math"
)

// Stage weights. They sum to 1.0; the correction weight only contributes
// when a correction was applied successfully.
const (
	WeightClassification = 0.10
	WeightExtraction     = 0.50
	WeightValidation     = 0.30
	WeightCorrection     = 0.10
)

// Review and penalty thresholds.
const (
	// ReviewThreshold is the minimum score for automatic approval.
	ReviewThreshold = 0.95

	// CorrectionFailedCap bounds the score when correction was attempted
	// but did not stick.
	CorrectionFailedCap = 0.30

	// InvalidNoCorrectionFactor shrinks the score when validation failed
	// and nothing was corrected.
	InvalidNoCorrectionFactor = 0.70

	// Per-issue penalties against the validation contribution.
	ErrorPenaltyStep   = 0.15
	ErrorPenaltyCap    = 0.75
	WarningPenaltyStep = 0.05
	WarningPenaltyCap  = 0.20

	// Business-rule penalty shape (see ApplyRulePenalty).
	RuleBasePenalty     = 0.25
	RuleErrorStep       = 0.15
	RuleErrorCap        = 0.55
	RuleWarningStep     = 0.05
	RuleWarningCap      = 0.20
	RuleTotalPenaltyCap = 0.80
)

// ValidationInput is the validation stage outcome.
type ValidationInput struct {
	Confidence float64
	IsValid    bool
	Errors     int
	Warnings   int
}

// CorrectionInput is the correction stage outcome. Applied means corrected
// data replaced the extraction; Failed means the correction call threw or
// re-validation still rejected the data.
type CorrectionInput struct {
	Confidence float64
	Applied    bool
	Failed     bool
}

// Input carries everything the calculator needs for one document.
type Input struct {
	Classification float64
	Extraction     float64
	FieldCount     int
	Validation     ValidationInput
	Correction     *CorrectionInput
}

// Report is the calculator verdict.
type Report struct {
	Score       float64
	NeedsReview bool
}

// Calculate produces the overall confidence score and review decision.
//
// The validation contribution is reduced per issue when the document is
// invalid. A successful correction adds its own weighted bonus; a failed
// correction caps the final score; an uncorrected invalid document is
// shrunk globally. Zero extracted fields short-circuit to a zero score.
func Calculate(input Input) Report {
	if input.FieldCount <= 0 {
		return Report{Score: 0, NeedsReview: true}
	}

	classification := sanitize(input.Classification, "classification")
	extraction := sanitize(input.Extraction, "extraction")
	validation := sanitize(input.Validation.Confidence, "validation")

	if !input.Validation.IsValid {
		errorPenalty := math.Min(float64(input.Validation.Errors)*ErrorPenaltyStep, ErrorPenaltyCap)
		warningPenalty := math.Min(float64(input.Validation.Warnings)*WarningPenaltyStep, WarningPenaltyCap)
		validation = math.Max(0, validation-errorPenalty-warningPenalty)
	}

	score := classification*WeightClassification +
		extraction*WeightExtraction +
		validation*WeightValidation

	correctionFailed := false
	correctionApplied := false
	if input.Correction != nil {
		correctionFailed = input.Correction.Failed
		correctionApplied = input.Correction.Applied
		if correctionApplied && !correctionFailed {
			score += sanitize(input.Correction.Confidence, "correction") * WeightCorrection
		}
	}

	if !input.Validation.IsValid && !correctionApplied {
		score *= InvalidNoCorrectionFactor
	}
	if correctionFailed {
		score = math.Min(score, CorrectionFailedCap)
	}

	score = clamp01(score)

	return Report{
		Score:       score,
		NeedsReview: score < ReviewThreshold || !input.Validation.IsValid || correctionFailed,
	}
}

// ApplyRulePenalty shrinks a validation confidence when deterministic
// business rules found errors. Rule findings are authoritative, so the
// penalty is applied to the raw confidence before it enters Calculate.
// With no rule errors the confidence passes through unchanged.
func ApplyRulePenalty(raw float64, errors, warnings int) float64 {
	raw = sanitize(raw, "rule-adjusted validation")
	if errors <= 0 {
		return raw
	}

	total := RuleBasePenalty +
		math.Min(float64(errors)*RuleErrorStep, RuleErrorCap) +
		math.Min(float64(warnings)*RuleWarningStep, RuleWarningCap)
	if total > RuleTotalPenaltyCap {
		total = RuleTotalPenaltyCap
	}

	return clamp01(raw * (1 - total))
}

// FormatPercent renders a score as a percentage with one decimal.
func FormatPercent(score float64) string {
	return fmt.Sprintf("%.1f%%", clamp01(score)*100)
}

// Level buckets a score for display and logging.
func Level(score float64) string {
	switch {
	case score >= 0.90:
		return "high"
	case score >= 0.70:
		return "medium"
	case score >= 0.40:
		return "low"
	default:
		return "critical"
	}
}

// sanitize clamps a confidence into [0,1], logging anything that was out of
// range. NaN collapses to zero so it can never poison the weighted sum.
func sanitize(v float64, label string) float64 {
	if math.IsNaN(v) {
		log.Printf("[Confidence] %s confidence is NaN, using 0", label)
		return 0
	}
	if math.IsInf(v, 1) || v > 1 {
		log.Printf("[Confidence] %s confidence %v out of range, clamping to 1", label, v)
		return 1
	}
	if math.IsInf(v, -1) || v < 0 {
		log.Printf("[Confidence] %s confidence %v out of range, clamping to 0", label, v)
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
