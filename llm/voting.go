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

import "math"

// ValidityThreshold is the weighted-validity cutoff; a tie counts as
// valid.
const ValidityThreshold = 0.5

// Vote is one provider's validation verdict.
type Vote struct {
	Provider   string
	IsValid    bool
	Confidence float64
}

// VotingResult is the weighted consensus over the providers that
// actually responded.
type VotingResult struct {
	// IsValid is true when the weighted validity reaches the threshold.
	IsValid bool

	// Confidence is the weighted mean of the voters' confidences.
	Confidence float64

	// ValidityScore is the weighted sum of valid votes, in [0, 1].
	ValidityScore float64

	// AgreementLevel is 1 when all voters reported the same confidence
	// and decays toward 0 as their confidences spread.
	AgreementLevel float64

	// Weights holds the normalized weight actually applied per voter.
	Weights map[string]float64
}

// WeightedVote combines validation votes using per-provider weights.
// Weights are renormalized over the voters present; voters with no
// configured weight get zero, and if no voter has a positive weight all
// voters count equally. Confidence values outside [0, 1] (including
// NaN) are clamped before aggregation.
func WeightedVote(votes []Vote, weights map[string]float64) VotingResult {
	if len(votes) == 0 {
		return VotingResult{Weights: map[string]float64{}}
	}

	normalized := normalizeWeights(votes, weights)

	var confidence, validity float64
	for _, vote := range votes {
		w := normalized[vote.Provider]
		confidence += w * clampUnit(vote.Confidence)
		if vote.IsValid {
			validity += w
		}
	}

	return VotingResult{
		IsValid:        validity >= ValidityThreshold,
		Confidence:     confidence,
		ValidityScore:  validity,
		AgreementLevel: agreementLevel(votes),
		Weights:        normalized,
	}
}

// normalizeWeights scales the configured weights so the voters present
// sum to 1. A zero (or negative) total falls back to equal weights.
func normalizeWeights(votes []Vote, weights map[string]float64) map[string]float64 {
	var sum float64
	for _, vote := range votes {
		if w := weights[vote.Provider]; w > 0 {
			sum += w
		}
	}

	normalized := make(map[string]float64, len(votes))
	if sum <= 0 {
		equal := 1.0 / float64(len(votes))
		for _, vote := range votes {
			normalized[vote.Provider] = equal
		}
		return normalized
	}
	for _, vote := range votes {
		w := weights[vote.Provider]
		if w < 0 {
			w = 0
		}
		normalized[vote.Provider] = w / sum
	}
	return normalized
}

// agreementLevel maps the variance of the voters' confidences onto
// [0, 1]. Variance above 0.25 (e.g. half the voters at 0 and half at 1)
// bottoms out at 0.
func agreementLevel(votes []Vote) float64 {
	if len(votes) < 2 {
		return 1.0
	}

	var mean float64
	for _, vote := range votes {
		mean += clampUnit(vote.Confidence)
	}
	mean /= float64(len(votes))

	var variance float64
	for _, vote := range votes {
		d := clampUnit(vote.Confidence) - mean
		variance += d * d
	}
	variance /= float64(len(votes))

	return 1.0 - math.Min(4*variance, 1.0)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
