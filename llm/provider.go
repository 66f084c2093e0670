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
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, audit records, and metrics.
	Name() string

	// Type returns the provider type (e.g. "anthropic", "gemini").
	Type() ProviderType

	// Complete generates a completion for the given request. Attachments
	// the provider cannot accept fail with ErrCodeUnsupportedMedia.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns the features this provider supports. The
	// orchestrator uses this to route PDFs to pdf-capable providers.
	Capabilities() []Capability

	// HealthCheck verifies the provider is operational. Implementations
	// should check API connectivity and authentication and complete
	// within a short timeout.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// HasCapability reports whether the provider declares a capability.
func HasCapability(p Provider, c Capability) bool {
	for _, got := range p.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}

// SupportsPDF reports whether the provider accepts native PDF input.
func SupportsPDF(p Provider) bool {
	return HasCapability(p, CapabilityPDF)
}

// ProviderConfig contains configuration for creating a provider instance.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// APIKey is the authentication key for the provider API.
	// For AWS Bedrock this may be empty (uses IAM).
	APIKey string `json:"api_key,omitempty"`

	// APIKeySecretARN is the AWS Secrets Manager ARN for the API key.
	// Used instead of APIKey for production deployments.
	APIKeySecretARN string `json:"api_key_secret_arn,omitempty"`

	// Endpoint is the API endpoint URL. If empty, provider defaults apply.
	Endpoint string `json:"endpoint,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// Region is the cloud region (for AWS Bedrock).
	Region string `json:"region,omitempty"`

	// Enabled indicates if this provider is available for routing.
	Enabled bool `json:"enabled"`

	// Weight is used by the weighted-voting strategy.
	Weight float64 `json:"weight,omitempty"`

	// TimeoutSeconds is the request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Settings contains provider-specific configuration.
	Settings map[string]any `json:"settings,omitempty"`
}
