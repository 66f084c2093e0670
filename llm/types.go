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

// Package llm provides a unified interface over vision-capable LLM providers
// and the fan-out orchestration for the document pipeline's semantic
// operations (classify, extract, validate, correct). Vendor clients live in
// subpackages; this package defines the common abstractions, the provider
// registry, and the selection strategies.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies the underlying provider implementation.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeGemini represents Google's Gemini models.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"

	// ProviderTypeCustom represents a custom/third-party provider.
	ProviderTypeCustom ProviderType = "custom"
)

// Attachment is a binary input (document page or image) sent alongside a
// prompt. Providers encode it into their native content-block format.
type Attachment struct {
	// MediaType is the MIME type of the payload (e.g. "application/pdf").
	MediaType string `json:"media_type"`

	// Data is the raw bytes. Providers base64-encode as needed.
	Data []byte `json:"-"`
}

// IsPDF reports whether the attachment is a PDF document.
func (a Attachment) IsPDF() bool {
	return a.MediaType == "application/pdf"
}

// CompletionRequest encapsulates all parameters for an LLM completion.
// This is the unified request type used across all providers.
type CompletionRequest struct {
	// Prompt is the instruction text for this call.
	Prompt string `json:"prompt"`

	// SystemPrompt is an optional system message that sets behavior.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the response length. If 0, provider defaults apply.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness. Document processing runs cold
	// (0.0-0.2) for reproducible structured output.
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Attachments are binary inputs encoded per vendor. PDF attachments
	// on a provider without the pdf capability fail with
	// ErrCodeUnsupportedMedia.
	Attachments []Attachment `json:"attachments,omitempty"`

	// Metadata contains provider-specific options.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CompletionResponse contains the result of an LLM completion.
type CompletionResponse struct {
	// Content is the generated text response.
	Content string `json:"content"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *UsageStats) Add(other UsageStats) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Capability represents a specific feature supported by a provider.
type Capability string

const (
	// CapabilityVision indicates support for image input.
	CapabilityVision Capability = "vision"

	// CapabilityPDF indicates native PDF document input.
	CapabilityPDF Capability = "pdf"

	// CapabilityJSON indicates reliable structured JSON output.
	CapabilityJSON Capability = "json"
)

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	Status      HealthStatus  `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`

	// ConsecutiveFailures tracks recent failures for alerting.
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`
}

// ProviderInfo contains metadata about a registered provider, exposed on
// the provider health endpoint.
type ProviderInfo struct {
	Name         string            `json:"name"`
	Type         ProviderType      `json:"type"`
	Capabilities []Capability      `json:"capabilities"`
	DefaultModel string            `json:"default_model,omitempty"`
	Health       HealthCheckResult `json:"health"`
}

// Common error codes carried by ProviderError.
const (
	// ErrCodeRateLimit indicates rate limiting. Retryable; the error may
	// carry a RetryAfter hint.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeTimeout indicates the call exceeded its deadline.
	ErrCodeTimeout = "timeout"

	// ErrCodeServerError indicates a provider-side 5xx failure.
	ErrCodeServerError = "server_error"

	// ErrCodeNetwork indicates a transport-level failure.
	ErrCodeNetwork = "network_error"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeUnsupportedMedia indicates the provider cannot accept the
	// attachment type (e.g. PDF on an image-only provider).
	ErrCodeUnsupportedMedia = "unsupported_media"

	// ErrCodeParse indicates the model response was not valid JSON.
	ErrCodeParse = "parse_error"

	// ErrCodeUnavailable indicates the provider is not operational.
	ErrCodeUnavailable = "unavailable"
)

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// RetryAfter is a provider-supplied minimum delay before retrying.
	// Zero when the provider gave no hint.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with retryability derived from
// the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeNetwork, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}

// AsProviderError unwraps err to a ProviderError if one is in the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether the error is worth retrying. Unknown error
// shapes are treated as non-retryable.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable
	}
	return false
}

// IsUnsupportedMedia reports whether the error indicates the provider
// cannot accept the attachment type.
func IsUnsupportedMedia(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Code == ErrCodeUnsupportedMedia
}
