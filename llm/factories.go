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
	"errors"
	"fmt"
	"net"
	"time"

	"docuflow/platform/llm/anthropic"
	"docuflow/platform/llm/bedrock"
	"docuflow/platform/llm/gemini"
	"docuflow/platform/llm/openai"
)

// builtinFactories returns the constructors for every vendor this build
// ships with.
func builtinFactories() map[ProviderType]Factory {
	return map[ProviderType]Factory{
		ProviderTypeAnthropic: NewAnthropicProviderFactory,
		ProviderTypeGemini:    NewGeminiProviderFactory,
		ProviderTypeOpenAI:    NewOpenAIProviderFactory,
		ProviderTypeBedrock:   NewBedrockProviderFactory,
	}
}

// FactoryError represents an error from provider creation.
type FactoryError struct {
	ProviderType ProviderType
	Code         string
	Message      string
	Cause        error
}

// Factory error codes.
const (
	// ErrFactoryInvalidConfig indicates invalid provider configuration.
	ErrFactoryInvalidConfig = "factory_invalid_config"

	// ErrFactoryCreationFailed indicates provider creation failed.
	ErrFactoryCreationFailed = "factory_creation_failed"
)

// Error implements the error interface.
func (e *FactoryError) Error() string {
	return fmt.Sprintf("factory error for %s: %s", e.ProviderType, e.Message)
}

// Unwrap returns the underlying error.
func (e *FactoryError) Unwrap() error {
	return e.Cause
}

// configTimeout converts the configured timeout, keeping the vendor
// default for zero.
func configTimeout(config ProviderConfig) time.Duration {
	if config.TimeoutSeconds > 0 {
		return time.Duration(config.TimeoutSeconds) * time.Second
	}
	return 0
}

// capabilitiesFromStrings maps vendor capability names onto the typed
// capability set, dropping unknown names.
func capabilitiesFromStrings(names []string) []Capability {
	caps := make([]Capability, 0, len(names))
	for _, name := range names {
		switch Capability(name) {
		case CapabilityVision, CapabilityPDF, CapabilityJSON:
			caps = append(caps, Capability(name))
		}
	}
	return caps
}

// flagHealthResult converts a provider's internal healthy flag into a
// health check result. No network call is made; the flag tracks the
// outcome of real completion traffic.
func flagHealthResult(healthy bool) *HealthCheckResult {
	status := HealthStatusUnhealthy
	message := "provider reports unhealthy"
	if healthy {
		status = HealthStatusHealthy
		message = "provider is operational"
	}
	return &HealthCheckResult{
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
	}
}

// transportError classifies a failure that happened before the provider
// answered. Context cancellation passes through untouched so callers
// can tell shutdown apart from provider trouble.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		pe := NewProviderError(provider, ErrCodeTimeout, "request deadline exceeded")
		pe.Cause = err
		return pe
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		pe := NewProviderError(provider, ErrCodeTimeout, err.Error())
		pe.Cause = err
		return pe
	}
	pe := NewProviderError(provider, ErrCodeNetwork, err.Error())
	pe.Cause = err
	return pe
}

// ============================================================================
// Anthropic
// ============================================================================

// NewAnthropicProviderFactory creates an Anthropic provider from configuration.
func NewAnthropicProviderFactory(config ProviderConfig) (Provider, error) {
	if config.APIKey == "" {
		return nil, &FactoryError{
			ProviderType: ProviderTypeAnthropic,
			Code:         ErrFactoryInvalidConfig,
			Message:      "API key is required for Anthropic provider",
		}
	}

	provider, err := anthropic.NewProvider(anthropic.Config{
		APIKey:  config.APIKey,
		BaseURL: config.Endpoint,
		Model:   config.Model,
		Timeout: configTimeout(config),
	})
	if err != nil {
		return nil, &FactoryError{
			ProviderType: ProviderTypeAnthropic,
			Code:         ErrFactoryCreationFailed,
			Message:      fmt.Sprintf("failed to create Anthropic provider: %v", err),
			Cause:        err,
		}
	}

	return &anthropicAdapter{provider: provider, name: config.Name}, nil
}

// anthropicAdapter adapts the anthropic client to the unified Provider
// interface.
type anthropicAdapter struct {
	provider *anthropic.Provider
	name     string
}

func (a *anthropicAdapter) Name() string {
	return a.name
}

func (a *anthropicAdapter) Type() ProviderType {
	return ProviderTypeAnthropic
}

func (a *anthropicAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	attachments := make([]anthropic.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, anthropic.Attachment{
			MediaType: att.MediaType,
			Data:      att.Data,
		})
	}

	resp, err := a.provider.Complete(ctx, anthropic.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Attachments:  attachments,
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	return &CompletionResponse{
		Content: resp.Content,
		Model:   resp.Model,
		Usage: UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency:      resp.Latency,
		FinishReason: resp.StopReason,
	}, nil
}

func (a *anthropicAdapter) mapError(err error) error {
	var apiErr *anthropic.APIError
	if !errors.As(err, &apiErr) {
		return transportError(a.name, err)
	}

	code := ErrCodeServerError
	switch {
	case apiErr.IsRateLimitError():
		code = ErrCodeRateLimit
	case apiErr.IsAuthError():
		code = ErrCodeAuth
	case apiErr.IsOverloadedError():
		code = ErrCodeUnavailable
	case apiErr.IsInvalidRequestError():
		code = ErrCodeInvalidRequest
	case apiErr.StatusCode < 500:
		code = ErrCodeInvalidRequest
	}

	pe := NewProviderError(a.name, code, apiErr.Message)
	pe.StatusCode = apiErr.StatusCode
	pe.RetryAfter = apiErr.RetryAfter
	pe.Cause = err
	return pe
}

func (a *anthropicAdapter) Capabilities() []Capability {
	return capabilitiesFromStrings(a.provider.GetCapabilities())
}

func (a *anthropicAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return flagHealthResult(a.provider.IsHealthy()), nil
}

// Verify interface compliance at compile time.
var _ Provider = (*anthropicAdapter)(nil)

// ============================================================================
// Gemini
// ============================================================================

// NewGeminiProviderFactory creates a Gemini provider from configuration.
func NewGeminiProviderFactory(config ProviderConfig) (Provider, error) {
	if config.APIKey == "" {
		return nil, &FactoryError{
			ProviderType: ProviderTypeGemini,
			Code:         ErrFactoryInvalidConfig,
			Message:      "API key is required for Gemini provider",
		}
	}

	provider, err := gemini.NewProvider(gemini.Config{
		APIKey:  config.APIKey,
		BaseURL: config.Endpoint,
		Model:   config.Model,
		Timeout: configTimeout(config),
	})
	if err != nil {
		return nil, &FactoryError{
			ProviderType: ProviderTypeGemini,
			Code:         ErrFactoryCreationFailed,
			Message:      fmt.Sprintf("failed to create Gemini provider: %v", err),
			Cause:        err,
		}
	}

	return &geminiAdapter{provider: provider, name: config.Name}, nil
}

// geminiAdapter adapts the gemini client to the unified Provider
// interface.
type geminiAdapter struct {
	provider *gemini.Provider
	name     string
}

func (a *geminiAdapter) Name() string {
	return a.name
}

func (a *geminiAdapter) Type() ProviderType {
	return ProviderTypeGemini
}

func (a *geminiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	attachments := make([]gemini.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, gemini.Attachment{
			MediaType: att.MediaType,
			Data:      att.Data,
		})
	}

	resp, err := a.provider.Complete(ctx, gemini.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Attachments:  attachments,
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	return &CompletionResponse{
		Content: resp.Content,
		Model:   resp.Model,
		Usage: UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency:      resp.Latency,
		FinishReason: resp.StopReason,
	}, nil
}

func (a *geminiAdapter) mapError(err error) error {
	var apiErr *gemini.APIError
	if !errors.As(err, &apiErr) {
		return transportError(a.name, err)
	}

	code := ErrCodeServerError
	switch {
	case apiErr.IsRateLimitError():
		code = ErrCodeRateLimit
	case apiErr.IsAuthError():
		code = ErrCodeAuth
	case apiErr.IsInvalidRequestError():
		code = ErrCodeInvalidRequest
	case apiErr.StatusCode < 500:
		code = ErrCodeInvalidRequest
	}

	pe := NewProviderError(a.name, code, apiErr.Message)
	pe.StatusCode = apiErr.StatusCode
	pe.Cause = err
	return pe
}

func (a *geminiAdapter) Capabilities() []Capability {
	return capabilitiesFromStrings(a.provider.GetCapabilities())
}

func (a *geminiAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return flagHealthResult(a.provider.IsHealthy()), nil
}

// Verify interface compliance at compile time.
var _ Provider = (*geminiAdapter)(nil)

// ============================================================================
// OpenAI
// ============================================================================

// NewOpenAIProviderFactory creates an OpenAI provider from configuration.
func NewOpenAIProviderFactory(config ProviderConfig) (Provider, error) {
	if config.APIKey == "" {
		return nil, &FactoryError{
			ProviderType: ProviderTypeOpenAI,
			Code:         ErrFactoryInvalidConfig,
			Message:      "API key is required for OpenAI provider",
		}
	}

	provider, err := openai.NewProvider(openai.Config{
		APIKey:  config.APIKey,
		BaseURL: config.Endpoint,
		Model:   config.Model,
		Timeout: configTimeout(config),
	})
	if err != nil {
		return nil, &FactoryError{
			ProviderType: ProviderTypeOpenAI,
			Code:         ErrFactoryCreationFailed,
			Message:      fmt.Sprintf("failed to create OpenAI provider: %v", err),
			Cause:        err,
		}
	}

	return &openaiAdapter{provider: provider, name: config.Name}, nil
}

// openaiAdapter adapts the openai client to the unified Provider
// interface.
type openaiAdapter struct {
	provider *openai.Provider
	name     string
}

func (a *openaiAdapter) Name() string {
	return a.name
}

func (a *openaiAdapter) Type() ProviderType {
	return ProviderTypeOpenAI
}

func (a *openaiAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	attachments := make([]openai.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, openai.Attachment{
			MediaType: att.MediaType,
			Data:      att.Data,
		})
	}

	resp, err := a.provider.Complete(ctx, openai.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Attachments:  attachments,
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	return &CompletionResponse{
		Content: resp.Content,
		Model:   resp.Model,
		Usage: UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency:      resp.Latency,
		FinishReason: resp.FinishReason,
	}, nil
}

func (a *openaiAdapter) mapError(err error) error {
	if errors.Is(err, openai.ErrPDFNotSupported) {
		pe := NewProviderError(a.name, ErrCodeUnsupportedMedia, err.Error())
		pe.Cause = err
		return pe
	}

	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return transportError(a.name, err)
	}

	code := ErrCodeServerError
	switch {
	case apiErr.IsRateLimitError():
		code = ErrCodeRateLimit
	case apiErr.IsAuthError():
		code = ErrCodeAuth
	case apiErr.IsInvalidRequestError():
		code = ErrCodeInvalidRequest
	case apiErr.StatusCode < 500:
		code = ErrCodeInvalidRequest
	}

	pe := NewProviderError(a.name, code, apiErr.Message)
	pe.StatusCode = apiErr.StatusCode
	pe.RetryAfter = apiErr.RetryAfter
	pe.Cause = err
	return pe
}

func (a *openaiAdapter) Capabilities() []Capability {
	return capabilitiesFromStrings(a.provider.GetCapabilities())
}

func (a *openaiAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return flagHealthResult(a.provider.IsHealthy()), nil
}

// Verify interface compliance at compile time.
var _ Provider = (*openaiAdapter)(nil)

// ============================================================================
// Bedrock
// ============================================================================

// NewBedrockProviderFactory creates a Bedrock provider from
// configuration. No API key is needed; credentials come from the AWS
// default chain.
func NewBedrockProviderFactory(config ProviderConfig) (Provider, error) {
	provider, err := bedrock.NewProvider(bedrock.Config{
		Region: config.Region,
		Model:  config.Model,
	})
	if err != nil {
		return nil, &FactoryError{
			ProviderType: ProviderTypeBedrock,
			Code:         ErrFactoryCreationFailed,
			Message:      fmt.Sprintf("failed to create Bedrock provider: %v", err),
			Cause:        err,
		}
	}

	return &bedrockAdapter{provider: provider, name: config.Name}, nil
}

// bedrockAdapter adapts the bedrock client to the unified Provider
// interface.
type bedrockAdapter struct {
	provider *bedrock.Provider
	name     string
}

func (a *bedrockAdapter) Name() string {
	return a.name
}

func (a *bedrockAdapter) Type() ProviderType {
	return ProviderTypeBedrock
}

func (a *bedrockAdapter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	attachments := make([]bedrock.Attachment, 0, len(req.Attachments))
	for _, att := range req.Attachments {
		attachments = append(attachments, bedrock.Attachment{
			MediaType: att.MediaType,
			Data:      att.Data,
		})
	}

	resp, err := a.provider.Complete(ctx, bedrock.CompletionRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Model:        req.Model,
		Attachments:  attachments,
	})
	if err != nil {
		return nil, a.mapError(err)
	}

	return &CompletionResponse{
		Content: resp.Content,
		Model:   resp.Model,
		Usage: UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency:      resp.Latency,
		FinishReason: resp.StopReason,
	}, nil
}

func (a *bedrockAdapter) mapError(err error) error {
	switch {
	case errors.Is(err, bedrock.ErrPDFNotSupported):
		pe := NewProviderError(a.name, ErrCodeUnsupportedMedia, err.Error())
		pe.Cause = err
		return pe
	case bedrock.IsThrottleError(err):
		pe := NewProviderError(a.name, ErrCodeRateLimit, err.Error())
		pe.Cause = err
		return pe
	case bedrock.IsTimeoutError(err):
		pe := NewProviderError(a.name, ErrCodeTimeout, err.Error())
		pe.Cause = err
		return pe
	case bedrock.IsAuthError(err):
		pe := NewProviderError(a.name, ErrCodeAuth, err.Error())
		pe.Cause = err
		return pe
	case bedrock.IsInvalidRequestError(err):
		pe := NewProviderError(a.name, ErrCodeInvalidRequest, err.Error())
		pe.Cause = err
		return pe
	case bedrock.IsServerError(err):
		pe := NewProviderError(a.name, ErrCodeServerError, err.Error())
		pe.Cause = err
		return pe
	default:
		return transportError(a.name, err)
	}
}

func (a *bedrockAdapter) Capabilities() []Capability {
	return capabilitiesFromStrings(a.provider.GetCapabilities())
}

func (a *bedrockAdapter) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	return flagHealthResult(a.provider.IsHealthy()), nil
}

// Verify interface compliance at compile time.
var _ Provider = (*bedrockAdapter)(nil)
