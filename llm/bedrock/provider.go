// Copyright 2025 DocuFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bedrock provides a vision LLM client for Claude models hosted
// on AWS Bedrock. It calls InvokeModel with the Anthropic-native
// payload, authenticating through the standard AWS credential chain
// (IAM role, environment, shared profile). Image attachments only; PDFs
// must go to a direct-API provider.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	// DefaultRegion is used when no region is configured
	DefaultRegion = "us-east-1"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096

	// DefaultTemperature is the default temperature. Document
	// transcription wants deterministic output.
	DefaultTemperature = 0.0

	// anthropicVersion is the Bedrock payload version for Claude models
	anthropicVersion = "bedrock-2023-05-31"

	// MediaTypePDF is the attachment media type this provider rejects.
	MediaTypePDF = "application/pdf"
)

// Model constants for Claude models on Bedrock
const (
	ModelClaude35SonnetV2 = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	ModelClaude35Haiku    = "anthropic.claude-3-5-haiku-20241022-v1:0"
	ModelClaude3Haiku     = "anthropic.claude-3-haiku-20240307-v1:0"

	// Default model
	DefaultModel = ModelClaude35SonnetV2
)

// ErrPDFNotSupported is returned when a PDF attachment reaches this
// provider.
var ErrPDFNotSupported = errors.New("bedrock provider does not support PDF attachments")

// InvokeAPI is the slice of the Bedrock runtime client this provider
// uses (enables testing).
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements the document LLM client for Claude on AWS Bedrock
type Provider struct {
	client  InvokeAPI
	region  string
	model   string
	healthy bool
	mu      sync.RWMutex
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Region string // Optional: AWS region (default: us-east-1)
	Model  string // Optional: Bedrock model ID (default: Claude 3.5 Sonnet v2)
}

// Attachment is one document page sent alongside the prompt.
type Attachment struct {
	MediaType string // e.g. "image/png"
	Data      []byte // Raw bytes; encoded to base64 on the wire
}

// CompletionRequest represents a completion request to Bedrock
type CompletionRequest struct {
	Prompt       string       // The prompt/user message
	SystemPrompt string       // Optional system prompt
	MaxTokens    int          // Maximum tokens to generate
	Temperature  float64      // Temperature (0.0-1.0); negative means default
	Model        string       // Model ID override
	Attachments  []Attachment // Images to include
}

// CompletionResponse represents a completion response from Bedrock
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Usage      UsageStats
	Latency    time.Duration
}

// UsageStats contains token usage statistics
type UsageStats struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// NewProvider creates a Bedrock provider using the default AWS
// credential chain for the configured region.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewProviderWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

// NewProviderWithClient creates a Bedrock provider with an injected
// runtime client.
func NewProviderWithClient(cfg Config, client InvokeAPI) *Provider {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	return &Provider{
		client:  client,
		region:  cfg.Region,
		model:   cfg.Model,
		healthy: true,
	}
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "bedrock"
}

// GetCapabilities returns the provider's capabilities
func (p *Provider) GetCapabilities() []string {
	return []string{
		"vision",
		"json",
	}
}

// Model returns the configured default model.
func (p *Provider) Model() string {
	return p.model
}

// Region returns the configured AWS region.
func (p *Provider) Region() string {
	return p.region
}

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

// setHealthy updates the provider health status
func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Complete generates a completion for the given request
func (p *Provider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	for _, att := range req.Attachments {
		if att.MediaType == MediaTypePDF {
			return nil, ErrPDFNotSupported
		}
	}

	// Build request
	model := req.Model
	if model == "" {
		model = p.model
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	// Temperature: 0.0 is valid (deterministic), negative is invalid
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	// Build Anthropic-native payload
	payload := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Temperature:      &temperature,
		Messages: []claudeMessage{
			{Role: "user", Content: buildContent(req)},
		},
	}

	if req.SystemPrompt != "" {
		payload.System = req.SystemPrompt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	}

	output, err := p.client.InvokeModel(ctx, input)
	if err != nil {
		if isServerFault(err) {
			p.setHealthy(false)
		}
		return nil, fmt.Errorf("bedrock invoke model error: %w", err)
	}

	p.setHealthy(true)

	var apiResp claudeResponse
	if err := json.Unmarshal(output.Body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    contentBuilder.String(),
		Model:      model,
		StopReason: apiResp.StopReason,
		Usage: UsageStats{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// buildContent assembles the user message content blocks: attachments
// first so the model reads the document before the instructions.
func buildContent(req CompletionRequest) []claudeContent {
	content := make([]claudeContent, 0, len(req.Attachments)+1)
	for _, att := range req.Attachments {
		content = append(content, claudeContent{
			Type: "image",
			Source: &claudeSource{
				Type:      "base64",
				MediaType: att.MediaType,
				Data:      base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}
	content = append(content, claudeContent{Type: "text", Text: req.Prompt})
	return content
}

// ============================================================================
// Error classification
// ============================================================================

// IsThrottleError returns true for throttling and quota errors.
func IsThrottleError(err error) bool {
	var throttle *brtypes.ThrottlingException
	var quota *brtypes.ServiceQuotaExceededException
	return errors.As(err, &throttle) || errors.As(err, &quota)
}

// IsAuthError returns true for credential and permission errors.
func IsAuthError(err error) bool {
	var denied *brtypes.AccessDeniedException
	return errors.As(err, &denied)
}

// IsTimeoutError returns true when the model timed out generating.
func IsTimeoutError(err error) bool {
	var timeout *brtypes.ModelTimeoutException
	return errors.As(err, &timeout)
}

// IsInvalidRequestError returns true when the request was rejected.
func IsInvalidRequestError(err error) bool {
	var validation *brtypes.ValidationException
	var notFound *brtypes.ResourceNotFoundException
	return errors.As(err, &validation) || errors.As(err, &notFound)
}

// isServerFault returns true for errors that indicate the service side
// is degraded rather than the request being wrong.
func isServerFault(err error) bool {
	var internal *brtypes.InternalServerException
	var unavailable *brtypes.ServiceUnavailableException
	var notReady *brtypes.ModelNotReadyException
	return errors.As(err, &internal) || errors.As(err, &unavailable) || errors.As(err, &notReady)
}

// IsServerError returns true for retryable service-side failures.
func IsServerError(err error) bool {
	return isServerFault(err)
}

// Internal API types (Anthropic-native Bedrock payload)

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
